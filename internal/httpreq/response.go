// File: internal/httpreq/response.go
// Package httpreq
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package httpreq

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/internal/buffer"
)

// EncodeResponse serializes resp into a send buffer. keepAlive reflects the
// request; resp.Close overrides it.
func EncodeResponse(resp *api.Response, keepAlive bool) (*buffer.SendBuffer, error) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	var size int64
	if resp.File != "" {
		st, err := os.Stat(resp.File)
		if err != nil {
			return nil, fmt.Errorf("response file: %w", err)
		}
		size = st.Size()
	} else {
		size = int64(len(resp.Body))
	}

	h := make(http.Header, len(resp.Header)+3)
	for k, vs := range resp.Header {
		h[k] = vs
	}
	if h.Get("Content-Type") == "" && size > 0 && resp.File == "" {
		h.Set("Content-Type", http.DetectContentType(resp.Body))
	}
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if keepAlive && !resp.Close {
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Connection", "close")
	}

	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if err := h.Write(&head); err != nil {
		return nil, err
	}
	head.WriteString("\r\n")

	if resp.File != "" {
		return buffer.NewWithFile(head.Bytes(), resp.File, resp.AutoRemove)
	}
	return buffer.NewWithBody(head.Bytes(), resp.Body), nil
}

// ErrorResponse returns a plain text response for status that closes the connection.
func ErrorResponse(status int) *api.Response {
	resp := api.NewResponse(status, []byte(http.StatusText(status)+"\n"))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Close = true
	return resp
}

// StatusFor maps a reassembly error onto the HTTP status sent before closing.
func StatusFor(err error) int {
	switch api.CodeOf(err) {
	case api.ErrCodeResourceExceeded:
		return http.StatusRequestEntityTooLarge
	case api.ErrCodeProtocol:
		if errors.Is(err, ErrChunkedEncoding) {
			return http.StatusNotImplemented
		}
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
