// File: internal/httpreq/reassembler.go
// Package httpreq reassembles HTTP/1.x requests from a socket's inbound bytes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The reassembler sees the socket's whole accumulation buffer on each Feed.
// It consumes nothing until a request (header block plus Content-Length body)
// is complete, then takes exactly those bytes and queues the request.

package httpreq

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/protocol"
)

// DefaultMaxRequestSize bounds header block plus body.
const DefaultMaxRequestSize = 8 << 20

var (
	ErrRequestTooLarge  = api.NewError(api.ErrCodeResourceExceeded, "request too large")
	ErrChunkedEncoding  = api.NewError(api.ErrCodeProtocol, "chunked transfer-encoding not supported")
	ErrMalformedRequest = api.NewError(api.ErrCodeProtocol, "malformed request header")
)

var headerTerminator = []byte("\r\n\r\n")

// Reassembler is the HTTP layer of a socket. Not safe for concurrent use.
type Reassembler struct {
	maxSize    int
	remoteAddr string

	scanned   int   // bytes already searched for the terminator
	headerLen int   // length of the parsed header block
	bodyLen   int64 // declared body length of the pending request
	remaining int64 // body bytes still missing, -1 while awaiting a header
	pending   *api.Request
	halted    bool

	requests []*api.Request
}

// New returns a reassembler. maxSize <= 0 selects DefaultMaxRequestSize.
func New(maxSize int, remoteAddr string) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxRequestSize
	}
	return &Reassembler{maxSize: maxSize, remoteAddr: remoteAddr, remaining: -1}
}

// SetMaxSize changes the request size limit for subsequent requests.
func (r *Reassembler) SetMaxSize(n int) {
	if n > 0 {
		r.maxSize = n
	}
}

// Remaining returns the body bytes still required, or -1 while the header
// block is incomplete.
func (r *Reassembler) Remaining() int64 { return r.remaining }

// Halted reports whether parsing stopped after an upgrade request.
func (r *Reassembler) Halted() bool { return r.halted }

// Resume continues HTTP parsing after a refused upgrade.
func (r *Reassembler) Resume() { r.halted = false }

// Len returns the number of completed requests waiting for dispatch.
func (r *Reassembler) Len() int { return len(r.requests) }

// Next pops the oldest completed request, or nil.
func (r *Reassembler) Next() *api.Request {
	if len(r.requests) == 0 {
		return nil
	}
	req := r.requests[0]
	r.requests[0] = nil
	r.requests = r.requests[1:]
	return req
}

// Feed implements socket.Layer. Oversized input is consumed entirely and
// reported as ErrRequestTooLarge; a malformed or chunked header likewise
// consumes everything and returns a protocol error.
func (r *Reassembler) Feed(data []byte) (int, error) {
	consumed := 0
	for !r.halted && consumed < len(data) {
		buf := data[consumed:]
		if r.remaining < 0 {
			if err := r.scanHeader(buf); err != nil {
				r.reset()
				return len(data), err
			}
			if r.remaining < 0 {
				return consumed, nil
			}
		}

		need := r.headerLen + int(r.bodyLen)
		if len(buf) < need {
			r.remaining = int64(need - len(buf))
			return consumed, nil
		}

		raw := bytes.Clone(buf[:need])
		req := r.pending
		req.Raw = raw
		req.Body = raw[r.headerLen:]
		req.ReceivedAt = time.Now()
		r.requests = append(r.requests, req)
		consumed += need
		r.reset()
		if req.Upgrade {
			r.halted = true
		}
	}
	return consumed, nil
}

// scanHeader looks for the end of the header block, resuming where the
// previous call stopped, and parses it once found.
func (r *Reassembler) scanHeader(buf []byte) error {
	start := max(r.scanned-len(headerTerminator)+1, 0)
	idx := bytes.Index(buf[start:], headerTerminator)
	if idx < 0 {
		r.scanned = len(buf)
		if len(buf) > r.maxSize {
			return fmt.Errorf("%w: header exceeds %d bytes", ErrRequestTooLarge, r.maxSize)
		}
		return nil
	}
	end := start + idx + len(headerTerminator)

	hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:end])))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	for _, te := range hr.TransferEncoding {
		if te == "chunked" {
			return ErrChunkedEncoding
		}
	}
	length := max(hr.ContentLength, 0)
	if int64(end)+length > int64(r.maxSize) {
		return fmt.Errorf("%w: %d bytes declared, limit %d", ErrRequestTooLarge, int64(end)+length, r.maxSize)
	}

	r.pending = &api.Request{
		Method:        hr.Method,
		Path:          hr.URL.Path,
		RawQuery:      hr.URL.RawQuery,
		Proto:         hr.Proto,
		Header:        hr.Header,
		ContentLength: length,
		KeepAlive:     !hr.Close,
		Upgrade:       protocol.IsUpgradeRequest(hr.Header),
		RemoteAddr:    r.remoteAddr,
	}
	r.headerLen = end
	r.bodyLen = length
	r.remaining = length
	return nil
}

func (r *Reassembler) reset() {
	r.scanned = 0
	r.headerLen = 0
	r.bodyLen = 0
	r.remaining = -1
	r.pending = nil
}
