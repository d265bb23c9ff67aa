// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Server side of the RFC6455 opening handshake: upgrade detection, header
// validation and the 101 response.

package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	RequiredWebSocketVersion = "13"
)

var (
	ErrInvalidUpgradeHeaders = fmt.Errorf("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = fmt.Errorf("missing Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = fmt.Errorf("unsupported WebSocket version; only '13' is supported")
)

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HandshakeResponse returns the raw 101 Switching Protocols response.
func HandshakeResponse(key string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString(HeaderSecWebSocketAccept + ": " + AcceptKey(key) + "\r\n\r\n")
	return []byte(b.String())
}

// IsUpgradeRequest reports whether the headers ask for a websocket upgrade.
func IsUpgradeRequest(h http.Header) bool {
	return headerContainsToken(h, HeaderConnection, "upgrade") &&
		headerContainsToken(h, HeaderUpgrade, "websocket")
}

// ValidateHandshake checks an upgrade request and returns the client key.
func ValidateHandshake(h http.Header) (string, error) {
	if !IsUpgradeRequest(h) {
		return "", ErrInvalidUpgradeHeaders
	}
	if h.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return "", ErrBadWebSocketVersion
	}
	key := h.Get(HeaderSecWebSocketKey)
	if key == "" {
		return "", ErrMissingWebSocketKey
	}
	return key, nil
}

// headerContainsToken checks a comma separated header for token, ignoring case.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}
