// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

import (
	"net/http"
	"time"
)

// OpCode is a WebSocket frame opcode.
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

// IsControl reports whether op is a control opcode.
func (op OpCode) IsControl() bool {
	return op&0x8 != 0
}

func (op OpCode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "reserved"
	}
}

// Request is one complete HTTP request as reassembled from the wire.
type Request struct {
	Method        string
	Path          string
	RawQuery      string
	Proto         string
	Header        http.Header
	Body          []byte
	Raw           []byte // exact request bytes, header block plus body
	ContentLength int64
	KeepAlive     bool
	Upgrade       bool
	RemoteAddr    string
	ReceivedAt    time.Time
}

// Response is produced by an HTTPHandler. Either Body or File is used.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// File streams the body from disk; AutoRemove deletes it once sent.
	File       string
	AutoRemove bool
	// Close asks the reactor to drop the connection after the response.
	Close bool
}

// NewResponse returns a response with the given status and body.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}
