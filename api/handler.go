// File: api/handler.go
// Package api defines the worker handoff contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The reactor delivers exactly one complete HTTP request or one complete
// (possibly reassembled) WebSocket message per call, in arrival order per socket.
// Implementations run on a handoff worker while the reactor waits for them.

package api

import (
	"context"
	"time"
)

// HTTPHandler produces a response for one complete HTTP request.
type HTTPHandler interface {
	ServeHTTPRequest(ctx context.Context, req *Request) (*Response, error)
}

// HTTPHandlerFunc adapts a function to HTTPHandler.
type HTTPHandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// ServeHTTPRequest implements HTTPHandler.
func (f HTTPHandlerFunc) ServeHTTPRequest(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Endpoint handles the lifecycle of WebSocket sessions on one route.
type Endpoint interface {
	// OnOpen decides whether the upgrade is accepted. Tasks are applied after
	// the handshake response has been queued.
	OnOpen(ctx context.Context, s Session) ([]Task, bool)
	// OnMessage receives one complete message or control frame. A ping is
	// answered with a pong carrying its payload unless the returned tasks
	// already contain a SendPong.
	OnMessage(ctx context.Context, op OpCode, payload []byte, s Session) []Task
	// OnClose is called exactly once per session.
	OnClose(ctx context.Context, code uint16, s Session) []Task
}

// EndpointResolver maps a request path to its endpoint.
type EndpointResolver interface {
	Endpoint(path string) (Endpoint, bool)
}

// Session is the business-side view of a WebSocket session. It is safe to
// use from a handoff worker.
type Session interface {
	ID() string
	Path() string
	RemoteAddr() string
	Store() Context
	IdleTime() time.Duration
}

// StreamHandler drives raw outbound connections created by Reactor.Dial.
// Every callback runs on the reactor goroutine; returned bytes are queued for sending.
type StreamHandler interface {
	OnConnect(id uint64) []byte
	OnData(id uint64, data []byte) []byte
	OnClose(id uint64, err error)
}
