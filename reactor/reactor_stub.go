//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"context"
	"net"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/control"
)

// Reactor is unavailable on this platform.
type Reactor struct{}

// New returns api.ErrNotSupported.
func New(cfg Config, deps Deps) (*Reactor, error) {
	return nil, api.ErrNotSupported
}

func (r *Reactor) Metrics() *control.Metrics     { return nil }
func (r *Reactor) Run(ctx context.Context) error { return api.ErrNotSupported }
func (r *Reactor) Post(fn func()) error          { return api.ErrNotSupported }
func (r *Reactor) Listen(network, addr string) (net.Addr, error) {
	return nil, api.ErrNotSupported
}
func (r *Reactor) Write(id uint64, p []byte) error         { return api.ErrNotSupported }
func (r *Reactor) CloseStream(id uint64) error             { return api.ErrNotSupported }
func (r *Reactor) SendText(id, text string) error          { return api.ErrNotSupported }
func (r *Reactor) SendBinary(id string, data []byte) error { return api.ErrNotSupported }
func (r *Reactor) SendClose(id string, code uint16) error  { return api.ErrNotSupported }
func (r *Reactor) Disconnect(id string) error              { return api.ErrNotSupported }
func (r *Reactor) StartBridge(ctx context.Context)         {}
func (r *Reactor) Stats() map[string]int64                 { return nil }

func (r *Reactor) Dial(network, addr string, h api.StreamHandler) (uint64, error) {
	return 0, api.ErrNotSupported
}

func (r *Reactor) Publish(topic string, op api.OpCode, payload []byte) error {
	return api.ErrNotSupported
}
