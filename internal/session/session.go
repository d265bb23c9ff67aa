//go:build linux
// +build linux

// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket session over a reactor-owned socket. Send methods, the close
// flags and the keep-alive deadline belong to the reactor goroutine; the
// api.Session view (ID, Path, RemoteAddr, Store, IdleTime) is safe for workers.

package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/internal/buffer"
	"github.com/momentics/hioload-mux/internal/socket"
	"github.com/momentics/hioload-mux/protocol"
)

// Session is one upgraded WebSocket connection.
type Session struct {
	id       string
	path     string
	remote   string
	sock     *socket.Socket
	dec      *protocol.Decoder
	store    *Store
	endpoint api.Endpoint

	closeSent   bool
	closing     bool
	closeSentAt time.Time

	keepAlive time.Duration
	deadline  time.Time
}

var _ api.Session = (*Session)(nil)

// New wraps sock, installs the session as its layer and arms the keep-alive
// timer when keepAlive is positive.
func New(sock *socket.Socket, path string, ep api.Endpoint, keepAlive time.Duration) *Session {
	s := &Session{
		id:       uuid.NewString(),
		path:     path,
		remote:   sock.PeerString(),
		sock:     sock,
		dec:      protocol.NewDecoder(),
		store:    NewStore(),
		endpoint: ep,
	}
	sock.SetLayer(s)
	if keepAlive > 0 {
		s.StartKeepAlive(keepAlive)
	}
	return s
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Path() string               { return s.path }
func (s *Session) RemoteAddr() string         { return s.remote }
func (s *Session) Store() api.Context         { return s.store }
func (s *Session) IdleTime() time.Duration    { return s.sock.IdleTime() }
func (s *Session) Socket() *socket.Socket     { return s.sock }
func (s *Session) Endpoint() api.Endpoint     { return s.endpoint }
func (s *Session) Decoder() *protocol.Decoder { return s.dec }

// SetMaxFrameSize limits the payload of inbound frames.
func (s *Session) SetMaxFrameSize(n uint64) { s.dec.SetMaxPayload(n) }

// Feed implements socket.Layer.
func (s *Session) Feed(data []byte) (int, error) {
	if s.closing && s.closeSent {
		// Bytes after a completed close handshake are ignored.
		return len(data), nil
	}
	return s.dec.Parse(data)
}

// Messages drains the messages decoded so far.
func (s *Session) Messages() []protocol.Message { return s.dec.Messages() }

func (s *Session) send(op api.OpCode, payload []byte) {
	s.sock.Enqueue(buffer.New(protocol.EncodeFrame(op, payload)))
}

// SendText queues one text frame.
func (s *Session) SendText(text string) {
	s.send(protocol.OpcodeText, []byte(text))
	s.RenewKeepAlive()
}

// SendBinary queues one binary frame.
func (s *Session) SendBinary(data []byte) {
	s.send(protocol.OpcodeBinary, data)
	s.RenewKeepAlive()
}

// SendPing queues a ping. It does not renew the keep-alive deadline.
func (s *Session) SendPing(payload []byte) {
	s.send(protocol.OpcodePing, clipControl(payload))
}

// SendPong queues a pong.
func (s *Session) SendPong(payload []byte) {
	s.send(protocol.OpcodePong, clipControl(payload))
	s.RenewKeepAlive()
}

// SendClose queues a close frame unless one was already sent. It reports
// whether a frame was queued.
func (s *Session) SendClose(code uint16, reason string) bool {
	if s.closeSent {
		return false
	}
	s.closeSent = true
	s.closeSentAt = time.Now()
	s.send(protocol.OpcodeClose, protocol.ClosePayload(code, reason))
	s.RenewKeepAlive()
	return true
}

func clipControl(p []byte) []byte {
	if len(p) > protocol.MaxControlPayloadLen {
		return p[:protocol.MaxControlPayloadLen]
	}
	return p
}

// ReceivedClose records a close from the peer. Only the first call returns
// true; later close frames are no-ops.
func (s *Session) ReceivedClose() bool {
	if s.closing {
		return false
	}
	s.closing = true
	return true
}

// MarkClosing records an abnormal teardown. It returns true only if the
// endpoint has not been told about the close yet.
func (s *Session) MarkClosing() bool {
	return s.ReceivedClose()
}

// CloseSent reports whether a close frame was queued.
func (s *Session) CloseSent() bool { return s.closeSent }

// CloseSentAt is when the close frame was queued, zero if it was not.
func (s *Session) CloseSentAt() time.Time { return s.closeSentAt }

// Closing reports whether the close has been observed.
func (s *Session) Closing() bool { return s.closing }

// Done reports whether both sides of the close handshake are complete.
func (s *Session) Done() bool { return s.closeSent && s.closing }

// StartKeepAlive arms the ping timer.
func (s *Session) StartKeepAlive(interval time.Duration) {
	if interval <= 0 {
		s.StopKeepAlive()
		return
	}
	s.keepAlive = interval
	s.deadline = time.Now().Add(interval)
}

// StopKeepAlive disarms the ping timer.
func (s *Session) StopKeepAlive() {
	s.keepAlive = 0
	s.deadline = time.Time{}
}

// RenewKeepAlive pushes the deadline one interval past now.
func (s *Session) RenewKeepAlive() {
	if s.keepAlive > 0 {
		s.deadline = time.Now().Add(s.keepAlive)
	}
}

// KeepAliveInterval returns the armed interval, zero when disarmed.
func (s *Session) KeepAliveInterval() time.Duration { return s.keepAlive }

// KeepAliveDue reports whether a ping should be sent at now.
func (s *Session) KeepAliveDue(now time.Time) bool {
	return s.keepAlive > 0 && !now.Before(s.deadline)
}
