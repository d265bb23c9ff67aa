//go:build linux
// +build linux

// File: internal/socket/socket.go
// Package socket implements non-blocking stream sockets driven by the reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Socket owns an inbound accumulation buffer and a FIFO of send buffers.
// Everything except the reference count and the activity clock belongs to
// the reactor goroutine.

package socket

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/internal/buffer"
)

// State is the connection state of a socket.
type State int32

const (
	Unconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unconnected"
	}
}

const (
	minReadSpace    = 4096
	defaultSendSize = 64 * 1024
)

// Layer consumes inbound bytes as they arrive. Feed returns how many leading
// bytes of data it took; the rest stays buffered for the next call.
type Layer interface {
	Feed(data []byte) (int, error)
}

// Options tune OS-level socket parameters. Zero values keep kernel defaults.
type Options struct {
	SendBufferSize int
	RecvBufferSize int
	NoDelay        bool
}

var nextID atomic.Uint64

// Socket is a non-blocking TCP or Unix stream socket.
type Socket struct {
	fd    int
	id    uint64
	uuid  uuid.UUID
	state atomic.Int32
	peer  net.Addr

	recvBuf []byte
	sendQ   *queue.Queue
	layer   Layer

	sendSize int
	recvSize int

	refs            atomic.Int32
	closed          atomic.Bool
	closeAfterFlush bool
	lastActive      atomic.Int64
	connectStarted  time.Time

	bytesIn  uint64
	bytesOut uint64
}

func newSocket(fd int, peer net.Addr, state State) *Socket {
	s := &Socket{
		fd:       fd,
		id:       nextID.Add(1),
		uuid:     uuid.New(),
		peer:     peer,
		sendQ:    queue.New(),
		sendSize: defaultSendSize,
	}
	s.state.Store(int32(state))
	s.Touch()
	return s
}

// FromFD wraps an already connected non-blocking descriptor.
func FromFD(fd int, peer net.Addr) *Socket {
	return newSocket(fd, peer, Connected)
}

func (s *Socket) FD() int                   { return s.fd }
func (s *Socket) ID() uint64                { return s.id }
func (s *Socket) UUID() uuid.UUID           { return s.uuid }
func (s *Socket) Peer() net.Addr            { return s.peer }
func (s *Socket) State() State              { return State(s.state.Load()) }
func (s *Socket) SetState(st State)         { s.state.Store(int32(st)) }
func (s *Socket) SetLayer(l Layer)          { s.layer = l }
func (s *Socket) Layer() Layer              { return s.layer }
func (s *Socket) Closed() bool              { return s.closed.Load() }
func (s *Socket) SendBufferSize() int       { return s.sendSize }
func (s *Socket) RecvBufferSize() int       { return s.recvSize }
func (s *Socket) BytesIn() uint64           { return s.bytesIn }
func (s *Socket) BytesOut() uint64          { return s.bytesOut }
func (s *Socket) ConnectStarted() time.Time { return s.connectStarted }

// PeerString returns the peer address or "-" when unknown.
func (s *Socket) PeerString() string {
	if s.peer == nil {
		return "-"
	}
	return s.peer.String()
}

// Touch records activity now.
func (s *Socket) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

// IdleTime returns the time since the last inbound or outbound activity.
func (s *Socket) IdleTime() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// Buffered returns the inbound bytes not yet consumed by the layer.
func (s *Socket) Buffered() []byte { return s.recvBuf }

// Recv reads until the kernel reports EAGAIN. After every chunk the layer
// is fed so pipelined units are parsed immediately. It returns nil when the
// socket is drained, api.ErrPeerClosed on orderly shutdown, or an I/O,
// protocol or resource error.
func (s *Socket) Recv() error {
	if s.closed.Load() {
		return api.ErrSocketClosed
	}
	for {
		if cap(s.recvBuf)-len(s.recvBuf) < minReadSpace {
			grown := make([]byte, len(s.recvBuf), 2*cap(s.recvBuf)+minReadSpace)
			copy(grown, s.recvBuf)
			s.recvBuf = grown
		}
		free := s.recvBuf[len(s.recvBuf):cap(s.recvBuf)]
		n, err := unix.Read(s.fd, free)
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				return nil
			}
			return classify("recv", err)
		}
		if n == 0 {
			return api.ErrPeerClosed
		}
		s.recvBuf = s.recvBuf[:len(s.recvBuf)+n]
		s.bytesIn += uint64(n)
		s.Touch()
		if err := s.feed(); err != nil {
			return err
		}
	}
}

// Refeed hands buffered bytes to the current layer again, used after the
// layer has been swapped or resumed.
func (s *Socket) Refeed() error {
	if len(s.recvBuf) == 0 {
		return nil
	}
	return s.feed()
}

func (s *Socket) feed() error {
	if s.layer == nil {
		return nil
	}
	consumed, err := s.layer.Feed(s.recvBuf)
	if consumed > 0 {
		rest := copy(s.recvBuf, s.recvBuf[consumed:])
		s.recvBuf = s.recvBuf[:rest]
	}
	return err
}

// DiscardInput drops every buffered inbound byte.
func (s *Socket) DiscardInput() { s.recvBuf = s.recvBuf[:0] }

// Enqueue appends b to the send queue.
func (s *Socket) Enqueue(b *buffer.SendBuffer) {
	if s.closed.Load() {
		b.Release()
		return
	}
	s.sendQ.Add(b)
}

// EnqueueBytes appends a buffer over p.
func (s *Socket) EnqueueBytes(p []byte) {
	s.Enqueue(buffer.New(p))
}

// Queued returns the number of pending send buffers.
func (s *Socket) Queued() int { return s.sendQ.Length() }

// QueuedBytes returns the unsent byte count across the send queue.
func (s *Socket) QueuedBytes() int64 {
	var n int64
	for i := 0; i < s.sendQ.Length(); i++ {
		n += s.sendQ.Get(i).(*buffer.SendBuffer).Len()
	}
	return n
}

// Send drains the queue until it is empty or the kernel reports EAGAIN.
// A hard error releases every queued buffer.
func (s *Socket) Send() error {
	if s.closed.Load() {
		return api.ErrSocketClosed
	}
	for s.sendQ.Length() > 0 {
		b := s.sendQ.Peek().(*buffer.SendBuffer)
		p, err := b.Data(s.sendSize)
		if err != nil {
			s.dropQueue()
			return api.Wrap(api.ErrCodeIO, "send buffer", err)
		}
		if len(p) > 0 {
			n, err := unix.Write(s.fd, p)
			if err != nil {
				switch err {
				case unix.EINTR:
					continue
				case unix.EAGAIN:
					return nil
				}
				s.dropQueue()
				return classify("send", err)
			}
			b.Seek(n)
			s.bytesOut += uint64(n)
			s.Touch()
		}
		if b.AtEnd() {
			s.sendQ.Remove()
			b.Release()
		}
	}
	return nil
}

// CloseAfterFlush marks the socket to be closed once the queue is empty.
func (s *Socket) CloseAfterFlush() { s.closeAfterFlush = true }

// ShouldClose reports whether a requested close-after-flush is now due.
func (s *Socket) ShouldClose() bool {
	return s.closeAfterFlush && s.sendQ.Length() == 0
}

// TakeQueue moves the pending send buffers and unconsumed input to dst.
func (s *Socket) TakeQueue(dst *Socket) {
	for s.sendQ.Length() > 0 {
		dst.sendQ.Add(s.sendQ.Remove())
	}
	dst.recvBuf = append(dst.recvBuf, s.recvBuf...)
	s.recvBuf = nil
}

func (s *Socket) dropQueue() {
	for s.sendQ.Length() > 0 {
		s.sendQ.Remove().(*buffer.SendBuffer).Release()
	}
}

// Close closes the descriptor. Safe to call more than once.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.SetState(Unconnected)
	return unix.Close(s.fd)
}

// Dispose closes the socket and releases its queue. It returns false while
// a worker still holds a reference; the caller must then retry later.
func (s *Socket) Dispose() bool {
	s.Close()
	s.dropQueue()
	return !s.InUse()
}

// Acquire takes a reference on behalf of a worker.
func (s *Socket) Acquire() { s.refs.Add(1) }

// Release drops a reference and returns the remaining count.
func (s *Socket) Release() int32 { return s.refs.Add(-1) }

// InUse reports whether any worker still references the socket.
func (s *Socket) InUse() bool { return s.refs.Load() > 0 }

// classify maps errno values onto the api error taxonomy.
func classify(op string, err error) error {
	switch err {
	case unix.EAGAIN:
		return api.ErrWouldBlock
	case unix.ECONNRESET:
		return api.Wrap(api.ErrCodeIO, op, api.ErrConnectionReset)
	case unix.EPIPE:
		return api.Wrap(api.ErrCodeIO, op, api.ErrBrokenPipe)
	}
	return api.Wrap(api.ErrCodeIO, op, err)
}
