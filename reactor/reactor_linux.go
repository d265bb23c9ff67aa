//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) event loop. Every socket, session and subscription is owned
// by the loop goroutine; other goroutines reach it through Post.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/control"
	"github.com/momentics/hioload-mux/internal/concurrency"
	"github.com/momentics/hioload-mux/internal/httpreq"
	"github.com/momentics/hioload-mux/internal/session"
	"github.com/momentics/hioload-mux/internal/socket"
	"github.com/momentics/hioload-mux/pubsub"
)

type connKind int

const (
	kindHTTP connKind = iota
	kindWS
	kindStream
)

func (k connKind) String() string {
	switch k {
	case kindWS:
		return "websocket"
	case kindStream:
		return "stream"
	default:
		return "http"
	}
}

// conn is one polled socket and the layer that interprets its bytes.
type conn struct {
	sock   *socket.Socket
	kind   connKind
	http   *httpreq.Reassembler
	sess   *session.Session
	stream api.StreamHandler

	events  uint32
	closing bool // response with Connection: close queued
	torn    bool // teardown started
	dead    bool // removed from epoll
}

type listener struct {
	fd      int
	network string
	addr    net.Addr
}

// Reactor is a single-threaded epoll event loop.
type Reactor struct {
	cfg  Config
	log  zerolog.Logger
	poll *poller

	listeners map[int]*listener
	conns     map[int]*conn
	streams   map[uint64]*conn
	garbage   []*socket.Socket
	sessions  *session.Registry
	pub       *pubsub.Publisher
	events    []unix.EpollEvent

	http      api.HTTPHandler
	endpoints api.EndpointResolver
	exec      *concurrency.Executor
	ownExec   bool
	metrics   *control.Metrics
	bridge    *pubsub.RedisBridge
	tracer    trace.Tracer
	accessLog zerolog.Logger

	startMu sync.Mutex
	running bool
	stopped bool
	baseCtx context.Context

	inboxMu sync.Mutex
	inbox   *queue.Queue
	closed  bool

	nConns   atomic.Int64
	nGarbage atomic.Int64
	nListen  atomic.Int64
}

// New creates the epoll instance. It fails when epoll or the wakeup
// descriptor cannot be created.
func New(cfg Config, deps Deps) (*Reactor, error) {
	if deps.HTTP == nil {
		return nil, fmt.Errorf("%w: nil HTTP handler", api.ErrInvalidArgument)
	}
	cfg.normalize()
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		cfg:       cfg,
		log:       deps.Logger.With().Str("component", "reactor").Logger(),
		accessLog: deps.Logger.With().Str("component", "access").Logger(),
		poll:      p,
		listeners: make(map[int]*listener),
		conns:     make(map[int]*conn),
		streams:   make(map[uint64]*conn),
		sessions:  session.NewRegistry(16),
		pub:       pubsub.NewPublisher(),
		events:    make([]unix.EpollEvent, cfg.MaxEvents),
		http:      deps.HTTP,
		endpoints: deps.Endpoints,
		exec:      deps.Executor,
		metrics:   deps.Metrics,
		bridge:    deps.Bridge,
		tracer:    deps.Tracer,
		baseCtx:   context.Background(),
		inbox:     queue.New(),
	}
	if r.exec == nil {
		r.exec = concurrency.NewExecutor(runtime.NumCPU(), 0)
		r.ownExec = true
	}
	if r.metrics == nil {
		r.metrics = control.NewMetrics()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/momentics/hioload-mux/reactor")
	}
	if deps.Probes != nil {
		r.registerProbes(deps.Probes)
	}
	if deps.Config != nil {
		store := deps.Config
		store.OnReload(func() {
			_ = r.Post(func() { r.reload(store) })
		})
	}
	return r, nil
}

// Metrics returns the collectors the reactor reports to.
func (r *Reactor) Metrics() *control.Metrics { return r.metrics }

// Run drives the loop on the calling goroutine, locked to its OS thread,
// until ctx is cancelled. On return every socket is released and the epoll
// descriptor is closed; a Reactor cannot be run twice.
func (r *Reactor) Run(ctx context.Context) error {
	r.startMu.Lock()
	if r.running {
		r.startMu.Unlock()
		return ErrAlreadyRunning
	}
	if r.stopped {
		r.startMu.Unlock()
		return api.ErrReactorClosed
	}
	r.running = true
	r.baseCtx = context.WithoutCancel(ctx)
	r.startMu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if r.cfg.CPU >= 0 {
		if err := concurrency.PinCurrentThread(r.cfg.CPU); err != nil {
			r.log.Warn().Err(err).Int("cpu", r.cfg.CPU).Msg("cpu pinning failed")
		}
	}

	stop := context.AfterFunc(ctx, r.poll.wake)
	defer stop()

	r.log.Info().Int("listeners", len(r.listeners)).Msg("reactor started")
	timeout := int(r.cfg.SweepInterval / time.Millisecond)
	lastSweep := time.Now()
	var runErr error
	for ctx.Err() == nil {
		n, err := r.poll.wait(r.events, timeout)
		if err != nil {
			runErr = err
			r.log.Error().Err(err).Msg("event loop aborted")
			break
		}
		for i := 0; i < n; i++ {
			r.dispatch(r.events[i])
		}
		if now := time.Now(); now.Sub(lastSweep) >= r.cfg.SweepInterval {
			r.sweep(now)
			lastSweep = now
		}
	}
	r.shutdown()
	r.log.Info().Msg("reactor stopped")
	return runErr
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (r *Reactor) Post(fn func()) error {
	r.inboxMu.Lock()
	if r.closed {
		r.inboxMu.Unlock()
		return api.ErrReactorClosed
	}
	r.inbox.Add(fn)
	r.inboxMu.Unlock()
	r.poll.wake()
	return nil
}

func (r *Reactor) takeInbox() []func() {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()
	fns := make([]func(), 0, r.inbox.Length())
	for r.inbox.Length() > 0 {
		fns = append(fns, r.inbox.Remove().(func()))
	}
	return fns
}

// onLoop runs fn on the loop goroutine and waits for it. Before Run it
// executes inline.
func (r *Reactor) onLoop(fn func()) error {
	r.startMu.Lock()
	if !r.running {
		defer r.startMu.Unlock()
		if r.stopped {
			return api.ErrReactorClosed
		}
		fn()
		return nil
	}
	r.startMu.Unlock()
	done := make(chan struct{})
	if err := r.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Listen binds a listening socket for tcp, tcp4, tcp6 or unix and returns
// the bound address.
func (r *Reactor) Listen(network, addr string) (net.Addr, error) {
	fd, bound, err := socket.Listen(network, addr, r.sockOpts())
	if err != nil {
		return nil, err
	}
	var regErr error
	if err := r.onLoop(func() {
		if regErr = r.poll.add(fd, levelEvents); regErr != nil {
			return
		}
		r.listeners[fd] = &listener{fd: fd, network: network, addr: bound}
		r.nListen.Add(1)
	}); err != nil {
		regErr = err
	}
	if regErr != nil {
		unix.Close(fd)
		return nil, regErr
	}
	r.log.Info().Str("network", network).Stringer("addr", bound).Msg("listening")
	return bound, nil
}

// Dial starts an outbound connection driven by h and returns its stream id.
func (r *Reactor) Dial(network, addr string, h api.StreamHandler) (uint64, error) {
	s, err := socket.Dial(network, addr, r.sockOpts())
	if err != nil {
		return 0, err
	}
	c := &conn{sock: s, kind: kindStream, stream: h}
	s.SetLayer(streamLayer{c})
	var regErr error
	if err := r.onLoop(func() {
		if regErr = r.register(c); regErr != nil {
			return
		}
		if s.State() == socket.Connected {
			r.connected(c)
		}
	}); err != nil {
		regErr = err
	}
	if regErr != nil {
		s.Dispose()
		return 0, regErr
	}
	return s.ID(), nil
}

// Write queues p on the outbound stream id.
func (r *Reactor) Write(id uint64, p []byte) error {
	return r.Post(func() {
		if c, ok := r.streams[id]; ok && !c.dead {
			c.sock.EnqueueBytes(p)
			r.rearm(c)
		}
	})
}

// CloseStream closes the outbound stream id once its output is flushed.
func (r *Reactor) CloseStream(id uint64) error {
	return r.Post(func() {
		if c, ok := r.streams[id]; ok && !c.dead {
			c.sock.CloseAfterFlush()
			if r.afterOutput(c) {
				r.rearm(c)
			}
		}
	})
}

// SendText queues a text message on the session id.
func (r *Reactor) SendText(id, text string) error {
	return r.Post(func() {
		r.sendTo(id, func(s *session.Session) { s.SendText(text) })
	})
}

// SendBinary queues a binary message on the session id.
func (r *Reactor) SendBinary(id string, data []byte) error {
	return r.Post(func() {
		r.sendTo(id, func(s *session.Session) { s.SendBinary(data) })
	})
}

// SendClose starts the close handshake on the session id.
func (r *Reactor) SendClose(id string, code uint16) error {
	return r.Post(func() {
		r.sendTo(id, func(s *session.Session) { s.SendClose(code, "") })
	})
}

// Publish delivers payload to the subscribers of topic, locally and, when
// a bridge is configured, on other nodes.
func (r *Reactor) Publish(topic string, op api.OpCode, payload []byte) error {
	return r.Post(func() { r.publish(topic, "", op, payload) })
}

// Disconnect drops the session id without a close handshake.
func (r *Reactor) Disconnect(id string) error {
	return r.Post(func() {
		if s, ok := r.sessions.Get(id); ok {
			if c, ok := r.conns[s.Socket().FD()]; ok && c.sess == s {
				r.teardown(c, errDisconnect)
			}
		}
	})
}

// StartBridge connects the Redis bridge so publications from other nodes
// reach local subscribers.
func (r *Reactor) StartBridge(ctx context.Context) {
	if r.bridge == nil {
		return
	}
	r.bridge.Start(ctx, func(topic string, op api.OpCode, payload []byte) {
		_ = r.Post(func() {
			n := r.pub.Publish(topic, "", op, payload, r.deliver)
			r.metrics.Published.WithLabelValues("remote").Inc()
			r.log.Debug().Str("topic", topic).Int("subscribers", n).Msg("remote publication")
		})
	})
}

// Stats reports loop occupancy.
func (r *Reactor) Stats() map[string]int64 {
	return map[string]int64{
		"sockets":   r.nConns.Load(),
		"garbage":   r.nGarbage.Load(),
		"listeners": r.nListen.Load(),
		"sessions":  int64(r.sessions.Len()),
		"topics":    int64(r.pub.Topics()),
	}
}

func (r *Reactor) registerProbes(dp *control.DebugProbes) {
	dp.RegisterProbe("reactor", func() any { return r.Stats() })
	dp.RegisterProbe("executor", func() any { return r.exec.Stats() })
}

func (r *Reactor) sockOpts() socket.Options {
	return socket.Options{
		SendBufferSize: r.cfg.SendBufferSize,
		RecvBufferSize: r.cfg.RecvBufferSize,
		NoDelay:        r.cfg.NoDelay,
	}
}

func (r *Reactor) reload(store *control.ConfigStore) {
	r.cfg.KeepAliveTimeout = store.Duration(control.KeyKeepAliveTimeout, r.cfg.KeepAliveTimeout)
	r.cfg.MaxRequestSize = store.Int(control.KeyMaxRequestSize, r.cfg.MaxRequestSize)
	r.cfg.MaxPendingOutput = int64(store.Int(control.KeyMaxPendingOutput, int(r.cfg.MaxPendingOutput)))
	r.cfg.MaxFrameSize = uint64(store.Int(control.KeyMaxFrameSize, int(r.cfg.MaxFrameSize)))
	r.cfg.PingInterval = store.Duration(control.KeyPingInterval, r.cfg.PingInterval)
	r.cfg.HandoffTimeout = store.Duration(control.KeyHandoffTimeout, r.cfg.HandoffTimeout)
	for _, c := range r.conns {
		if c.http != nil {
			c.http.SetMaxSize(r.cfg.MaxRequestSize)
		}
	}
	r.log.Info().
		Dur("keepalive", r.cfg.KeepAliveTimeout).
		Int("max_request", r.cfg.MaxRequestSize).
		Int64("max_pending", r.cfg.MaxPendingOutput).
		Msg("configuration reloaded")
}

// register adds c to epoll and the fd table.
func (r *Reactor) register(c *conn) error {
	fd := c.sock.FD()
	c.events = clientEvents
	if err := r.poll.add(fd, c.events); err != nil {
		r.log.Error().Err(err).Int("fd", fd).Msg("socket registration failed")
		return err
	}
	r.conns[fd] = c
	if c.kind == kindStream {
		r.streams[c.sock.ID()] = c
	}
	r.nConns.Add(1)
	r.metrics.Connections.WithLabelValues(c.kind.String()).Inc()
	return nil
}

// unregister removes c from epoll and every index.
func (r *Reactor) unregister(c *conn) {
	if c.dead {
		return
	}
	c.dead = true
	fd := c.sock.FD()
	_ = r.poll.del(fd)
	if cur, ok := r.conns[fd]; ok && cur == c {
		delete(r.conns, fd)
	}
	if c.kind == kindStream {
		delete(r.streams, c.sock.ID())
	}
	if c.sess != nil {
		r.sessions.Delete(c.sess.ID())
		r.pub.UnsubscribeAll(c.sess.ID())
	}
	r.nConns.Add(-1)
	r.metrics.Connections.WithLabelValues(c.kind.String()).Dec()
}

// dispose closes s now or parks it until the last worker reference is gone.
func (r *Reactor) dispose(s *socket.Socket) {
	if !s.Dispose() {
		r.garbage = append(r.garbage, s)
		r.nGarbage.Store(int64(len(r.garbage)))
		r.metrics.Garbage.Set(float64(len(r.garbage)))
	}
}

func (r *Reactor) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == r.poll.wakefd {
		r.poll.drainWake()
		for _, fn := range r.takeInbox() {
			fn()
		}
		return
	}
	if l, ok := r.listeners[fd]; ok {
		r.accept(l)
		return
	}
	c, ok := r.conns[fd]
	if !ok {
		return
	}
	if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		if !r.writable(c) {
			return
		}
	}
	if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 && c.events&unix.EPOLLIN != 0 {
		r.readable(c)
	}
}

func (r *Reactor) accept(l *listener) {
	for i := 0; i < r.cfg.MaxAcceptsPerEvent; i++ {
		s, err := socket.Accept(l.fd, r.sockOpts())
		if err != nil {
			if !errors.Is(err, api.ErrWouldBlock) {
				r.log.Error().Err(err).Stringer("addr", l.addr).Msg("accept failed")
			}
			return
		}
		c := &conn{sock: s, kind: kindHTTP, http: httpreq.New(r.cfg.MaxRequestSize, s.PeerString())}
		s.SetLayer(c.http)
		if err := r.register(c); err != nil {
			s.Dispose()
			continue
		}
		r.metrics.Accepted.Inc()
		r.log.Debug().Uint64("socket", s.ID()).Str("peer", s.PeerString()).Msg("accepted")
	}
}

// writable completes a pending connect or flushes queued output. It
// returns false when c was torn down.
func (r *Reactor) writable(c *conn) bool {
	s := c.sock
	if s.State() == socket.Connecting {
		if err := s.ConnectResult(); err != nil {
			r.teardown(c, err)
			return false
		}
		r.connected(c)
		return !c.dead
	}
	if s.Queued() > 0 {
		if err := r.flush(c); err != nil {
			r.teardown(c, err)
			return false
		}
	}
	return r.afterOutput(c)
}

// connected marks a dialled socket connected and lets the handler queue its
// first bytes, which go out on the next writable event.
func (r *Reactor) connected(c *conn) {
	c.sock.SetState(socket.Connected)
	if out := c.stream.OnConnect(c.sock.ID()); len(out) > 0 {
		c.sock.EnqueueBytes(out)
	}
	r.rearm(c)
}

// afterOutput closes c once a requested close is flushed and otherwise
// adjusts read interest to the queued output. It returns false when c was
// torn down.
func (r *Reactor) afterOutput(c *conn) bool {
	if c.torn {
		return false
	}
	if c.sess != nil && c.sess.Done() {
		c.sock.CloseAfterFlush()
	}
	if c.sock.ShouldClose() {
		r.teardown(c, nil)
		return false
	}
	if want := r.interest(c); want != c.events {
		c.events = want
		if err := r.poll.mod(c.sock.FD(), want); err != nil {
			r.teardown(c, err)
			return false
		}
	}
	return true
}

// interest drops read interest while queued output is above the limit.
func (r *Reactor) interest(c *conn) uint32 {
	if r.cfg.MaxPendingOutput > 0 && c.sock.QueuedBytes() > r.cfg.MaxPendingOutput {
		return clientEvents &^ unix.EPOLLIN
	}
	return clientEvents
}

// rearm re-registers c so queued output is picked up by the next wait.
func (r *Reactor) rearm(c *conn) {
	if c.torn || c.dead || c.sock.Queued() == 0 && !c.sock.ShouldClose() {
		return
	}
	c.events = r.interest(c)
	if err := r.poll.mod(c.sock.FD(), c.events); err != nil {
		r.teardown(c, err)
	}
}

// recv reads from c and accounts the bytes received.
func (r *Reactor) recv(c *conn) error {
	before := c.sock.BytesIn()
	err := c.sock.Recv()
	if n := c.sock.BytesIn() - before; n > 0 {
		r.metrics.BytesIn.Add(float64(n))
	}
	return err
}

// flush writes queued output of c and accounts the bytes sent.
func (r *Reactor) flush(c *conn) error {
	before := c.sock.BytesOut()
	err := c.sock.Send()
	if n := c.sock.BytesOut() - before; n > 0 {
		r.metrics.BytesOut.Add(float64(n))
	}
	return err
}

func (r *Reactor) readable(c *conn) {
	err := r.recv(c)
	if err != nil && !isLayerError(err) {
		r.teardown(c, err)
		return
	}
	switch c.kind {
	case kindHTTP:
		r.serveHTTP(c, err)
	case kindWS:
		r.serveWS(c, err)
	case kindStream:
		if err != nil {
			r.teardown(c, err)
			return
		}
		r.rearm(c)
	}
}

func isLayerError(err error) bool {
	switch api.CodeOf(err) {
	case api.ErrCodeProtocol, api.ErrCodeResourceExceeded:
		return true
	}
	return false
}

// streamLayer hands raw bytes to a StreamHandler.
type streamLayer struct{ c *conn }

func (l streamLayer) Feed(data []byte) (int, error) {
	if out := l.c.stream.OnData(l.c.sock.ID(), data); len(out) > 0 {
		l.c.sock.EnqueueBytes(out)
	}
	return len(data), nil
}

// sweep enforces idle and connect timeouts, sends due keep-alive pings and
// finalizes parked sockets.
func (r *Reactor) sweep(now time.Time) {
	for _, c := range r.conns {
		if c.dead {
			continue
		}
		switch c.kind {
		case kindHTTP:
			if r.cfg.KeepAliveTimeout > 0 && c.sock.Queued() == 0 && c.sock.IdleTime() > r.cfg.KeepAliveTimeout {
				r.teardown(c, errIdle)
			}
		case kindStream:
			if c.sock.State() == socket.Connecting && r.cfg.ConnectTimeout > 0 &&
				now.Sub(c.sock.ConnectStarted()) > r.cfg.ConnectTimeout {
				r.teardown(c, api.ErrOperationTimeout)
			}
		case kindWS:
			if c.sess.CloseSent() && !c.sess.Closing() && now.Sub(c.sess.CloseSentAt()) > r.cfg.CloseTimeout {
				r.teardown(c, errCloseTimeout)
				continue
			}
			if c.sess.KeepAliveDue(now) && !c.sess.CloseSent() {
				c.sess.SendPing(nil)
				c.sess.RenewKeepAlive()
				r.rearm(c)
			}
			if st, ok := c.sess.Store().(*session.Store); ok {
				st.Purge()
			}
		}
	}

	kept := r.garbage[:0]
	for _, s := range r.garbage {
		if s.InUse() {
			kept = append(kept, s)
			continue
		}
		r.log.Debug().Uint64("socket", s.ID()).Msg("parked socket finalized")
	}
	for i := len(kept); i < len(r.garbage); i++ {
		r.garbage[i] = nil
	}
	r.garbage = kept
	r.nGarbage.Store(int64(len(kept)))
	r.metrics.Garbage.Set(float64(len(kept)))
}

// teardown deregisters and disposes c, telling the session endpoint or
// stream handler exactly once.
func (r *Reactor) teardown(c *conn, err error) {
	if c.torn || c.dead {
		return
	}
	c.torn = true
	r.logTeardown(c, err)
	if c.sess != nil && c.sess.MarkClosing() {
		code := uint16(closeAbnormal)
		if errors.Is(err, errDisconnect) || errors.Is(err, errShutdown) {
			code = closeGoingAway
		}
		r.notifyClose(c, code)
	}
	r.unregister(c)
	if c.stream != nil {
		c.stream.OnClose(c.sock.ID(), err)
	}
	r.dispose(c.sock)
	r.metrics.Closed.WithLabelValues(closeReason(err)).Inc()
}

func (r *Reactor) logTeardown(c *conn, err error) {
	var ev *zerolog.Event
	switch api.CodeOf(err) {
	case api.ErrCodeOK, api.ErrCodePeerClosed, api.ErrCodeIO:
		ev = r.log.Debug()
	case api.ErrCodeProtocol, api.ErrCodeResourceExceeded:
		ev = r.log.Error()
	default:
		if errors.Is(err, errIdle) || errors.Is(err, errCloseTimeout) || errors.Is(err, errDisconnect) || errors.Is(err, errShutdown) {
			ev = r.log.Debug()
		} else {
			ev = r.log.Warn()
		}
	}
	ev.Err(err).
		Uint64("socket", c.sock.ID()).
		Str("kind", c.kind.String()).
		Str("peer", c.sock.PeerString()).
		Uint64("bytes_in", c.sock.BytesIn()).
		Uint64("bytes_out", c.sock.BytesOut()).
		Msg("connection closed")
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "local"
	case errors.Is(err, errIdle):
		return "idle"
	case errors.Is(err, errCloseTimeout):
		return "close_timeout"
	case errors.Is(err, errDisconnect):
		return "disconnect"
	case errors.Is(err, errShutdown):
		return "shutdown"
	case errors.Is(err, api.ErrOperationTimeout):
		return "timeout"
	}
	return api.CodeOf(err).String()
}

// shutdown runs late posts, releases every socket and closes epoll.
func (r *Reactor) shutdown() {
	r.inboxMu.Lock()
	r.closed = true
	r.inboxMu.Unlock()
	for _, fn := range r.takeInbox() {
		fn()
	}

	for _, c := range r.conns {
		if c.sess != nil && !c.dead {
			c.sess.SendClose(closeGoingAway, "")
			_ = r.flush(c)
		}
		r.teardown(c, errShutdown)
	}
	for fd, l := range r.listeners {
		unix.Close(fd)
		delete(r.listeners, fd)
		r.nListen.Add(-1)
		if l.network == "unix" {
			_ = unix.Unlink(l.addr.String())
		}
	}
	r.poll.close()
	if r.ownExec {
		r.exec.Close()
	}

	r.startMu.Lock()
	r.running = false
	r.stopped = true
	r.startMu.Unlock()
}
