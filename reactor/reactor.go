// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral reactor configuration and collaborators.

package reactor

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/control"
	"github.com/momentics/hioload-mux/internal/concurrency"
	"github.com/momentics/hioload-mux/pubsub"
)

// Config tunes the event loop.
type Config struct {
	// KeepAliveTimeout closes idle HTTP connections. Zero disables it.
	KeepAliveTimeout time.Duration
	// MaxRequestSize bounds one HTTP request, header plus body.
	MaxRequestSize int
	// MaxFrameSize bounds one inbound WebSocket frame payload.
	MaxFrameSize uint64
	// MaxPendingOutput pauses reading from a socket while its queued output
	// exceeds this many bytes. Zero disables the limit.
	MaxPendingOutput int64
	// MaxAcceptsPerEvent caps accepts per listener readiness event.
	MaxAcceptsPerEvent int
	// SweepInterval is the period of idle, connect and keep-alive checks.
	SweepInterval time.Duration
	// ConnectTimeout aborts outbound connects that take longer.
	ConnectTimeout time.Duration
	// HandoffTimeout bounds how long the loop waits for a handler.
	HandoffTimeout time.Duration
	// CloseTimeout tears a session down when the peer has not answered a
	// server close frame within this long.
	CloseTimeout time.Duration
	// PingInterval arms keep-alive pings on new sessions. Zero leaves it to endpoints.
	PingInterval time.Duration
	// MaxEvents is the epoll_wait batch size.
	MaxEvents int
	// CPU pins the loop thread; negative leaves scheduling to the kernel.
	CPU int

	SendBufferSize int
	RecvBufferSize int
	NoDelay        bool
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		KeepAliveTimeout:   30 * time.Second,
		MaxRequestSize:     8 << 20,
		MaxFrameSize:       16 << 20,
		MaxPendingOutput:   4 << 20,
		MaxAcceptsPerEvent: 64,
		SweepInterval:      time.Second,
		ConnectTimeout:     10 * time.Second,
		HandoffTimeout:     30 * time.Second,
		CloseTimeout:       5 * time.Second,
		MaxEvents:          256,
		CPU:                -1,
		NoDelay:            true,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = d.MaxRequestSize
	}
	if c.MaxAcceptsPerEvent <= 0 {
		c.MaxAcceptsPerEvent = d.MaxAcceptsPerEvent
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
}

// Deps are the reactor's collaborators. Only HTTP is required.
type Deps struct {
	Logger    zerolog.Logger
	HTTP      api.HTTPHandler
	Endpoints api.EndpointResolver
	// Executor runs handoffs. When nil the reactor owns one sized to the CPU count.
	Executor *concurrency.Executor
	Metrics  *control.Metrics
	Probes   *control.DebugProbes
	// Config delivers runtime overrides of the reactor tunables.
	Config *control.ConfigStore
	Bridge *pubsub.RedisBridge
	Tracer trace.Tracer
}

var (
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("reactor already running")

	errIdle         = errors.New("keep-alive timeout")
	errCloseTimeout = errors.New("close handshake timeout")
	errDisconnect   = errors.New("disconnected by server")
	errShutdown     = errors.New("reactor shutting down")
)
