// File: server/types.go
// Package server wires the reactor, worker pool, routes and control plane
// into a runnable process.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/control"
	"github.com/momentics/hioload-mux/internal/concurrency"
	"github.com/momentics/hioload-mux/pubsub"
	"github.com/momentics/hioload-mux/reactor"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenNetwork string // tcp, tcp4, tcp6 or unix
	ListenAddr    string // bind address, e.g. ":9000" or a socket path
	MetricsAddr   string // /metrics and /debug listener, empty to disable

	KeepAliveTimeout time.Duration // idle HTTP connections are closed after this
	MaxRequestSize   int           // header plus body
	MaxFrameSize     uint64        // inbound WebSocket frame payload
	MaxPendingOutput int64         // read pause threshold per socket
	SendBufferSize   int           // SO_SNDBUF, 0 = kernel default
	RecvBufferSize   int           // SO_RCVBUF, 0 = kernel default
	NoDelay          bool

	ExecutorWorkers int
	ExecutorQueue   int
	HandoffTimeout  time.Duration
	PingInterval    time.Duration // default WebSocket keep-alive, 0 = off
	CPU             int           // reactor thread pin, -1 = none

	ShutdownTimeout time.Duration

	RedisAddr     string // enables the pub/sub bridge
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	LogLevel string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	rc := reactor.DefaultConfig()
	return &Config{
		ListenNetwork:    "tcp",
		ListenAddr:       ":9000",
		KeepAliveTimeout: rc.KeepAliveTimeout,
		MaxRequestSize:   rc.MaxRequestSize,
		MaxFrameSize:     rc.MaxFrameSize,
		MaxPendingOutput: rc.MaxPendingOutput,
		NoDelay:          true,
		HandoffTimeout:   rc.HandoffTimeout,
		CPU:              -1,
		ShutdownTimeout:  10 * time.Second,
		RedisPrefix:      pubsub.DefaultChannelPrefix,
		LogLevel:         "info",
	}
}

// Server is the high-level façade encapsulating the reactor, pool and control plane.
type Server struct {
	cfg    *Config
	logger zerolog.Logger

	httpHandler api.HTTPHandler
	router      *Router
	tracer      trace.Tracer

	reactor *reactor.Reactor
	exec    *concurrency.Executor
	config  *control.ConfigStore
	metrics *control.Metrics
	probes  *control.DebugProbes

	redis     *redis.Client
	ownsRedis bool
	bridge    *pubsub.RedisBridge

	addr      net.Addr
	metricsLn net.Listener
	running   atomic.Bool
}
