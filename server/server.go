// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/control"
	"github.com/momentics/hioload-mux/internal/concurrency"
	"github.com/momentics/hioload-mux/pubsub"
	"github.com/momentics/hioload-mux/reactor"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("server already running")

// notFound answers plain HTTP when no handler was configured.
var notFound = api.HTTPHandlerFunc(func(ctx context.Context, req *api.Request) (*api.Response, error) {
	return api.NewResponse(404, []byte("not found\n")), nil
})

// NewServer builds the reactor and its collaborators and binds the
// listening sockets. Nothing is served until Run.
func NewServer(cfg *Config, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		cfg:    cfg,
		router: NewRouter(),
		logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		s.logger = s.logger.Level(lvl)
	}
	if s.httpHandler == nil {
		s.httpHandler = notFound
	}

	s.config = control.NewConfigStore(map[string]any{
		control.KeyKeepAliveTimeout: cfg.KeepAliveTimeout,
		control.KeyMaxRequestSize:   cfg.MaxRequestSize,
		control.KeyMaxPendingOutput: int(cfg.MaxPendingOutput),
		control.KeyMaxFrameSize:     int(cfg.MaxFrameSize),
		control.KeyPingInterval:     cfg.PingInterval,
		control.KeyHandoffTimeout:   cfg.HandoffTimeout,
	})
	s.metrics = control.NewMetrics()
	s.probes = control.NewDebugProbes()
	control.RegisterPlatformProbes(s.probes)

	s.exec = concurrency.NewExecutor(cfg.ExecutorWorkers, cfg.ExecutorQueue)
	if s.redis == nil && cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.ownsRedis = true
	}
	if s.redis != nil {
		s.bridge = pubsub.NewRedisBridge(s.redis, cfg.RedisPrefix, s.logger)
	}

	r, err := reactor.New(s.reactorConfig(), reactor.Deps{
		Logger:    s.logger,
		HTTP:      s.httpHandler,
		Endpoints: s.router,
		Executor:  s.exec,
		Metrics:   s.metrics,
		Probes:    s.probes,
		Config:    s.config,
		Bridge:    s.bridge,
		Tracer:    s.tracer,
	})
	if err != nil {
		s.release()
		return nil, fmt.Errorf("create reactor: %w", err)
	}
	s.reactor = r
	s.probes.RegisterProbe("routes", func() any { return s.router.Routes() })

	if s.addr, err = r.Listen(cfg.ListenNetwork, cfg.ListenAddr); err != nil {
		s.abort()
		return nil, fmt.Errorf("listen %s %s: %w", cfg.ListenNetwork, cfg.ListenAddr, err)
	}
	if cfg.MetricsAddr != "" {
		if s.metricsLn, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			s.abort()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
		}
	}
	return s, nil
}

func (s *Server) reactorConfig() reactor.Config {
	rc := reactor.DefaultConfig()
	rc.KeepAliveTimeout = s.cfg.KeepAliveTimeout
	rc.MaxRequestSize = s.cfg.MaxRequestSize
	rc.MaxFrameSize = s.cfg.MaxFrameSize
	rc.MaxPendingOutput = s.cfg.MaxPendingOutput
	rc.HandoffTimeout = s.cfg.HandoffTimeout
	rc.PingInterval = s.cfg.PingInterval
	rc.CPU = s.cfg.CPU
	rc.SendBufferSize = s.cfg.SendBufferSize
	rc.RecvBufferSize = s.cfg.RecvBufferSize
	rc.NoDelay = s.cfg.NoDelay
	return rc
}

// abort tears down a reactor that never ran.
func (s *Server) abort() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.reactor.Run(ctx)
	s.release()
}

func (s *Server) release() {
	if s.metricsLn != nil {
		_ = s.metricsLn.Close()
	}
	s.exec.Close()
	if s.ownsRedis {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("redis close")
		}
	}
}

// Addr is the bound WebSocket/HTTP address.
func (s *Server) Addr() net.Addr { return s.addr }

// MetricsAddr is the bound control-plane address, nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// Reactor exposes the event loop for direct sends and outbound streams.
func (s *Server) Reactor() *reactor.Reactor { return s.reactor }

// Router exposes the route table.
func (s *Server) Router() *Router { return s.router }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *control.Metrics { return s.metrics }

// Config returns the static configuration the server was built with.
func (s *Server) Config() *Config { return s.cfg }

// Reload pushes runtime overrides to the reactor. Keys are the control.Key*
// constants; durations may be given as time.Duration, seconds or strings.
func (s *Server) Reload(values map[string]any) {
	s.config.SetConfig(values)
}

// Settings returns the current runtime configuration.
func (s *Server) Settings() map[string]any {
	return s.config.GetSnapshot()
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return s.cfg.ShutdownTimeout
}
