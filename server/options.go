// File: server/options.go
// Package server defines functional options for the Server facade.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/hioload-mux/api"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger replaces the default console logger.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithHTTPHandler sets the handler for plain HTTP requests.
func WithHTTPHandler(h api.HTTPHandler) ServerOption {
	return func(s *Server) {
		s.httpHandler = h
	}
}

// WithEndpoint mounts a WebSocket endpoint on the route named by path.
func WithEndpoint(path string, ep api.Endpoint) ServerOption {
	return func(s *Server) {
		s.router.Handle(path, ep)
	}
}

// WithDisabledRoutes rejects upgrades on the given routes even when mounted.
func WithDisabledRoutes(paths ...string) ServerOption {
	return func(s *Server) {
		for _, p := range paths {
			s.router.Disable(p)
		}
	}
}

// WithExecutorWorkers sets the number of handoff worker goroutines.
func WithExecutorWorkers(n int) ServerOption {
	return func(s *Server) {
		s.cfg.ExecutorWorkers = n
	}
}

// WithRedis enables the pub/sub bridge on an existing client.
func WithRedis(client *redis.Client) ServerOption {
	return func(s *Server) {
		s.redis = client
	}
}

// WithTracer overrides the global OpenTelemetry tracer for handoff spans.
func WithTracer(t trace.Tracer) ServerOption {
	return func(s *Server) {
		s.tracer = t
	}
}
