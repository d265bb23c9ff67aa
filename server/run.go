// File: server/run.go
// Package server implements startup, the control-plane listener and
// graceful shutdown.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Run serves until ctx is cancelled. The reactor runs on the calling
// goroutine; the metrics listener and the Redis bridge run beside it.
// Teardown waits at most ShutdownTimeout for the control plane.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var ctrl *http.Server
	if s.metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.Handle("/debug", s.probes.Handler())
		ctrl = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			s.logger.Info().Stringer("addr", s.metricsLn.Addr()).Msg("control plane listening")
			if err := ctrl.Serve(s.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("control plane failed")
			}
		}()
	}

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	s.reactor.StartBridge(bridgeCtx)

	s.logger.Info().Stringer("addr", s.addr).Msg("server started")
	err := s.reactor.Run(ctx)
	stopBridge()

	if ctrl != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		if serr := ctrl.Shutdown(shutdownCtx); serr != nil {
			s.logger.Warn().Err(serr).Msg("control plane shutdown")
		}
		cancel()
		s.metricsLn = nil
	}
	s.release()
	s.logger.Info().Msg("server stopped")
	return err
}
