//go:build linux
// +build linux

// File: reactor/handoff.go
// Author: momentics <momentics@gmail.com>
//
// Synchronous worker handoff. The loop submits one unit of work to the
// executor and waits for it, bounded by HandoffTimeout. The socket is
// referenced for as long as the worker runs, so a socket torn down during a
// timed-out handoff is parked instead of finalized.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/internal/concurrency"
	"github.com/momentics/hioload-mux/internal/httpreq"
	"github.com/momentics/hioload-mux/internal/socket"
)

// handoff runs fn on a worker. The returned error is a *concurrency.PanicError,
// a context error on timeout, or an executor error when the pool refused the work.
func (r *Reactor) handoff(s *socket.Socket, kind string, fn func(ctx context.Context)) error {
	ctx := r.baseCtx
	var cancel context.CancelFunc
	if r.cfg.HandoffTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandoffTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "handoff."+kind,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("socket.id", int64(s.ID())),
			attribute.String("peer", s.PeerString()),
		))
	defer span.End()

	started := time.Now()
	s.Acquire()
	err := r.exec.Call(ctx, func() {
		defer s.Release()
		fn(ctx)
	})
	if errors.Is(err, concurrency.ErrExecutorBusy) || errors.Is(err, concurrency.ErrExecutorClosed) {
		// The task never reached a worker.
		s.Release()
	}
	r.metrics.ObserveHandoff(kind, started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var pe *concurrency.PanicError
		switch {
		case errors.As(err, &pe):
			r.log.Error().Str("kind", kind).Interface("panic", pe.Value).Bytes("stack", pe.Stack).Msg("handler panicked")
		case errors.Is(err, context.DeadlineExceeded):
			r.metrics.HandoffTimeouts.Inc()
			r.log.Warn().Str("kind", kind).Dur("timeout", r.cfg.HandoffTimeout).Uint64("socket", s.ID()).Msg("handoff timed out; result will be discarded")
			err = fmt.Errorf("%w: %w", api.ErrOperationTimeout, err)
		default:
			r.log.Error().Err(err).Str("kind", kind).Msg("handoff rejected")
		}
	}
	return err
}

// handoffHTTP returns the handler's response, or an error response when the
// handler failed, panicked or timed out.
func (r *Reactor) handoffHTTP(s *socket.Socket, req *api.Request) *api.Response {
	var (
		resp *api.Response
		herr error
	)
	err := r.handoff(s, "http", func(ctx context.Context) {
		resp, herr = r.http.ServeHTTPRequest(ctx, req)
	})
	switch {
	case errors.Is(err, api.ErrOperationTimeout), errors.Is(err, concurrency.ErrExecutorBusy):
		return httpreq.ErrorResponse(http.StatusServiceUnavailable)
	case err != nil:
		return httpreq.ErrorResponse(http.StatusInternalServerError)
	case herr != nil:
		r.log.Warn().Err(herr).Str("path", req.Path).Msg("handler error")
		return httpreq.ErrorResponse(http.StatusInternalServerError)
	case resp == nil:
		return httpreq.ErrorResponse(http.StatusInternalServerError)
	}
	return resp
}

// handoffOpen asks the endpoint whether to accept the session.
func (r *Reactor) handoffOpen(s *socket.Socket, ep api.Endpoint, sess api.Session) ([]api.Task, bool) {
	var (
		tasks []api.Task
		ok    bool
	)
	if err := r.handoff(s, "ws.open", func(ctx context.Context) {
		tasks, ok = ep.OnOpen(ctx, sess)
	}); err != nil {
		return nil, false
	}
	return tasks, ok
}

// handoffMessage delivers one message; a failed handoff yields no tasks.
func (r *Reactor) handoffMessage(s *socket.Socket, ep api.Endpoint, op api.OpCode, payload []byte, sess api.Session) []api.Task {
	var tasks []api.Task
	if err := r.handoff(s, "ws.message", func(ctx context.Context) {
		tasks = ep.OnMessage(ctx, op, payload, sess)
	}); err != nil {
		return nil
	}
	return tasks
}

func (r *Reactor) handoffClose(s *socket.Socket, ep api.Endpoint, code uint16, sess api.Session) []api.Task {
	var tasks []api.Task
	if err := r.handoff(s, "ws.close", func(ctx context.Context) {
		tasks = ep.OnClose(ctx, code, sess)
	}); err != nil {
		return nil
	}
	return tasks
}
