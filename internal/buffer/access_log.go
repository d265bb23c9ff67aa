// File: internal/buffer/access_log.go
// Package buffer
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import (
	"time"

	"github.com/rs/zerolog"
)

// AccessLog is the per-response record written once its buffer finishes.
type AccessLog struct {
	logger   zerolog.Logger
	Method   string
	Path     string
	Proto    string
	Status   int
	Remote   string
	Received time.Time
}

// NewAccessLog returns a record bound to logger.
func NewAccessLog(logger zerolog.Logger, method, path, proto string, status int, remote string, received time.Time) *AccessLog {
	return &AccessLog{
		logger:   logger,
		Method:   method,
		Path:     path,
		Proto:    proto,
		Status:   status,
		Remote:   remote,
		Received: received,
	}
}

// Write logs a completed response of n bytes.
func (l *AccessLog) Write(n int64) {
	l.emit(n)
}

// Fail logs a response whose transmission did not finish. Bytes are reported as -1.
func (l *AccessLog) Fail() {
	l.emit(-1)
}

func (l *AccessLog) emit(n int64) {
	ev := l.logger.Info()
	if n < 0 {
		ev = l.logger.Warn()
	}
	ev.Str("remote", l.Remote).
		Str("method", l.Method).
		Str("path", l.Path).
		Str("proto", l.Proto).
		Int("status", l.Status).
		Int64("bytes", n).
		Dur("elapsed", time.Since(l.Received)).
		Msg("access")
}
