// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the reactor, sockets, reassemblers and sessions.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	// ErrWouldBlock is normal backpressure; it never leaves the socket layer.
	ErrWouldBlock = errors.New("operation would block")
	// ErrPeerClosed is an orderly shutdown by the remote side.
	ErrPeerClosed = errors.New("peer closed connection")
	// ErrConnectionReset and ErrBrokenPipe are abnormal terminations.
	ErrConnectionReset = errors.New("connection reset by peer")
	ErrBrokenPipe      = errors.New("broken pipe")
	// ErrIO covers every other socket failure.
	ErrIO = errors.New("socket i/o error")
	// ErrProtocol marks malformed frames or requests.
	ErrProtocol = errors.New("protocol error")
	// ErrResourceExceeded marks oversized requests or frames.
	ErrResourceExceeded = errors.New("resource exceeded")

	ErrSocketClosed     = errors.New("socket is closed")
	ErrReactorClosed    = errors.New("reactor is closed")
	ErrNotSupported     = errors.New("operation not supported")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrOperationTimeout = errors.New("operation timeout")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeWouldBlock
	ErrCodePeerClosed
	ErrCodeIO
	ErrCodeProtocol
	ErrCodeResourceExceeded
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeWouldBlock:
		return "would_block"
	case ErrCodePeerClosed:
		return "peer_closed"
	case ErrCodeIO:
		return "io"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeResourceExceeded:
		return "resource_exceeded"
	default:
		return "internal"
	}
}

// Error represents a structured error with a taxonomy code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error code.
func (e *Error) Is(target error) bool {
	return target != nil && target == sentinel(e.Code)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a structured error around cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Err = cause
	return e
}

// CodeOf classifies err into the taxonomy.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrWouldBlock):
		return ErrCodeWouldBlock
	case errors.Is(err, ErrPeerClosed):
		return ErrCodePeerClosed
	case errors.Is(err, ErrConnectionReset), errors.Is(err, ErrBrokenPipe), errors.Is(err, ErrIO):
		return ErrCodeIO
	case errors.Is(err, ErrProtocol):
		return ErrCodeProtocol
	case errors.Is(err, ErrResourceExceeded):
		return ErrCodeResourceExceeded
	}
	return ErrCodeInternal
}

func sentinel(code ErrorCode) error {
	switch code {
	case ErrCodeWouldBlock:
		return ErrWouldBlock
	case ErrCodePeerClosed:
		return ErrPeerClosed
	case ErrCodeIO:
		return ErrIO
	case ErrCodeProtocol:
		return ErrProtocol
	case ErrCodeResourceExceeded:
		return ErrResourceExceeded
	}
	return nil
}
