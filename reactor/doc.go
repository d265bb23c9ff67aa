// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor runs the single-threaded epoll event loop. It accepts
// connections, reassembles HTTP requests, switches upgraded connections to
// WebSocket sessions and hands every complete unit of work to a worker pool
// while it waits for the result. Linux only; other platforms get a stub
// that reports api.ErrNotSupported.
package reactor
