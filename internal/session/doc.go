// Package session
// Author: momentics <momentics@gmail.com>
//
// WebSocket session layer. A Session wraps a socket with the frame decoder,
// the close handshake flags, the keep-alive deadline and a per-session
// key/value store. The Registry maps session IDs to live sessions for
// targeted sends and pub/sub fan-out.

package session
