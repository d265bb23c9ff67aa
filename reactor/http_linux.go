//go:build linux
// +build linux

// File: reactor/http_linux.go
// Author: momentics <momentics@gmail.com>
//
// HTTP dispatch and the switch from HTTP to WebSocket.

package reactor

import (
	"net/http"
	"strconv"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/internal/buffer"
	"github.com/momentics/hioload-mux/internal/httpreq"
	"github.com/momentics/hioload-mux/internal/session"
	"github.com/momentics/hioload-mux/protocol"
)

// serveHTTP dispatches every reassembled request in order. recvErr is a
// reassembly error raised after those requests, answered once they are.
func (r *Reactor) serveHTTP(c *conn, recvErr error) {
	for !c.torn && !c.dead && !c.closing {
		req := c.http.Next()
		if req == nil {
			break
		}
		if req.Upgrade {
			r.upgrade(c, req)
			return
		}
		r.respond(c, req, r.handoffHTTP(c.sock, req))
	}
	if c.torn || c.dead {
		return
	}
	if recvErr != nil && !c.closing {
		r.metrics.ProtocolErrors.WithLabelValues("http").Inc()
		r.log.Error().Err(recvErr).Str("peer", c.sock.PeerString()).Msg("request rejected")
		c.sock.DiscardInput()
		r.respond(c, nil, httpreq.ErrorResponse(httpreq.StatusFor(recvErr)))
	}
	r.rearm(c)
}

// respond queues resp. req is nil for responses to unparseable input.
func (r *Reactor) respond(c *conn, req *api.Request, resp *api.Response) {
	keepAlive := req != nil && req.KeepAlive && !resp.Close
	buf, err := httpreq.EncodeResponse(resp, keepAlive)
	if err != nil {
		r.log.Error().Err(err).Msg("response encoding failed")
		resp = httpreq.ErrorResponse(http.StatusInternalServerError)
		keepAlive = false
		buf, _ = httpreq.EncodeResponse(resp, false)
	}
	if req != nil {
		buf.SetAccessLog(buffer.NewAccessLog(r.accessLog, req.Method, req.Path, req.Proto, statusOf(resp), req.RemoteAddr, req.ReceivedAt))
	}
	c.sock.Enqueue(buf)
	r.metrics.Requests.WithLabelValues(strconv.Itoa(statusOf(resp))).Inc()
	if !keepAlive {
		c.closing = true
		c.sock.CloseAfterFlush()
	}
}

func statusOf(resp *api.Response) int {
	if resp.Status == 0 {
		return http.StatusOK
	}
	return resp.Status
}

// upgrade performs the protocol switch for req. The HTTP socket is removed
// from epoll, its descriptor duplicated into a session socket that inherits
// pending output and early client frames, and the original is disposed.
// The 101 response is queued only when the endpoint accepts the session.
func (r *Reactor) upgrade(c *conn, req *api.Request) {
	key, err := protocol.ValidateHandshake(req.Header)
	if err != nil {
		r.metrics.ProtocolErrors.WithLabelValues("handshake").Inc()
		r.log.Error().Err(err).Str("peer", c.sock.PeerString()).Msg("bad upgrade request")
		r.respond(c, req, httpreq.ErrorResponse(http.StatusBadRequest))
		r.rearm(c)
		return
	}
	var ep api.Endpoint
	ok := false
	if r.endpoints != nil {
		ep, ok = r.endpoints.Endpoint(req.Path)
	}
	if !ok {
		// No endpoint: the request is ordinary HTTP.
		c.http.Resume()
		r.respond(c, req, r.handoffHTTP(c.sock, req))
		var ferr error
		if !c.closing {
			ferr = c.sock.Refeed()
		}
		r.serveHTTP(c, ferr)
		return
	}

	old := c.sock
	r.unregister(c)
	ws, err := old.Dup()
	if err != nil {
		r.log.Error().Err(err).Msg("protocol switch failed")
		r.dispose(old)
		r.metrics.Closed.WithLabelValues("io").Inc()
		return
	}
	r.dispose(old)

	sess := session.New(ws, req.Path, ep, r.cfg.PingInterval)
	if r.cfg.MaxFrameSize > 0 {
		sess.SetMaxFrameSize(r.cfg.MaxFrameSize)
	}
	nc := &conn{sock: ws, kind: kindWS, sess: sess}
	if err := r.register(nc); err != nil {
		ws.Dispose()
		return
	}

	tasks, accepted := r.handoffOpen(ws, ep, sess)
	if !accepted {
		r.log.Debug().Str("path", req.Path).Str("peer", ws.PeerString()).Msg("upgrade refused")
		// The endpoint never saw an open session; skip OnClose.
		sess.ReceivedClose()
		r.teardown(nc, nil)
		return
	}
	r.sessions.Add(sess)
	ws.Enqueue(buffer.New(protocol.HandshakeResponse(key)))
	r.log.Debug().Str("session", sess.ID()).Str("path", req.Path).Str("peer", ws.PeerString()).Msg("session opened")
	r.applyTasks(nc, tasks)

	// Frames that arrived with the handshake.
	err = ws.Refeed()
	r.serveWS(nc, err)
}
