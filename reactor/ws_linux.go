//go:build linux
// +build linux

// File: reactor/ws_linux.go
// Author: momentics <momentics@gmail.com>
//
// WebSocket message dispatch, outbound tasks and cross-session fan-out.

package reactor

import (
	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/internal/session"
	"github.com/momentics/hioload-mux/protocol"
)

const (
	closeGoingAway = protocol.CloseGoingAway
	closeAbnormal  = protocol.CloseAbnormalClosure
	closeProtocol  = protocol.CloseProtocolError
	closeTooBig    = protocol.CloseMessageTooBig
)

// serveWS hands decoded messages to the endpoint in arrival order. A decode
// error tears the session down after the frames decoded before it.
func (r *Reactor) serveWS(c *conn, recvErr error) {
	sess := c.sess
	for _, m := range sess.Messages() {
		if c.torn {
			return
		}
		r.metrics.Frames.WithLabelValues(m.OpCode.String()).Inc()
		switch m.OpCode {
		case api.OpClose:
			code, _ := protocol.ParseClosePayload(m.Payload)
			if !sess.ReceivedClose() {
				continue
			}
			sess.SendClose(code, "")
			r.notifyClose(c, code)
		case api.OpPing:
			if sess.Closing() {
				continue
			}
			r.deliverPing(c, m.Payload)
		default:
			if sess.Closing() {
				continue
			}
			r.deliverMessage(c, m.OpCode, m.Payload)
		}
	}
	if c.torn {
		return
	}
	if recvErr != nil {
		r.metrics.ProtocolErrors.WithLabelValues("websocket").Inc()
		r.failSession(c, recvErr)
		return
	}
	if r.afterOutput(c) {
		r.rearm(c)
	}
}

// deliverMessage runs OnMessage and applies its tasks. When the endpoint
// answers with nothing the keep-alive deadline is renewed anyway.
func (r *Reactor) deliverMessage(c *conn, op api.OpCode, payload []byte) {
	queued := c.sock.Queued()
	tasks := r.handoffMessage(c.sock, c.sess.Endpoint(), op, payload, c.sess)
	r.applyTasks(c, tasks)
	if c.sock.Queued() == queued {
		c.sess.RenewKeepAlive()
	}
}

// deliverPing shows a ping to the endpoint and answers it with a pong
// unless the endpoint queued one itself or the session is closing.
func (r *Reactor) deliverPing(c *conn, payload []byte) {
	sess := c.sess
	tasks := r.handoffMessage(c.sock, sess.Endpoint(), api.OpPing, payload, sess)
	if !c.torn && !sess.CloseSent() && !hasTask(tasks, api.TaskSendPong) {
		sess.SendPong(payload)
	}
	r.applyTasks(c, tasks)
	sess.RenewKeepAlive()
}

func hasTask(tasks []api.Task, kind api.TaskKind) bool {
	for _, t := range tasks {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// failSession closes a session whose inbound stream broke the framing
// rules: 1009 for an oversized frame, 1002 otherwise. The close frame is
// written best-effort before the socket goes.
func (r *Reactor) failSession(c *conn, err error) {
	sess := c.sess
	code := uint16(closeProtocol)
	if api.CodeOf(err) == api.ErrCodeResourceExceeded {
		code = closeTooBig
	}
	if sess.SendClose(code, "") {
		_ = r.flush(c)
	}
	if sess.MarkClosing() {
		r.notifyClose(c, code)
	}
	r.teardown(c, err)
}

// notifyClose tells the endpoint the session is over. The caller has
// already flipped the session's closing flag, so this runs once.
func (r *Reactor) notifyClose(c *conn, code uint16) {
	sess := c.sess
	r.sessions.Delete(sess.ID())
	r.pub.UnsubscribeAll(sess.ID())
	tasks := r.handoffClose(c.sock, sess.Endpoint(), code, sess)
	r.applyTasks(c, tasks)
	r.log.Debug().Str("session", sess.ID()).Uint16("code", code).Msg("session closed")
}

// applyTasks executes endpoint tasks in order on behalf of c.
func (r *Reactor) applyTasks(c *conn, tasks []api.Task) {
	if len(tasks) == 0 {
		return
	}
	sess := c.sess
	self := !c.torn && !sess.CloseSent()
	for _, t := range tasks {
		switch t.Kind {
		case api.TaskSendText:
			if self {
				sess.SendText(t.Text)
			}
		case api.TaskSendBinary:
			if self {
				sess.SendBinary(t.Data)
			}
		case api.TaskSendPing:
			if self {
				sess.SendPing(t.Data)
			}
		case api.TaskSendPong:
			if self {
				sess.SendPong(t.Data)
			}
		case api.TaskSendClose:
			if self {
				sess.SendClose(t.Code, t.Text)
				self = false
			}
		case api.TaskSendTextTo:
			r.sendTo(t.Target, func(s *session.Session) { s.SendText(t.Text) })
		case api.TaskSendBinaryTo:
			r.sendTo(t.Target, func(s *session.Session) { s.SendBinary(t.Data) })
		case api.TaskSendCloseTo:
			r.sendTo(t.Target, func(s *session.Session) { s.SendClose(t.Code, t.Text) })
		case api.TaskSubscribe:
			if !sess.Closing() {
				r.pub.Subscribe(t.Topic, sess.ID(), t.Local)
			}
		case api.TaskUnsubscribe:
			r.pub.Unsubscribe(t.Topic, sess.ID())
		case api.TaskUnsubscribeAll:
			r.pub.UnsubscribeAll(sess.ID())
		case api.TaskPublishText:
			r.publish(t.Topic, sess.ID(), api.OpText, []byte(t.Text))
		case api.TaskPublishBinary:
			r.publish(t.Topic, sess.ID(), api.OpBinary, t.Data)
		case api.TaskStartKeepAlive:
			sess.StartKeepAlive(t.Interval)
		case api.TaskStopKeepAlive:
			sess.StopKeepAlive()
		default:
			r.log.Warn().Int("kind", int(t.Kind)).Str("session", sess.ID()).Msg("unknown task")
		}
	}
	r.rearm(c)
}

// sendTo runs fn against another live session and re-arms its socket.
func (r *Reactor) sendTo(id string, fn func(*session.Session)) {
	s, ok := r.sessions.Get(id)
	if !ok || s.CloseSent() {
		return
	}
	c, ok := r.conns[s.Socket().FD()]
	if !ok || c.sess != s || c.torn {
		return
	}
	fn(s)
	r.rearm(c)
}

func (r *Reactor) deliver(id string, op api.OpCode, payload []byte) {
	r.sendTo(id, func(s *session.Session) {
		if op == api.OpBinary {
			s.SendBinary(payload)
			return
		}
		s.SendText(string(payload))
	})
}

// publish fans payload out locally and mirrors it through the bridge.
func (r *Reactor) publish(topic, from string, op api.OpCode, payload []byte) {
	n := r.pub.Publish(topic, from, op, payload, r.deliver)
	r.metrics.Published.WithLabelValues("local").Inc()
	if r.bridge != nil {
		if err := r.bridge.Publish(topic, op, payload); err != nil {
			r.log.Warn().Err(err).Str("topic", topic).Msg("bridge publish dropped")
		}
	}
	r.log.Debug().Str("topic", topic).Int("subscribers", n).Msg("published")
}
