//go:build linux
// +build linux

package reactor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mux/api"
	"github.com/momentics/hioload-mux/protocol"
)

var echoHTTP = api.HTTPHandlerFunc(func(ctx context.Context, req *api.Request) (*api.Response, error) {
	switch req.Path {
	case "/panic":
		panic("boom")
	case "/fail":
		return nil, errors.New("handler failed")
	}
	return api.NewResponse(http.StatusOK, []byte(req.Method+" "+req.Path+" "+string(req.Body))), nil
})

type routes map[string]api.Endpoint

func (rt routes) Endpoint(path string) (api.Endpoint, bool) {
	ep, ok := rt[path]
	return ep, ok
}

// testEndpoint echoes text and binary messages unless hooks override it.
type testEndpoint struct {
	open    func(s api.Session) ([]api.Task, bool)
	message func(op api.OpCode, payload []byte, s api.Session) []api.Task

	mu     sync.Mutex
	closes []uint16
	closed chan uint16
}

func newTestEndpoint() *testEndpoint {
	return &testEndpoint{closed: make(chan uint16, 8)}
}

func (e *testEndpoint) OnOpen(ctx context.Context, s api.Session) ([]api.Task, bool) {
	if e.open != nil {
		return e.open(s)
	}
	return nil, true
}

func (e *testEndpoint) OnMessage(ctx context.Context, op api.OpCode, payload []byte, s api.Session) []api.Task {
	if e.message != nil {
		return e.message(op, payload, s)
	}
	switch op {
	case api.OpText:
		return []api.Task{api.SendText(string(payload))}
	case api.OpBinary:
		return []api.Task{api.SendBinary(payload)}
	}
	return nil
}

func (e *testEndpoint) OnClose(ctx context.Context, code uint16, s api.Session) []api.Task {
	e.mu.Lock()
	e.closes = append(e.closes, code)
	e.mu.Unlock()
	e.closed <- code
	return nil
}

func (e *testEndpoint) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.closes)
}

func startReactor(t *testing.T, h api.HTTPHandler, eps api.EndpointResolver, tune func(*Config)) (*Reactor, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.HandoffTimeout = 2 * time.Second
	if tune != nil {
		tune(&cfg)
	}
	r, err := New(cfg, Deps{Logger: zerolog.Nop(), HTTP: h, Endpoints: eps})
	if err != nil {
		t.Fatal(err)
	}
	addr, err := r.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	return r, addr.String()
}

func dialRaw(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return c, bufio.NewReader(c)
}

func readBody(t *testing.T, br *bufio.Reader) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp, string(body)
}

func expectEOF(t *testing.T, br *bufio.Reader) {
	t.Helper()
	if _, err := br.ReadByte(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestHTTPPipelinedKeepAlive(t *testing.T) {
	r, addr := startReactor(t, echoHTTP, nil, nil)
	c, _ := dialRaw(t, addr)
	in := &countingReader{r: c}
	br := bufio.NewReader(in)

	sent := 0
	write := func(s string) {
		n, _ := io.WriteString(c, s)
		sent += n
	}
	write("POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello" +
		"GET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	resp, body := readBody(t, br)
	if resp.StatusCode != 200 || body != "POST /a hello" {
		t.Fatalf("first: %d %q", resp.StatusCode, body)
	}
	resp, body = readBody(t, br)
	if body != "GET /b " || resp.Header.Get("Connection") != "keep-alive" {
		t.Fatalf("second: %q %v", body, resp.Header)
	}

	// Body split across writes.
	write("POST /c HTTP/1.1\r\nHost: x\r\nContent-Length: 6\r\n\r\nab")
	time.Sleep(20 * time.Millisecond)
	write("cdef")
	if _, body = readBody(t, br); body != "POST /c abcdef" {
		t.Fatalf("split: %q", body)
	}

	if n := testutil.ToFloat64(r.Metrics().BytesIn); n != float64(sent) {
		t.Fatalf("bytes in = %v, want %d", n, sent)
	}
	waitFor(t, "bytes out", func() bool {
		return testutil.ToFloat64(r.Metrics().BytesOut) == float64(in.n)
	})
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPConnectionClose(t *testing.T) {
	_, addr := startReactor(t, echoHTTP, nil, nil)
	c, br := dialRaw(t, addr)
	io.WriteString(c, "GET /x HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\nGET /ignored HTTP/1.1\r\nHost: x\r\n\r\n")
	resp, body := readBody(t, br)
	if body != "GET /x " || resp.Header.Get("Connection") != "close" {
		t.Fatalf("%q %v", body, resp.Header)
	}
	expectEOF(t, br)
}

func TestHTTPOversizeAndChunked(t *testing.T) {
	_, addr := startReactor(t, echoHTTP, nil, func(c *Config) { c.MaxRequestSize = 1024 })

	c, br := dialRaw(t, addr)
	io.WriteString(c, "POST /big HTTP/1.1\r\nHost: x\r\nContent-Length: 4096\r\n\r\n")
	if resp, _ := readBody(t, br); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectEOF(t, br)

	c, br = dialRaw(t, addr)
	io.WriteString(c, "POST /c HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n")
	if resp, _ := readBody(t, br); resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectEOF(t, br)
}

func TestHandlerFailuresBecome500(t *testing.T) {
	_, addr := startReactor(t, echoHTTP, nil, nil)
	for _, path := range []string{"/panic", "/fail"} {
		c, br := dialRaw(t, addr)
		fmt.Fprintf(c, "GET %s HTTP/1.1\r\nHost: x\r\n\r\n", path)
		if resp, _ := readBody(t, br); resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
	// The loop survives.
	c, br := dialRaw(t, addr)
	io.WriteString(c, "GET /ok HTTP/1.1\r\nHost: x\r\n\r\n")
	if _, body := readBody(t, br); body != "GET /ok " {
		t.Fatalf("body %q", body)
	}
}

func TestHandoffTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := api.HTTPHandlerFunc(func(ctx context.Context, req *api.Request) (*api.Response, error) {
		if req.Path == "/slow" {
			<-release
		}
		return api.NewResponse(200, []byte("late")), nil
	})
	r, addr := startReactor(t, slow, nil, func(c *Config) { c.HandoffTimeout = 50 * time.Millisecond })
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	c, br := dialRaw(t, addr)
	io.WriteString(c, "GET /slow HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp, _ := readBody(t, br); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectEOF(t, br)
	if n := testutil.ToFloat64(r.Metrics().HandoffTimeouts); n != 1 {
		t.Fatalf("handoff timeouts = %v", n)
	}

	// The handler still holds the socket, so it stays parked until it returns.
	waitFor(t, "parked socket", func() bool { return r.Stats()["garbage"] == 1 })
	if n := r.Stats()["sockets"]; n != 0 {
		t.Fatalf("sockets = %d", n)
	}
	unblock()
	waitFor(t, "parked socket finalized", func() bool { return r.Stats()["garbage"] == 0 })
}

func TestIdleHTTPConnectionClosed(t *testing.T) {
	_, addr := startReactor(t, echoHTTP, nil, func(c *Config) { c.KeepAliveTimeout = 60 * time.Millisecond })
	_, br := dialRaw(t, addr)
	expectEOF(t, br)
}

func dialWS(t *testing.T, addr, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestWebSocketEcho(t *testing.T) {
	ep := newTestEndpoint()
	_, addr := startReactor(t, echoHTTP, routes{"/echo": ep}, nil)
	ws := dialWS(t, addr, "/echo")

	pongs := make(chan string, 1)
	ws.SetPongHandler(func(data string) error { pongs <- data; return nil })

	big := strings.Repeat("x", 70000)
	for _, msg := range []string{"hello", big} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		typ, got, err := ws.ReadMessage()
		if err != nil || typ != websocket.TextMessage || string(got) != msg {
			t.Fatalf("echo: type=%d len=%d err=%v", typ, len(got), err)
		}
	}

	ws.WriteControl(websocket.PingMessage, []byte("p1"), time.Now().Add(time.Second))
	ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	typ, got, err := ws.ReadMessage()
	if err != nil || typ != websocket.BinaryMessage || len(got) != 3 {
		t.Fatalf("binary: %d %v %v", typ, got, err)
	}
	select {
	case p := <-pongs:
		if p != "p1" {
			t.Fatalf("pong payload %q", p)
		}
	default:
		t.Fatal("pong not received before the echo")
	}
}

func TestWebSocketPeerCloseNotifiesOnce(t *testing.T) {
	ep := newTestEndpoint()
	_, addr := startReactor(t, echoHTTP, routes{"/chat": ep}, nil)
	ws := dialWS(t, addr, "/chat")

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected echoed close, got %v", err)
	}
	select {
	case code := <-ep.closed:
		if code != protocol.CloseNormalClosure {
			t.Fatalf("code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	time.Sleep(100 * time.Millisecond)
	if n := ep.closeCount(); n != 1 {
		t.Fatalf("OnClose called %d times", n)
	}
}

func TestWebSocketServerInitiatedClose(t *testing.T) {
	ep := newTestEndpoint()
	ep.message = func(op api.OpCode, payload []byte, s api.Session) []api.Task {
		return []api.Task{api.SendClose(protocol.ClosePolicyViolation)}
	}
	_, addr := startReactor(t, echoHTTP, routes{"/chat": ep}, nil)
	ws := dialWS(t, addr, "/chat")

	ws.WriteMessage(websocket.TextMessage, []byte("go away"))
	// gorilla answers the close frame from its default close handler.
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v", err)
	}
	select {
	case code := <-ep.closed:
		if code != protocol.ClosePolicyViolation {
			t.Fatalf("code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestUnansweredCloseTimesOutDespiteTraffic(t *testing.T) {
	ep := newTestEndpoint()
	ep.message = func(op api.OpCode, payload []byte, s api.Session) []api.Task {
		if op == api.OpText {
			return []api.Task{api.SendClose(protocol.ClosePolicyViolation)}
		}
		return nil
	}
	r, addr := startReactor(t, echoHTTP, routes{"/chat": ep}, func(c *Config) { c.CloseTimeout = 300 * time.Millisecond })
	ws := dialWS(t, addr, "/chat")
	ws.WriteMessage(websocket.TextMessage, []byte("go away"))

	// The peer keeps pinging and never reads the close frame.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				if ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)) != nil {
					return
				}
			}
		}
	}()

	select {
	case code := <-ep.closed:
		if code != protocol.CloseAbnormalClosure {
			t.Fatalf("code %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session outlived its close timeout")
	}
	waitFor(t, "close timeout metric", func() bool {
		return testutil.ToFloat64(r.Metrics().Closed.WithLabelValues("close_timeout")) == 1
	})
}

func TestPingAnsweredOnce(t *testing.T) {
	ep := newTestEndpoint()
	ep.message = func(op api.OpCode, payload []byte, s api.Session) []api.Task {
		switch op {
		case api.OpPing:
			return []api.Task{api.SendPong(payload)}
		case api.OpText:
			return []api.Task{api.SendText(string(payload))}
		}
		return nil
	}
	_, addr := startReactor(t, echoHTTP, routes{"/chat": ep}, nil)
	ws := dialWS(t, addr, "/chat")
	pongs := 0
	ws.SetPongHandler(func(string) error { pongs++; return nil })

	ws.WriteControl(websocket.PingMessage, []byte("p"), time.Now().Add(time.Second))
	ws.WriteMessage(websocket.TextMessage, []byte("after"))
	if _, got, err := ws.ReadMessage(); err != nil || string(got) != "after" {
		t.Fatalf("echo %q %v", got, err)
	}
	if pongs != 1 {
		t.Fatalf("pongs = %d", pongs)
	}
}

func TestWebSocketAbruptDisconnect(t *testing.T) {
	ep := newTestEndpoint()
	_, addr := startReactor(t, echoHTTP, routes{"/chat": ep}, nil)
	ws := dialWS(t, addr, "/chat")
	ws.UnderlyingConn().Close()
	select {
	case code := <-ep.closed:
		if code != protocol.CloseAbnormalClosure {
			t.Fatalf("code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestWebSocketRefused(t *testing.T) {
	ep := newTestEndpoint()
	ep.open = func(api.Session) ([]api.Task, bool) { return nil, false }
	_, addr := startReactor(t, echoHTTP, routes{"/chat": ep}, nil)
	if _, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/chat", nil); err == nil {
		t.Fatal("refused upgrade succeeded")
	}
	time.Sleep(50 * time.Millisecond)
	if ep.closeCount() != 0 {
		t.Fatal("OnClose called for a refused session")
	}
}

func TestUpgradeWithoutEndpointIsHTTP(t *testing.T) {
	_, addr := startReactor(t, echoHTTP, routes{}, nil)
	c, br := dialRaw(t, addr)
	io.WriteString(c, "GET /nowhere HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n"+
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"+
		"GET /next HTTP/1.1\r\nHost: x\r\n\r\n")
	if _, body := readBody(t, br); body != "GET /nowhere " {
		t.Fatalf("body %q", body)
	}
	if _, body := readBody(t, br); body != "GET /next " {
		t.Fatalf("pipelined body %q", body)
	}
}

func TestEarlyFramesFollowHandshake(t *testing.T) {
	ep := newTestEndpoint()
	_, addr := startReactor(t, echoHTTP, routes{"/echo": ep}, nil)
	c, br := dialRaw(t, addr)

	req := "GET /echo HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	wire := append([]byte(req), protocol.AppendMaskedFrame(nil, api.OpText, true, []byte("early"), 0x01020304)...)
	c.Write(wire)

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols ||
		resp.Header.Get("Sec-WebSocket-Accept") != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("handshake: %d %v", resp.StatusCode, resp.Header)
	}
	head := make([]byte, 2)
	io.ReadFull(br, head)
	payload := make([]byte, head[1]&0x7F)
	io.ReadFull(br, payload)
	if head[0] != 0x81 || string(payload) != "early" {
		t.Fatalf("frame %x %q", head, payload)
	}
}

func TestPubSubAndDirectSends(t *testing.T) {
	ids := make(chan string, 2)
	ep := newTestEndpoint()
	ep.open = func(s api.Session) ([]api.Task, bool) {
		ids <- s.ID()
		return []api.Task{api.Subscribe("room", false)}, true
	}
	ep.message = func(op api.OpCode, payload []byte, s api.Session) []api.Task {
		return []api.Task{api.PublishText("room", string(payload))}
	}
	r, addr := startReactor(t, echoHTTP, routes{"/room": ep}, nil)
	a := dialWS(t, addr, "/room")
	idA := <-ids
	b := dialWS(t, addr, "/room")
	idB := <-ids

	a.WriteMessage(websocket.TextMessage, []byte("from a"))
	if _, got, err := b.ReadMessage(); err != nil || string(got) != "from a" {
		t.Fatalf("b got %q %v", got, err)
	}

	// a does not receive its own publication; the next message it sees is a direct send.
	if err := r.SendText(idA, "direct"); err != nil {
		t.Fatal(err)
	}
	if _, got, err := a.ReadMessage(); err != nil || string(got) != "direct" {
		t.Fatalf("a got %q %v", got, err)
	}

	if err := r.Publish("room", api.OpBinary, []byte{9}); err != nil {
		t.Fatal(err)
	}
	for _, ws := range []*websocket.Conn{a, b} {
		if typ, got, err := ws.ReadMessage(); err != nil || typ != websocket.BinaryMessage || got[0] != 9 {
			t.Fatalf("server publish: %d %v %v", typ, got, err)
		}
	}

	r.Disconnect(idB)
	select {
	case code := <-ep.closed:
		if code != protocol.CloseGoingAway {
			t.Fatalf("code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestKeepAlivePing(t *testing.T) {
	ep := newTestEndpoint()
	_, addr := startReactor(t, echoHTTP, routes{"/ka": ep}, func(c *Config) { c.PingInterval = 50 * time.Millisecond })
	ws := dialWS(t, addr, "/ka")
	pings := make(chan struct{}, 4)
	ws.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	go ws.ReadMessage()
	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive ping")
	}
}

type streamRecorder struct {
	connected chan uint64
	data      chan []byte
	closed    chan error
}

func (s *streamRecorder) OnConnect(id uint64) []byte {
	s.connected <- id
	return []byte("ping")
}

func (s *streamRecorder) OnData(id uint64, data []byte) []byte {
	s.data <- append([]byte(nil), data...)
	return nil
}

func (s *streamRecorder) OnClose(id uint64, err error) { s.closed <- err }

func TestDialStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err == nil && string(buf) == "ping" {
			c.Write([]byte("pong"))
		}
	}()

	r, _ := startReactor(t, echoHTTP, nil, nil)
	rec := &streamRecorder{connected: make(chan uint64, 1), data: make(chan []byte, 8), closed: make(chan error, 1)}
	id, err := r.Dial("tcp", ln.Addr().String(), rec)
	if err != nil {
		t.Fatal(err)
	}
	timeout := time.After(3 * time.Second)
	select {
	case got := <-rec.connected:
		if got != id {
			t.Fatalf("id %d, want %d", got, id)
		}
	case <-timeout:
		t.Fatal("not connected")
	}
	var got []byte
	for len(got) < 4 {
		select {
		case d := <-rec.data:
			got = append(got, d...)
		case <-timeout:
			t.Fatalf("data %q", got)
		}
	}
	if string(got) != "pong" {
		t.Fatalf("data %q", got)
	}
	select {
	case err := <-rec.closed:
		if !errors.Is(err, api.ErrPeerClosed) {
			t.Fatalf("close err %v", err)
		}
	case <-timeout:
		t.Fatal("not closed")
	}
}

func TestRunTwiceAndPostAfterStop(t *testing.T) {
	r, err := New(DefaultConfig(), Deps{Logger: zerolog.Nop(), HTTP: echoHTTP})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	ran := make(chan struct{})
	if err := r.Post(func() { close(ran) }); err != nil {
		t.Fatal(err)
	}
	<-ran
	if err := r.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second run: %v", err)
	}
	cancel()
	<-done
	if err := r.Post(func() {}); !errors.Is(err, api.ErrReactorClosed) {
		t.Fatalf("post after stop: %v", err)
	}
	if _, err := New(DefaultConfig(), Deps{}); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("nil handler: %v", err)
	}
}
