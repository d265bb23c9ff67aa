package control

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigStoreReload(t *testing.T) {
	cs := NewConfigStore(map[string]any{KeyKeepAliveTimeout: 10 * time.Second})
	var calls atomic.Int32
	cs.OnReload(func() {
		calls.Add(1)
		if cs.Duration(KeyKeepAliveTimeout, 0) != 3*time.Second {
			t.Error("listener saw stale value")
		}
	})
	cs.SetConfigSync(map[string]any{KeyKeepAliveTimeout: "3s", KeyMaxRequestSize: 1024})
	if calls.Load() != 1 {
		t.Fatalf("listener calls = %d", calls.Load())
	}
	if cs.Int(KeyMaxRequestSize, 0) != 1024 || cs.Int("missing", 7) != 7 {
		t.Error("int lookup")
	}
	snap := cs.GetSnapshot()
	snap[KeyMaxRequestSize] = 1
	if cs.Int(KeyMaxRequestSize, 0) != 1024 {
		t.Error("snapshot aliases the store")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.Accepted.Inc()
	m.Frames.WithLabelValues("text").Add(2)
	m.ObserveHandoff("http", time.Now())
	if testutil.ToFloat64(m.Accepted) != 1 {
		t.Fatal("accepted counter")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"hioload_accepted_total 1", `hioload_ws_messages_total{opcode="text"} 2`, "hioload_handoff_seconds_count"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("reactor.sockets", func() any { return 3 })

	rec := httptest.NewRecorder()
	dp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug", nil))
	var state map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state["reactor.sockets"] != float64(3) {
		t.Errorf("state = %v", state)
	}
	if _, ok := state["platform.cpus"]; !ok {
		t.Error("platform probe missing")
	}
}
