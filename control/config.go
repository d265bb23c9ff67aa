// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with dynamic update and hot-reload propagation.

package control

import (
	"sync"
	"time"
)

// Tunables the reactor re-reads on reload.
const (
	KeyKeepAliveTimeout = "http.keepalive_timeout"
	KeyMaxRequestSize   = "http.max_request_size"
	KeyMaxPendingOutput = "socket.max_pending_output"
	KeyPingInterval     = "ws.ping_interval"
	KeyMaxFrameSize     = "ws.max_frame_size"
	KeyHandoffTimeout   = "handoff.timeout"
)

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
}

// NewConfigStore initializes a new config store with initial values.
func NewConfigStore(initial map[string]any) *ConfigStore {
	cs := &ConfigStore{config: make(map[string]any, len(initial))}
	for k, v := range initial {
		cs.config[k] = v
	}
	return cs
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Get returns a single value.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// Duration returns key as a duration, or fallback when missing or mistyped.
func (cs *ConfigStore) Duration(key string, fallback time.Duration) time.Duration {
	v, _ := cs.Get(key)
	switch d := v.(type) {
	case time.Duration:
		return d
	case int:
		return time.Duration(d) * time.Second
	case string:
		if p, err := time.ParseDuration(d); err == nil {
			return p
		}
	}
	return fallback
}

// Int returns key as an int, or fallback when missing or mistyped.
func (cs *ConfigStore) Int(key string, fallback int) int {
	v, _ := cs.Get(key)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

// SetConfig merges new values and dispatches reload listeners asynchronously.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	for _, fn := range cs.merge(newCfg) {
		go fn()
	}
}

// SetConfigSync merges new values and runs the listeners before returning.
func (cs *ConfigStore) SetConfigSync(newCfg map[string]any) {
	for _, fn := range cs.merge(newCfg) {
		fn()
	}
}

func (cs *ConfigStore) merge(newCfg map[string]any) []func() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	return append([]func(){}, cs.listeners...)
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
