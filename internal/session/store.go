// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Thread-safe, propagation-aware key/value store attached to each session.
// Handoff workers read and write it while the reactor owns everything else.

package session

import (
	"sync"
	"time"

	"github.com/momentics/hioload-mux/api"
)

type entry struct {
	val        any
	propagated bool
	expiry     time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Store implements api.Context.
type Store struct {
	mu    sync.RWMutex
	store map[string]entry
}

var _ api.Context = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{store: make(map[string]entry)}
}

// Set assigns a value with optional propagation. Any TTL on the key is cleared.
func (c *Store) Set(key string, value any, propagated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = entry{val: value, propagated: propagated}
}

// Get fetches a value, returning (value, exists). Expired keys are absent.
func (c *Store) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.store[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.val, true
}

// Delete removes a key.
func (c *Store) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
}

// Clone copies the propagated, unexpired entries.
func (c *Store) Clone() api.Context {
	now := time.Now()
	cp := make(map[string]entry)
	c.mu.RLock()
	for k, v := range c.store {
		if v.propagated && !v.expired(now) {
			cp[k] = v
		}
	}
	c.mu.RUnlock()
	return &Store{store: cp}
}

// WithExpiration sets a TTL on an existing key.
func (c *Store) WithExpiration(key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.store[key]; ok {
		e.expiry = time.Now().Add(ttl)
		c.store[key] = e
	}
}

// IsPropagated checks if a key is marked for propagation.
func (c *Store) IsPropagated(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.store[key]
	return ok && e.propagated && !e.expired(time.Now())
}

// Keys returns the unexpired keys.
func (c *Store) Keys() []string {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.store))
	for k, e := range c.store {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Purge drops expired entries and returns how many were removed.
func (c *Store) Purge() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.store {
		if e.expired(now) {
			delete(c.store, k)
			n++
		}
	}
	return n
}
