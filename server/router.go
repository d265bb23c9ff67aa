// File: server/router.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"strings"
	"sync"

	"github.com/momentics/hioload-mux/api"
)

// Router resolves WebSocket endpoints by the first path segment,
// case-insensitively. "/Chat/room?x=1" and "/chat" share the route "chat".
type Router struct {
	mu       sync.RWMutex
	routes   map[string]api.Endpoint
	disabled map[string]struct{}
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		routes:   make(map[string]api.Endpoint),
		disabled: make(map[string]struct{}),
	}
}

// Handle mounts ep, replacing any endpoint already on the route.
func (r *Router) Handle(path string, ep api.Endpoint) {
	r.mu.Lock()
	r.routes[routeKey(path)] = ep
	r.mu.Unlock()
}

// Disable turns a route off without unmounting it.
func (r *Router) Disable(path string) {
	r.mu.Lock()
	r.disabled[routeKey(path)] = struct{}{}
	r.mu.Unlock()
}

// Enable reverses Disable.
func (r *Router) Enable(path string) {
	r.mu.Lock()
	delete(r.disabled, routeKey(path))
	r.mu.Unlock()
}

// Endpoint implements api.EndpointResolver.
func (r *Router) Endpoint(path string) (api.Endpoint, bool) {
	key := routeKey(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, off := r.disabled[key]; off {
		return nil, false
	}
	ep, ok := r.routes[key]
	return ep, ok
}

// Routes lists the mounted route names.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k)
	}
	return out
}

func routeKey(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return strings.ToLower(path)
}
