// Package proxy implements the API Proxy / Request Router (C10):
// endpoint registration per model, round-robin/least-connections load
// balancing, a fixed-window rate limiter, and failover across a
// model's healthy endpoints. Grounded on the Python reference's
// test_api_proxy.py for the exact tie-break and window-reset
// semantics, and on the teacher's proxy package for the Go shape of a
// resilient HTTP forwarder.
package proxy

import (
	"sync"
	"sync/atomic"
)

// Endpoint is one reachable instance of a model.
type Endpoint struct {
	ModelID     string
	URL         string
	activeConns int64
}

func (e *Endpoint) ActiveConns() int64 { return atomic.LoadInt64(&e.activeConns) }

func (e *Endpoint) acquire() { atomic.AddInt64(&e.activeConns, 1) }
func (e *Endpoint) release() { atomic.AddInt64(&e.activeConns, -1) }

// Registry tracks the set of live endpoints per model id.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string][]*Endpoint
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string][]*Endpoint)}
}

// Register adds or replaces url as the single endpoint for modelID.
// A model currently only ever runs one instance (spec §3), but the
// registry keeps a slice so a future multi-replica model needs no
// interface change.
func (r *Registry) Register(modelID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[modelID] = []*Endpoint{{ModelID: modelID, URL: url}}
}

func (r *Registry) Unregister(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, modelID)
}

func (r *Registry) Endpoints(modelID string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Endpoint{}, r.endpoints[modelID]...)
}
