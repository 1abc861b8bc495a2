package proxy

import "sync/atomic"

// Balancer picks one endpoint from a non-empty candidate list.
type Balancer interface {
	Pick(endpoints []*Endpoint) *Endpoint
}

// RoundRobin cycles through endpoints in registration order.
type RoundRobin struct {
	counter uint64
}

func (b *RoundRobin) Pick(endpoints []*Endpoint) *Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	n := atomic.AddUint64(&b.counter, 1) - 1
	return endpoints[n%uint64(len(endpoints))]
}

// LeastConnections picks the endpoint with the fewest in-flight
// requests, ties broken by list order (first seen wins).
type LeastConnections struct{}

func (LeastConnections) Pick(endpoints []*Endpoint) *Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	best := endpoints[0]
	for _, e := range endpoints[1:] {
		if e.ActiveConns() < best.ActiveConns() {
			best = e
		}
	}
	return best
}
