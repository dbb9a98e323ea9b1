package balancer

import (
	"sync/atomic"

	"github.com/Nash0810/tcpbalance/internal/backend"
)

// RoundRobinStrategy distributes connections evenly across healthy backends
type RoundRobinStrategy struct {
	counter atomic.Uint64 // wraps on overflow; only used modulo len(healthy)
}

// NewRoundRobinStrategy creates a new round-robin strategy
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

// Select picks the next healthy backend in round-robin order
func (rr *RoundRobinStrategy) Select(candidates []*backend.Backend) *backend.Backend {
	backends := healthyOnly(candidates)

	if len(backends) == 0 {
		return nil // No healthy backends
	}

	// Every caller observes a distinct pre-increment value
	count := rr.counter.Add(1) - 1
	index := int(count % uint64(len(backends)))

	return backends[index]
}

// Name returns the strategy name
func (rr *RoundRobinStrategy) Name() string {
	return RoundRobin
}
