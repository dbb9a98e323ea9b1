package balancer

import (
	"github.com/Nash0810/tcpbalance/internal/backend"
)

// Strategy names accepted in configuration
const (
	RoundRobin       = "round-robin"
	LeastConnections = "least-connections"
)

// Strategy defines the interface for load balancing algorithms
type Strategy interface {
	// Select chooses a healthy backend from candidates, which may include
	// unhealthy ones. Returns nil if no healthy backend is available.
	// Select never mutates backend state.
	Select(candidates []*backend.Backend) *backend.Backend

	// Name returns the strategy name
	Name() string
}

// NewStrategy builds the strategy registered under name. Unknown names fall
// back to round-robin and report ok=false.
func NewStrategy(name string) (s Strategy, ok bool) {
	switch name {
	case RoundRobin:
		return NewRoundRobinStrategy(), true
	case LeastConnections:
		return NewLeastConnectionsStrategy(), true
	default:
		return NewRoundRobinStrategy(), false
	}
}

// healthyOnly filters candidates in order
func healthyOnly(candidates []*backend.Backend) []*backend.Backend {
	healthy := make([]*backend.Backend, 0, len(candidates))
	for _, b := range candidates {
		if b != nil && b.IsHealthy() {
			healthy = append(healthy, b)
		}
	}
	return healthy
}
