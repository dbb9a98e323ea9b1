package balancer

import (
	"math"

	"github.com/Nash0810/tcpbalance/internal/backend"
)

// LeastConnectionsStrategy selects backend with fewest active connections
type LeastConnectionsStrategy struct{}

// NewLeastConnectionsStrategy creates a new least-connections strategy
func NewLeastConnectionsStrategy() *LeastConnectionsStrategy {
	return &LeastConnectionsStrategy{}
}

// Select picks the healthy backend with minimum active connections.
// Ties go to the first candidate in order.
func (lc *LeastConnectionsStrategy) Select(candidates []*backend.Backend) *backend.Backend {
	var selected *backend.Backend
	minConnections := int64(math.MaxInt64)

	for _, b := range candidates {
		if b == nil || !b.IsHealthy() {
			continue
		}
		connections := b.ActiveConnections()
		if selected == nil || connections < minConnections {
			minConnections = connections
			selected = b
		}
	}

	return selected
}

// Name returns the strategy name
func (lc *LeastConnectionsStrategy) Name() string {
	return LeastConnections
}
