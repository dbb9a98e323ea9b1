package metrics

import (
	"context"
	"time"

	"github.com/Nash0810/tcpbalance/internal/backend"
)

// ConnectionCounter reports the server-wide number of live relays
type ConnectionCounter interface {
	ActiveConnections() int
}

// Exporter periodically updates gauge metrics from system state
type Exporter struct {
	collector *Collector
	registry  *backend.Registry
	server    ConnectionCounter
	interval  time.Duration
	known     map[string]bool // every backend label ever exported
}

// NewExporter creates a new metrics exporter. server may be nil.
func NewExporter(collector *Collector, registry *backend.Registry, server ConnectionCounter) *Exporter {
	return &Exporter{
		collector: collector,
		registry:  registry,
		server:    server,
		interval:  5 * time.Second,
		known:     make(map[string]bool),
	}
}

// Start begins the metrics export loop
func (e *Exporter) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Export()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Export()
		}
	}
}

// Export updates all gauge metrics once. Not safe for concurrent use.
func (e *Exporter) Export() {
	backends := e.registry.All()

	healthy := 0
	current := make(map[string]bool, len(backends))
	for _, b := range backends {
		addr := b.Address()
		current[addr] = true

		state := 0.0
		if b.IsHealthy() {
			state = 1
			healthy++
		}
		e.collector.BackendState.WithLabelValues(addr).Set(state)
		e.collector.BackendConnections.WithLabelValues(addr).Set(float64(b.ActiveConnections()))
	}

	// Forget removed backends on every round, late relays can re-create their series
	for addr := range current {
		e.known[addr] = true
	}
	for addr := range e.known {
		if !current[addr] {
			e.collector.ForgetBackend(addr)
		}
	}

	e.collector.BackendsTotal.Set(float64(len(backends)))
	e.collector.BackendsHealthy.Set(float64(healthy))

	if e.server != nil {
		e.collector.ServerConnections.Set(float64(e.server.ActiveConnections()))
	}
}
