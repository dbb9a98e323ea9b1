package backend

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Backend represents a single upstream TCP server.
// Identity is the host:port pair; two Backends with the same pair are the same backend.
type Backend struct {
	Host string // Backend host or IP
	Port int    // Backend TCP port

	state   HealthState   // Current health state (protected by mutex)
	metrics HealthMetrics // Health check metrics
	mux     sync.RWMutex  // Protects 'state', 'metrics'

	activeConnections atomic.Int64 // Active relay count
}

// NewBackend creates a new backend instance. Backends start healthy.
func NewBackend(host string, port int) *Backend {
	return &Backend{
		Host:  host,
		Port:  port,
		state: Healthy,
	}
}

// Address returns the dialable "host:port" form, which is also the backend key
func (b *Backend) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// String implements fmt.Stringer
func (b *Backend) String() string {
	return b.Address()
}

// Equal reports whether both backends share the same host:port
func (b *Backend) Equal(other *Backend) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.is(other.Host, other.Port)
}

// is reports whether the backend is registered under host:port
func (b *Backend) is(host string, port int) bool {
	return b.Host == host && b.Port == port
}

// IsHealthy returns the backend's health status (thread-safe)
func (b *Backend) IsHealthy() bool {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.state == Healthy
}

// GetState returns the current health state (thread-safe)
func (b *Backend) GetState() HealthState {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.state
}

// SetHealthy records a probe result. The result is written even when it is
// unchanged; the return value reports whether the state actually flipped.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	b.mux.Lock()
	defer b.mux.Unlock()

	now := time.Now()
	b.metrics.LastCheck = now

	next := Unhealthy
	if healthy {
		next = Healthy
		b.metrics.ConsecutiveSuccesses++
		b.metrics.ConsecutiveFailures = 0
		b.metrics.LastSuccess = now
	} else {
		b.metrics.ConsecutiveFailures++
		b.metrics.ConsecutiveSuccesses = 0
		b.metrics.LastFailure = now
	}

	changed = b.state != next
	b.state = next
	return changed
}

// LastHealthCheckAt returns the time of the most recent probe, zero if never probed
func (b *Backend) LastHealthCheckAt() time.Time {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.metrics.LastCheck
}

// GetHealthMetrics returns a copy of health metrics (thread-safe)
func (b *Backend) GetHealthMetrics() HealthMetrics {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.metrics
}

// IncrementConnections atomically increments the active connection count
func (b *Backend) IncrementConnections() {
	b.activeConnections.Add(1)
}

// DecrementConnections atomically decrements the active connection count.
// The counter never drops below zero; an unpaired call returns false.
func (b *Backend) DecrementConnections() bool {
	for {
		current := b.activeConnections.Load()
		if current <= 0 {
			return false
		}
		if b.activeConnections.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// ActiveConnections atomically reads the active connection count
func (b *Backend) ActiveConnections() int64 {
	return b.activeConnections.Load()
}
