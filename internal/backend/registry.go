package backend

import (
	"sync"
)

// Registry manages an ordered collection of unique backends, keyed by host:port.
// Reads return copies so callers never observe a slice that is being mutated.
type Registry struct {
	backends []*Backend
	mux      sync.RWMutex
}

// NewRegistry creates a new, empty backend registry
func NewRegistry() *Registry {
	return &Registry{
		backends: make([]*Backend, 0),
	}
}

// Add appends a backend. It is a no-op returning false when a backend with
// the same host:port is already registered.
func (r *Registry) Add(b *Backend) bool {
	if b == nil {
		return false
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	if r.indexOf(b.Host, b.Port) >= 0 {
		return false
	}
	r.backends = append(r.backends, b)
	return true
}

// Remove unlinks the backend with the given host:port. Relays already holding
// the *Backend keep using it. Returns false if no such backend exists.
func (r *Registry) Remove(host string, port int) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	i := r.indexOf(host, port)
	if i < 0 {
		return false
	}

	next := make([]*Backend, 0, len(r.backends)-1)
	next = append(next, r.backends[:i]...)
	next = append(next, r.backends[i+1:]...)
	r.backends = next
	return true
}

// All returns all backends (copy of slice)
func (r *Registry) All() []*Backend {
	r.mux.RLock()
	defer r.mux.RUnlock()

	backends := make([]*Backend, len(r.backends))
	copy(backends, r.backends)
	return backends
}

// Healthy returns only healthy backends, in registration order
func (r *Registry) Healthy() []*Backend {
	r.mux.RLock()
	defer r.mux.RUnlock()

	healthy := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if b.IsHealthy() {
			healthy = append(healthy, b)
		}
	}
	return healthy
}

// Find looks up a backend by address
func (r *Registry) Find(host string, port int) (*Backend, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	i := r.indexOf(host, port)
	if i < 0 {
		return nil, false
	}
	return r.backends[i], true
}

// Counts returns the total and healthy backend counts
func (r *Registry) Counts() (total, healthy int) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	for _, b := range r.backends {
		if b.IsHealthy() {
			healthy++
		}
	}
	return len(r.backends), healthy
}

// Size returns the total number of backends
func (r *Registry) Size() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.backends)
}

// Sync makes the registry contain exactly the given backends, in their order.
// Backends already registered under the same host:port are kept as-is so their
// health state and in-flight connection counts survive a config reload.
func (r *Registry) Sync(desired []*Backend) (added, removed int) {
	r.mux.Lock()
	defer r.mux.Unlock()

	existing := make(map[string]*Backend, len(r.backends))
	for _, b := range r.backends {
		existing[b.Address()] = b
	}

	next := make([]*Backend, 0, len(desired))
	seen := make(map[string]bool, len(desired))
	for _, b := range desired {
		key := b.Address()
		if seen[key] {
			continue
		}
		seen[key] = true

		if old, ok := existing[key]; ok {
			next = append(next, old)
			continue
		}
		next = append(next, b)
		added++
	}

	for key := range existing {
		if !seen[key] {
			removed++
		}
	}

	r.backends = next
	return added, removed
}

// indexOf must be called with the lock held
func (r *Registry) indexOf(host string, port int) int {
	for i, b := range r.backends {
		if b.is(host, port) {
			return i
		}
	}
	return -1
}
