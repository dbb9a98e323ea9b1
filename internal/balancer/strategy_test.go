package balancer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Nash0810/tcpbalance/internal/backend"
)

func newBackends(n int) []*backend.Backend {
	backends := make([]*backend.Backend, 0, n)
	for i := 1; i <= n; i++ {
		backends = append(backends, backend.NewBackend("localhost", 8080+i))
	}
	return backends
}

// TestRoundRobinCyclicFairness tests each backend is returned once per window of N
func TestRoundRobinCyclicFairness(t *testing.T) {
	backends := newBackends(3)
	strategy := NewRoundRobinStrategy()

	for window := 0; window < 10; window++ {
		seen := make(map[int]int)
		for i := 0; i < len(backends); i++ {
			selected := strategy.Select(backends)
			if selected == nil {
				t.Fatal("Strategy returned nil backend")
			}
			seen[selected.Port]++
		}
		for _, b := range backends {
			if seen[b.Port] != 1 {
				t.Fatalf("Window %d: backend %s selected %d times", window, b, seen[b.Port])
			}
		}
	}
}

// TestRoundRobinOrder tests selections follow candidate order
func TestRoundRobinOrder(t *testing.T) {
	backends := newBackends(3)
	strategy := NewRoundRobinStrategy()

	for i := 0; i < 6; i++ {
		selected := strategy.Select(backends)
		if selected != backends[i%3] {
			t.Errorf("Call %d: expected %s, got %s", i, backends[i%3], selected)
		}
	}
}

// TestRoundRobinWithUnhealthyBackend tests round-robin only selects healthy backends
func TestRoundRobinWithUnhealthyBackend(t *testing.T) {
	backends := newBackends(2)

	// Mark first backend unhealthy
	backends[0].SetHealthy(false)

	strategy := NewRoundRobinStrategy()

	// All 50 selections should go to the second backend
	for i := 0; i < 50; i++ {
		selected := strategy.Select(backends)
		if selected == nil {
			t.Fatal("Strategy returned nil backend")
		}
		if selected != backends[1] {
			t.Errorf("Selected unhealthy backend: %s", selected)
		}
	}
}

// TestRoundRobinCounterOverflow tests selection stays valid after the counter wraps
func TestRoundRobinCounterOverflow(t *testing.T) {
	backends := newBackends(3)
	strategy := NewRoundRobinStrategy()
	strategy.counter.Store(^uint64(0) - 2)

	for i := 0; i < 10; i++ {
		if strategy.Select(backends) == nil {
			t.Fatal("Strategy returned nil after counter wrap")
		}
	}
}

// TestNoHealthyBackends tests both strategies on empty and all-down input
func TestNoHealthyBackends(t *testing.T) {
	down := newBackends(2)
	for _, b := range down {
		b.SetHealthy(false)
	}

	strategies := []Strategy{NewRoundRobinStrategy(), NewLeastConnectionsStrategy()}
	for _, strategy := range strategies {
		if strategy.Select(nil) != nil {
			t.Errorf("%s: nil input should yield no backend", strategy.Name())
		}
		if strategy.Select([]*backend.Backend{}) != nil {
			t.Errorf("%s: empty input should yield no backend", strategy.Name())
		}
		if strategy.Select(down) != nil {
			t.Errorf("%s: all-unhealthy input should yield no backend", strategy.Name())
		}
	}
}

// TestRoundRobinConcurrency tests concurrent callers observe distinct counter values
func TestRoundRobinConcurrency(t *testing.T) {
	backends := newBackends(5)
	strategy := NewRoundRobinStrategy()

	counts := make(map[int]int)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				selected := strategy.Select(backends)
				mu.Lock()
				counts[selected.Port]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	// 1000 distinct counter values spread exactly evenly over 5 backends
	for _, b := range backends {
		if counts[b.Port] != 200 {
			t.Errorf("Backend %s: expected 200 selections, got %d", b, counts[b.Port])
		}
	}
}

// TestLeastConnections tests the least connections strategy
func TestLeastConnections(t *testing.T) {
	backends := newBackends(3)

	// Add active connections: b1=5, b2=3, b3=10
	for i, n := range []int{5, 3, 10} {
		for j := 0; j < n; j++ {
			backends[i].IncrementConnections()
		}
	}

	strategy := NewLeastConnectionsStrategy()

	// Should select b2 (3 connections)
	selected := strategy.Select(backends)
	if selected == nil {
		t.Fatal("Strategy returned nil backend")
	}
	if selected != backends[1] {
		t.Errorf("Expected b2 (3 connections), got %s", selected)
	}

	// Unhealthy minimum is skipped
	backends[1].SetHealthy(false)
	if selected := strategy.Select(backends); selected != backends[0] {
		t.Errorf("Expected b1 (5 connections), got %s", selected)
	}
}

// TestLeastConnectionsTieBreak tests ties go to the first candidate
func TestLeastConnectionsTieBreak(t *testing.T) {
	backends := newBackends(3)
	strategy := NewLeastConnectionsStrategy()

	if selected := strategy.Select(backends); selected != backends[0] {
		t.Errorf("Expected first backend on tie, got %s", selected)
	}

	backends[0].IncrementConnections()
	if selected := strategy.Select(backends); selected != backends[1] {
		t.Errorf("Expected second backend, got %s", selected)
	}
}

// TestLeastConnectionsIsMinimum tests the property over varied loads
func TestLeastConnectionsIsMinimum(t *testing.T) {
	strategy := NewLeastConnectionsStrategy()

	for round := 0; round < 20; round++ {
		backends := newBackends(4)
		for i, b := range backends {
			for j := 0; j < (i*7+round*3)%5; j++ {
				b.IncrementConnections()
			}
			if (i+round)%3 == 0 {
				b.SetHealthy(false)
			}
		}

		selected := strategy.Select(backends)
		for _, b := range backends {
			if !b.IsHealthy() {
				continue
			}
			if selected == nil {
				t.Fatalf("Round %d: nil with healthy candidates", round)
			}
			if selected.ActiveConnections() > b.ActiveConnections() {
				t.Errorf("Round %d: selected %s (%d) but %s has %d", round,
					selected, selected.ActiveConnections(), b, b.ActiveConnections())
			}
		}
	}
}

// TestStrategiesDoNotMutate tests selection leaves counters alone
func TestStrategiesDoNotMutate(t *testing.T) {
	backends := newBackends(2)
	for _, strategy := range []Strategy{NewRoundRobinStrategy(), NewLeastConnectionsStrategy()} {
		for i := 0; i < 10; i++ {
			strategy.Select(backends)
		}
	}
	for _, b := range backends {
		if b.ActiveConnections() != 0 {
			t.Errorf("Backend %s counter changed to %d", b, b.ActiveConnections())
		}
	}
}

// TestNewStrategy tests name lookup and the round-robin fallback
func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name     string
		wantName string
		wantOK   bool
	}{
		{"round-robin", RoundRobin, true},
		{"least-connections", LeastConnections, true},
		{"weighted", RoundRobin, false},
		{"", RoundRobin, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.name), func(t *testing.T) {
			strategy, ok := NewStrategy(tt.name)
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if strategy.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", strategy.Name(), tt.wantName)
			}
		})
	}
}
