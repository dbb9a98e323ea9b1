package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Nash0810/tcpbalance/internal/backend"
	"github.com/Nash0810/tcpbalance/internal/logging"
	"github.com/Nash0810/tcpbalance/internal/metrics"
)

// ErrAlreadyRunning is returned by Start on a running monitor
var ErrAlreadyRunning = errors.New("health monitor already running")

// stopGrace is added to the probe timeout when Stop waits for the loop
const stopGrace = time.Second

// Prober checks whether address is reachable. It must return once ctx is
// done; the monitor runs it inline and Stop waits for it.
type Prober func(ctx context.Context, address string) error

// TCPProbe succeeds when a TCP handshake with address completes before ctx expires
func TCPProbe(ctx context.Context, address string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Monitor periodically probes every registered backend and writes the
// result into the registry.
type Monitor struct {
	registry  *backend.Registry
	collector *metrics.Collector // Prometheus metrics, may be nil
	logger    *logging.Logger
	probe     Prober

	mu      sync.Mutex
	running bool
	timeout time.Duration
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewMonitor creates a stopped monitor that probes with TCPProbe
func NewMonitor(registry *backend.Registry, collector *metrics.Collector, logger *logging.Logger) *Monitor {
	return &Monitor{
		registry:  registry,
		collector: collector,
		logger:    logger,
		probe:     TCPProbe,
	}
}

// SetProber replaces the probe function. Call before Start.
func (m *Monitor) SetProber(p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = p
}

// Start runs a probe cycle immediately and then once per interval.
func (m *Monitor) Start(interval, timeout time.Duration) error {
	if interval <= 0 || timeout <= 0 {
		return fmt.Errorf("invalid health check timing: interval=%s timeout=%s", interval, timeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.timeout = timeout
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.cancel = cancel

	go m.loop(ctx, interval, timeout, m.probe, m.stopCh, m.done)

	m.logger.Info("health_monitor_started",
		"interval", interval.String(),
		"timeout", timeout.String())
	return nil
}

// Stop ends the probe loop. It lets the in-flight cycle finish for up to the
// probe timeout plus a grace period, then cancels outstanding probes and
// waits for them to return. No probe is running once Stop returns. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, done, cancel, timeout := m.stopCh, m.done, m.cancel, m.timeout
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-done:
	case <-time.After(timeout + stopGrace):
		m.logger.Warn("health_monitor_stop_forced")
		cancel()
		<-done
	}
	cancel()

	m.logger.Info("health_monitor_stopped")
}

// IsRunning reports whether the probe loop is active
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, interval, timeout time.Duration, probe Prober,
	stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.checkAll(ctx, timeout, probe)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx, timeout, probe)
		}
	}
}

// checkAll probes every registered backend concurrently and waits for all
// probes to finish. Each probe is bounded by its own timeout.
func (m *Monitor) checkAll(ctx context.Context, timeout time.Duration, probe Prober) {
	var g errgroup.Group
	for _, b := range m.registry.All() {
		g.Go(func() error {
			m.check(ctx, b, timeout, probe)
			return nil
		})
	}
	g.Wait()
}

func (m *Monitor) check(ctx context.Context, b *backend.Backend, timeout time.Duration, probe Prober) {
	addr := b.Address()
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := probe(probeCtx, addr)
	duration := time.Since(start)

	// Cancelled by Stop, the outcome says nothing about the backend
	if ctx.Err() != nil {
		return
	}

	healthy := err == nil
	next := backend.Healthy
	if !healthy {
		next = backend.Unhealthy
	}
	previous := b.GetState()
	changed := b.SetHealthy(healthy)

	if m.collector != nil {
		outcome := "success"
		if !healthy {
			outcome = "failure"
		}
		m.collector.HealthCheckTotal.WithLabelValues(addr, outcome).Inc()
		m.collector.HealthCheckDuration.WithLabelValues(addr).Observe(duration.Seconds())
		if changed {
			m.collector.HealthTransitionsTotal.WithLabelValues(addr, next.String()).Inc()
		}
	}

	if !changed {
		if !healthy {
			m.logger.Debug("health_check_failed", "backend", addr, "error", err.Error())
		}
		return
	}

	if healthy {
		m.logger.Info("health_state_transition",
			"backend", addr,
			"old_state", previous.String(),
			"new_state", next.String())
		return
	}
	m.logger.Warn("health_state_transition",
		"backend", addr,
		"old_state", previous.String(),
		"new_state", next.String(),
		"error", err.Error())
}
