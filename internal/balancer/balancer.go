package balancer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Nash0810/tcpbalance/internal/backend"
	"github.com/Nash0810/tcpbalance/internal/logging"
	"github.com/Nash0810/tcpbalance/internal/metrics"
)

const (
	// DefaultBufferSize is the relay chunk size
	DefaultBufferSize = 8 * 1024

	// DefaultShutdownTimeout bounds how long Stop waits for relays to exit
	DefaultShutdownTimeout = 5 * time.Second

	maxAcceptDelay = time.Second
)

// Config holds the listener and relay settings
type Config struct {
	ListenAddress   string        // host:port to bind, e.g. ":8080"
	MaxConnections  int           // Concurrent relay limit, 0 = unlimited
	AcceptRate      float64       // New connections per second, 0 = unlimited
	AcceptBurst     int           // Burst allowance for AcceptRate
	BufferSize      int           // Relay chunk size in bytes
	ShutdownTimeout time.Duration // Bounded wait on Stop
}

// Stats is the observability snapshot exposed to reporting collaborators
type Stats struct {
	TotalBackends     int  `json:"total_backends"`
	HealthyBackends   int  `json:"healthy_backends"`
	ActiveConnections int  `json:"active_connections"`
	Up                bool `json:"up"`
}

// Balancer owns the listening socket and routes each accepted connection to
// a backend chosen by its strategy.
type Balancer struct {
	registry  *backend.Registry
	strategy  Strategy
	config    Config
	collector *metrics.Collector // Prometheus metrics, may be nil
	logger    *logging.Logger    // Structured logger
	buffers   *sync.Pool
	limiter   *semaphore.Weighted // nil when unlimited
	throttle  *rate.Limiter       // nil when unlimited

	mu       sync.Mutex // Protects everything below
	listener net.Listener
	running  bool
	closed   bool
	active   map[net.Conn]*Relay // keyed by client connection
	ctx      context.Context     // cancelled on Stop, aborts pending dials
	cancel   context.CancelFunc
	wg       sync.WaitGroup // accept loop + relays
}

// NewBalancer creates a new balancer instance
func NewBalancer(registry *backend.Registry, strategy Strategy, cfg Config,
	collector *metrics.Collector, logger *logging.Logger) *Balancer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	bufferSize := cfg.BufferSize
	lb := &Balancer{
		registry:  registry,
		strategy:  strategy,
		config:    cfg,
		collector: collector,
		logger:    logger,
		active:    make(map[net.Conn]*Relay),
		buffers: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, bufferSize)
				return &buf
			},
		},
	}
	if cfg.MaxConnections > 0 {
		lb.limiter = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		lb.throttle = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return lb
}

// Start binds the listening address and runs the accept loop in the
// background. Bind failures are returned to the caller.
func (lb *Balancer) Start() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.closed {
		return ErrServerClosed
	}
	if lb.running {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", lb.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", lb.config.ListenAddress, err)
	}

	lb.listener = ln
	lb.running = true
	lb.ctx, lb.cancel = context.WithCancel(context.Background())

	lb.wg.Add(1)
	go lb.acceptLoop(ln)

	lb.logger.Info("server_started",
		"addr", ln.Addr().String(),
		"strategy", lb.strategy.Name(),
		"max_connections", lb.config.MaxConnections)
	return nil
}

// Stop closes the listener, force-closes every live relay and waits, bounded
// by the shutdown timeout, for the accept loop and relays to exit.
// Safe to call more than once and from any goroutine.
func (lb *Balancer) Stop() {
	lb.mu.Lock()
	lb.closed = true
	if !lb.running {
		lb.mu.Unlock()
		return
	}
	lb.running = false

	ln := lb.listener
	cancel := lb.cancel
	relays := make([]*Relay, 0, len(lb.active))
	for _, r := range lb.active {
		relays = append(relays, r)
	}
	lb.mu.Unlock()

	cancel()
	if err := ln.Close(); err != nil {
		lb.logger.Warn("listener_close_error", "error", err.Error())
	}
	for _, r := range relays {
		r.Close()
	}

	done := make(chan struct{})
	go func() {
		lb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lb.logger.Info("server_stopped", "closed_relays", len(relays))
	case <-time.After(lb.config.ShutdownTimeout):
		lb.logger.Warn("server_stop_timeout",
			"timeout", lb.config.ShutdownTimeout.String(),
			"remaining_relays", lb.ActiveConnections())
	}
}

// Addr returns the bound listener address, or nil before Start
func (lb *Balancer) Addr() net.Addr {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.listener == nil {
		return nil
	}
	return lb.listener.Addr()
}

// IsRunning reports whether the accept loop is active
func (lb *Balancer) IsRunning() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.running
}

// ActiveConnections returns the number of tracked relays
func (lb *Balancer) ActiveConnections() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.active)
}

// Stats returns backend counts, live relays and the composite up signal
func (lb *Balancer) Stats() Stats {
	total, healthy := lb.registry.Counts()
	return Stats{
		TotalBackends:     total,
		HealthyBackends:   healthy,
		ActiveConnections: lb.ActiveConnections(),
		Up:                total > 0 && healthy > 0,
	}
}

// acceptLoop runs until the listener is closed
func (lb *Balancer) acceptLoop(ln net.Listener) {
	defer lb.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !lb.IsRunning() {
				return
			}

			// Transient failure such as EMFILE, back off like net/http
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			lb.logger.Warn("accept_error", "error", err.Error(), "retry_in", delay.String())
			time.Sleep(delay)
			continue
		}
		delay = 0

		lb.dispatch(conn)
	}
}

// dispatch selects a backend for conn and hands both to a new relay.
// Connections are closed immediately when nothing can serve them.
func (lb *Balancer) dispatch(conn net.Conn) {
	if lb.throttle != nil && !lb.throttle.Allow() {
		lb.reject(conn, metrics.ResultRateLimited, "accept_rate_exceeded")
		return
	}
	if lb.limiter != nil && !lb.limiter.TryAcquire(1) {
		lb.reject(conn, metrics.ResultLimitReached, "connection_limit_reached")
		return
	}

	selected := lb.strategy.Select(lb.registry.Healthy())
	if selected == nil {
		lb.release()
		lb.reject(conn, metrics.ResultNoBackend, "no_healthy_backends_available")
		return
	}

	relay := newRelay(conn, selected, lb.buffers, lb.collector, lb.logger, lb.relayDone)

	lb.mu.Lock()
	if !lb.running {
		lb.mu.Unlock()
		lb.release()
		conn.Close()
		return
	}
	lb.active[conn] = relay
	lb.wg.Add(1)
	ctx := lb.ctx
	lb.mu.Unlock()

	go lb.runRelay(ctx, relay)
}

// runRelay executes one relay and records its outcome
func (lb *Balancer) runRelay(ctx context.Context, relay *Relay) {
	defer lb.wg.Done()

	addr := relay.Backend().Address()
	err := relay.Run(ctx)

	result := relayResult(ctx, err)
	switch result {
	case metrics.ResultDialFailed:
		lb.logger.Warn("backend_dial_failed",
			"relay_id", relay.ID,
			"backend", addr,
			"error", err.Error())
	case metrics.ResultAborted:
		lb.logger.Debug("relay_aborted",
			"relay_id", relay.ID,
			"backend", addr)
	default:
		if err != nil {
			lb.logger.Debug("relay_error",
				"relay_id", relay.ID,
				"backend", addr,
				"error", err.Error())
		}
	}

	if lb.collector != nil {
		lb.collector.ConnectionsTotal.WithLabelValues(addr, result).Inc()
	}
}

// relayResult classifies a finished relay. Dials cut short by Stop and relays
// closed before the backend socket was attached count as aborted.
func relayResult(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return metrics.ResultRelayed
	case errors.Is(err, net.ErrClosed):
		return metrics.ResultAborted
	case errors.Is(err, ErrDialFailed):
		if ctx.Err() != nil {
			return metrics.ResultAborted
		}
		return metrics.ResultDialFailed
	default:
		return metrics.ResultRelayed
	}
}

// relayDone drops a finished relay from the active set
func (lb *Balancer) relayDone(relay *Relay) {
	lb.release()

	lb.mu.Lock()
	delete(lb.active, relay.client)
	lb.mu.Unlock()
}

// reject closes a client connection that will not be relayed
func (lb *Balancer) reject(conn net.Conn, result, event string) {
	lb.logger.Debug(event, "client", conn.RemoteAddr().String())
	conn.Close()

	if lb.collector != nil {
		lb.collector.ConnectionsTotal.WithLabelValues("none", result).Inc()
	}
}

func (lb *Balancer) release() {
	if lb.limiter != nil {
		lb.limiter.Release(1)
	}
}
