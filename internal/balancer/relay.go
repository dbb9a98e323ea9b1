package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Nash0810/tcpbalance/internal/backend"
	"github.com/Nash0810/tcpbalance/internal/logging"
	"github.com/Nash0810/tcpbalance/internal/metrics"
)

var errRelayReused = errors.New("relay already started")

// Relay bridges one client connection to one backend connection.
// It is single-use: Run may be called once.
type Relay struct {
	ID      string
	client  net.Conn
	backend *backend.Backend

	buffers   *sync.Pool // *[]byte chunks
	collector *metrics.Collector
	logger    *logging.Logger
	onDone    func(*Relay)

	started atomic.Bool

	mu       sync.Mutex
	upstream net.Conn
	closed   bool
}

func newRelay(client net.Conn, b *backend.Backend, buffers *sync.Pool,
	collector *metrics.Collector, logger *logging.Logger, onDone func(*Relay)) *Relay {
	id := uuid.New().String()
	return &Relay{
		ID:        id,
		client:    client,
		backend:   b,
		buffers:   buffers,
		collector: collector,
		logger: logger.With(
			"relay_id", id,
			"backend", b.Address(),
			"client", client.RemoteAddr().String()),
		onDone: onDone,
	}
}

// Backend returns the backend this relay was dispatched to
func (r *Relay) Backend() *backend.Backend {
	return r.backend
}

// Run dials the backend and copies bytes in both directions until either
// side finishes. A dial failure closes the client and returns an error
// wrapping ErrDialFailed; the backend counter is untouched in that case.
// EOF and closed-connection errors are reported as nil.
func (r *Relay) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errRelayReused
	}
	if r.onDone != nil {
		defer r.onDone(r)
	}

	addr := r.backend.Address()
	var dialer net.Dialer
	upstream, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		r.Close()
		return fmt.Errorf("%w: %s: %w", ErrDialFailed, addr, err)
	}
	if !r.attach(upstream) {
		// Closed while dialing
		upstream.Close()
		return net.ErrClosed
	}

	r.backend.IncrementConnections()
	defer r.backend.DecrementConnections()

	start := time.Now()
	var duration prometheus.Observer
	if r.collector != nil {
		active := r.collector.ActiveRelays.WithLabelValues(addr)
		active.Inc()
		defer active.Dec()
		duration = r.collector.RelayDuration.WithLabelValues(addr)
	}

	var upCounter, downCounter prometheus.Counter
	if r.collector != nil {
		upCounter = r.collector.BytesTotal.WithLabelValues(addr, metrics.DirectionUpstream)
		downCounter = r.collector.BytesTotal.WithLabelValues(addr, metrics.DirectionDownstream)
	}
	fromClient := metrics.NewCountingConn(r.client, upCounter)
	fromBackend := metrics.NewCountingConn(upstream, downCounter)

	r.logger.Debug("relay_opened")

	errCh := make(chan error, 2)
	go func() { errCh <- r.pipe(upstream, fromClient) }()
	go func() { errCh <- r.pipe(r.client, fromBackend) }()

	// First direction to finish tears down both sockets, which unblocks the other
	firstErr := <-errCh
	r.Close()
	<-errCh

	elapsed := time.Since(start)
	if duration != nil {
		duration.Observe(elapsed.Seconds())
	}

	r.logger.Debug("relay_closed",
		"bytes_in", fromClient.BytesRead(),
		"bytes_out", fromBackend.BytesRead(),
		"duration_ms", elapsed.Milliseconds())

	return firstErr
}

// Close force-closes both sockets. Safe to call concurrently and repeatedly.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	upstream := r.upstream
	r.mu.Unlock()

	r.client.Close()
	if upstream != nil {
		upstream.Close()
	}
}

// attach stores the dialed backend socket unless the relay was already closed
func (r *Relay) attach(upstream net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.upstream = upstream
	return true
}

// pipe copies src to dst one chunk at a time, writing each chunk fully
// before the next read.
func (r *Relay) pipe(dst net.Conn, src io.Reader) error {
	bufp := r.buffers.Get().(*[]byte)
	defer r.buffers.Put(bufp)
	buf := *bufp

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return closedIsNil(writeErr)
			}
		}
		if readErr != nil {
			return closedIsNil(readErr)
		}
	}
}

// closedIsNil maps EOF and use-of-closed-connection errors to nil
func closedIsNil(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
