package balancer

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nash0810/tcpbalance/internal/backend"
	"github.com/Nash0810/tcpbalance/internal/health"
	"github.com/Nash0810/tcpbalance/internal/logging"
	"github.com/Nash0810/tcpbalance/internal/metrics"
)

const (
	e2eInterval = 100 * time.Millisecond
	e2eTimeout  = 200 * time.Millisecond
)

// identify writes msg and returns the first len(msg) bytes that come back.
// The echo backend returns msg, the tagged backend its tag.
func identify(t *testing.T, lb *Balancer, msg string) string {
	t.Helper()
	conn := dialBalancer(t, lb)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := io.WriteString(conn, msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

// TestE2EFailoverToEchoBackend tests routing, failover and fail-fast through
// the balancer with a live health monitor
func TestE2EFailoverToEchoBackend(t *testing.T) {
	echo := startEchoBackend(t)
	other := startTaggedBackend(t, "pong")

	registry := backend.NewRegistry()
	registry.Add(echo.Backend())
	registry.Add(other.Backend())

	logger := logging.NewNop()
	collector := metrics.NewCollector(prometheus.NewRegistry())

	lb := NewBalancer(registry, NewRoundRobinStrategy(),
		Config{ListenAddress: "127.0.0.1:0"}, collector, logger)
	require.NoError(t, lb.Start())
	defer lb.Stop()

	monitor := health.NewMonitor(registry, collector, logger)
	require.NoError(t, monitor.Start(e2eInterval, e2eTimeout))
	defer monitor.Stop()

	// Both backends serve while healthy
	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		seen[identify(t, lb, "ping")]++
	}
	assert.Equal(t, 2, seen["ping"], "echo backend share")
	assert.Equal(t, 2, seen["pong"], "tagged backend share")

	// Losing one backend leaves only the echoer
	other.Close()
	assert.Eventually(t, func() bool {
		_, healthy := registry.Counts()
		return healthy == 1
	}, 2*(e2eInterval+e2eTimeout), 10*time.Millisecond)
	assert.True(t, lb.Stats().Up)

	for i := 0; i < 4; i++ {
		assert.Equal(t, "ping", identify(t, lb, "ping"))
	}

	// Losing both makes new clients close immediately
	echo.Close()
	assert.Eventually(t, func() bool {
		_, healthy := registry.Counts()
		return healthy == 0
	}, 2*(e2eInterval+e2eTimeout), 10*time.Millisecond)
	assert.False(t, lb.Stats().Up)

	begin := time.Now()
	requireClosedByPeer(t, dialBalancer(t, lb))
	assert.Less(t, time.Since(begin), time.Second)

	for _, b := range registry.All() {
		assert.EqualValues(t, 0, b.ActiveConnections(), "backend %s", b)
	}
}

// TestE2ELeastConnections tests new clients go to the backend with fewer live relays
func TestE2ELeastConnections(t *testing.T) {
	busy := startTaggedBackend(t, "busy")
	idle := startTaggedBackend(t, "idle")

	registry := backend.NewRegistry()
	registry.Add(busy.Backend())
	registry.Add(idle.Backend())

	lb := NewBalancer(registry, NewLeastConnectionsStrategy(),
		Config{ListenAddress: "127.0.0.1:0"}, nil, logging.NewNop())
	require.NoError(t, lb.Start())
	defer lb.Stop()

	// First client ties, goes to the first backend and stays open
	held := dialBalancer(t, lb)
	held.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	_, err := io.ReadFull(held, buf)
	require.NoError(t, err)
	assert.Equal(t, "busy", string(buf))

	for i := 0; i < 3; i++ {
		assert.Equal(t, "idle", identify(t, lb, "xxxx"))
		assert.Eventually(t, func() bool { return lb.ActiveConnections() == 1 },
			2*time.Second, 5*time.Millisecond)
	}

	held.Close()
	assert.Eventually(t, func() bool { return lb.ActiveConnections() == 0 },
		2*time.Second, 5*time.Millisecond)
}

// TestE2EManyConcurrentClients tests parallel relays all complete and counters settle
func TestE2EManyConcurrentClients(t *testing.T) {
	echo1 := startEchoBackend(t)
	echo2 := startEchoBackend(t)

	registry := backend.NewRegistry()
	registry.Add(echo1.Backend())
	registry.Add(echo2.Backend())

	lb := NewBalancer(registry, NewRoundRobinStrategy(),
		Config{ListenAddress: "127.0.0.1:0"}, nil, logging.NewNop())
	require.NoError(t, lb.Start())
	defer lb.Stop()

	const clients = 50
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			conn, err := net.Dial("tcp", lb.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_, err = roundTrip(conn, "concurrent")
			errs <- err
		}()
	}
	for i := 0; i < clients; i++ {
		require.NoError(t, <-errs)
	}

	assert.Eventually(t, func() bool {
		for _, b := range registry.All() {
			if b.ActiveConnections() != 0 {
				return false
			}
		}
		return lb.ActiveConnections() == 0
	}, 3*time.Second, 10*time.Millisecond)
}
