package balancer

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Nash0810/tcpbalance/internal/backend"
)

// testBackend is a loopback TCP server. It writes greeting on accept, then
// either hangs up or echoes.
type testBackend struct {
	ln       net.Listener
	greeting string
	hangup   bool

	mu     sync.Mutex
	conns  []net.Conn
	wg     sync.WaitGroup
	closed bool
}

func startEchoBackend(t *testing.T) *testBackend {
	return newTestBackend(t, "", false)
}

// startTestBackend starts a backend that writes greeting and hangs up
func startTestBackend(t *testing.T, greeting string) *testBackend {
	return newTestBackend(t, greeting, true)
}

// startTaggedBackend starts an echo backend that announces itself with tag first
func startTaggedBackend(t *testing.T, tag string) *testBackend {
	return newTestBackend(t, tag, false)
}

func newTestBackend(t *testing.T, greeting string, hangup bool) *testBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tb := &testBackend{ln: ln, greeting: greeting, hangup: hangup}
	tb.wg.Add(1)
	go tb.serve()
	t.Cleanup(tb.Close)
	return tb
}

func (tb *testBackend) serve() {
	defer tb.wg.Done()
	for {
		conn, err := tb.ln.Accept()
		if err != nil {
			return
		}

		tb.mu.Lock()
		if tb.closed {
			tb.mu.Unlock()
			conn.Close()
			return
		}
		tb.conns = append(tb.conns, conn)
		tb.wg.Add(1)
		tb.mu.Unlock()

		go func() {
			defer tb.wg.Done()
			defer conn.Close()
			if tb.greeting != "" {
				if _, err := io.WriteString(conn, tb.greeting); err != nil || tb.hangup {
					return
				}
			}
			io.Copy(conn, conn)
		}()
	}
}

func (tb *testBackend) Backend() *backend.Backend {
	addr := tb.ln.Addr().(*net.TCPAddr)
	return backend.NewBackend("127.0.0.1", addr.Port)
}

// Close stops accepting and drops every open connection
func (tb *testBackend) Close() {
	tb.mu.Lock()
	if tb.closed {
		tb.mu.Unlock()
		return
	}
	tb.closed = true
	conns := tb.conns
	tb.mu.Unlock()

	tb.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	tb.wg.Wait()
}

// unusedPort returns a loopback port with nothing listening on it
func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// tcpPair returns both ends of a loopback TCP connection
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func newTestBuffers(size int) *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, size)
			return &buf
		},
	}
}

// roundTrip writes msg and reads back len(msg) bytes
func roundTrip(conn net.Conn, msg string) (string, error) {
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetDeadline(time.Time{})

	if _, err := io.WriteString(conn, msg); err != nil {
		return "", err
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// requireClosedByPeer asserts the peer closed conn rather than leaving it hanging
func requireClosedByPeer(t *testing.T, conn net.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was left open instead of being closed")
		}
		return
	}
}

func dialBalancer(t *testing.T, lb *Balancer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", lb.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}
