package metrics

import (
	"net"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay directions used as the "direction" label on BytesTotal
const (
	DirectionUpstream   = "client_to_backend"
	DirectionDownstream = "backend_to_client"
)

// CountingConn wraps net.Conn to count bytes read from it
type CountingConn struct {
	net.Conn
	counter prometheus.Counter // may be nil
	n       atomic.Int64
}

// NewCountingConn wraps conn; every successful Read adds to counter
func NewCountingConn(conn net.Conn, counter prometheus.Counter) *CountingConn {
	return &CountingConn{
		Conn:    conn,
		counter: counter,
	}
}

// Read implements io.Reader
func (c *CountingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.n.Add(int64(n))
		if c.counter != nil {
			c.counter.Add(float64(n))
		}
	}
	return n, err
}

// BytesRead returns the total bytes read so far
func (c *CountingConn) BytesRead() int64 {
	return c.n.Load()
}
