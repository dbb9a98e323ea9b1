package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection outcomes recorded on ConnectionsTotal
const (
	ResultRelayed      = "relayed"
	ResultNoBackend    = "no_backend"
	ResultDialFailed   = "dial_failed"
	ResultLimitReached = "limit_reached"
	ResultRateLimited  = "rate_limited"
	ResultAborted      = "aborted"
)

// Collector holds all Prometheus metrics
type Collector struct {
	// Connection metrics
	ConnectionsTotal  *prometheus.CounterVec
	ActiveRelays      *prometheus.GaugeVec
	RelayDuration     *prometheus.HistogramVec
	BytesTotal        *prometheus.CounterVec
	ServerConnections prometheus.Gauge

	// Backend metrics
	BackendState       *prometheus.GaugeVec
	BackendConnections *prometheus.GaugeVec
	BackendsTotal      prometheus.Gauge
	BackendsHealthy    prometheus.Gauge

	// Health check metrics
	HealthCheckTotal       *prometheus.CounterVec
	HealthCheckDuration    *prometheus.HistogramVec
	HealthTransitionsTotal *prometheus.CounterVec
}

// NewCollector creates all metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpbalance_connections_total",
				Help: "Total number of accepted client connections by outcome",
			},
			[]string{"backend", "result"},
		),

		ActiveRelays: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tcpbalance_active_relays",
				Help: "Number of live relays per backend",
			},
			[]string{"backend"},
		),

		RelayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tcpbalance_relay_duration_seconds",
				Help:    "Relay lifetime in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800},
			},
			[]string{"backend"},
		),

		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpbalance_bytes_total",
				Help: "Bytes relayed per backend and direction",
			},
			[]string{"backend", "direction"},
		),

		ServerConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tcpbalance_server_active_connections",
				Help: "Relays currently tracked by the server",
			},
		),

		BackendState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tcpbalance_backend_healthy",
				Help: "Backend health state (1=HEALTHY, 0=UNHEALTHY)",
			},
			[]string{"backend"},
		),

		BackendConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tcpbalance_backend_connections",
				Help: "Active connections per backend as seen by the registry",
			},
			[]string{"backend"},
		),

		BackendsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tcpbalance_backends_total",
				Help: "Number of registered backends",
			},
		),

		BackendsHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tcpbalance_backends_healthy",
				Help: "Number of healthy backends",
			},
		),

		HealthCheckTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpbalance_health_checks_total",
				Help: "Total number of health probes",
			},
			[]string{"backend", "result"},
		),

		HealthCheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tcpbalance_health_check_duration_seconds",
				Help:    "Health probe duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"backend"},
		),

		HealthTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpbalance_health_transitions_total",
				Help: "Backend health state transitions",
			},
			[]string{"backend", "to"},
		),
	}
}

// ForgetBackend deletes every series labelled with the backend address
func (c *Collector) ForgetBackend(addr string) {
	labels := prometheus.Labels{"backend": addr}
	c.ConnectionsTotal.DeletePartialMatch(labels)
	c.ActiveRelays.DeletePartialMatch(labels)
	c.RelayDuration.DeletePartialMatch(labels)
	c.BytesTotal.DeletePartialMatch(labels)
	c.BackendState.DeletePartialMatch(labels)
	c.BackendConnections.DeletePartialMatch(labels)
	c.HealthCheckTotal.DeletePartialMatch(labels)
	c.HealthCheckDuration.DeletePartialMatch(labels)
	c.HealthTransitionsTotal.DeletePartialMatch(labels)
}
