package backend

import (
	"time"
)

// HealthState represents the health status of a backend
type HealthState int

const (
	// Healthy means the last probe connected
	Healthy HealthState = iota

	// Unhealthy means the last probe failed or timed out
	Unhealthy
)

// String returns the state name used in logs and metric labels
func (hs HealthState) String() string {
	switch hs {
	case Healthy:
		return "HEALTHY"
	case Unhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// HealthMetrics is the probe history of one backend, written by SetHealthy
type HealthMetrics struct {
	ConsecutiveSuccesses int       // Probes that connected since the last failure
	ConsecutiveFailures  int       // Probes that failed since the last success
	LastCheck            time.Time // Zero until the first probe
	LastSuccess          time.Time
	LastFailure          time.Time
}
