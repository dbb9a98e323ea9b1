package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Nash0810/tcpbalance/internal/backend"
)

// Config represents the load balancer configuration
type Config struct {
	Port            int               `yaml:"port"`             // Listen port
	ListenAddress   string            `yaml:"listen_address"`   // Optional bind host
	Algorithm       string            `yaml:"algorithm"`        // round-robin | least-connections
	HealthCheck     HealthCheckConfig `yaml:"health_check"`     // Health check configuration
	Backends        []BackendConfig   `yaml:"backends"`         // Static backend list
	MaxConnections  int               `yaml:"max_connections"`  // 0 = unlimited
	AcceptRate      float64           `yaml:"accept_rate"`      // New connections per second, 0 = unlimited
	AcceptBurst     int               `yaml:"accept_burst"`     // Burst for accept_rate
	BufferSize      int               `yaml:"buffer_size"`      // Relay chunk size in bytes
	ShutdownTimeout int               `yaml:"shutdown_timeout"` // Seconds
	Admin           AdminConfig       `yaml:"admin"`            // Admin HTTP server
	LogLevel        string            `yaml:"log_level"`        // debug | info | warn | error
}

// BackendConfig represents a single backend configuration
type BackendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// HealthCheckConfig defines health check parameters
type HealthCheckConfig struct {
	Interval int `yaml:"interval"` // Seconds between cycle starts
	Timeout  int `yaml:"timeout"`  // Per-probe timeout in seconds
}

// AdminConfig configures the management HTTP server
type AdminConfig struct {
	Port int `yaml:"port"` // 0 disables the server
}

// Address returns host:port for the backend entry
func (bc BackendConfig) Address() string {
	return net.JoinHostPort(bc.Host, strconv.Itoa(bc.Port))
}

// ListenAddr returns the address the balancer binds
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// AdminAddr returns the admin server address, empty when disabled
func (c *Config) AdminAddr() string {
	if c.Admin.Port == 0 {
		return ""
	}
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Admin.Port))
}

// HealthInterval returns the health check interval as a duration
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthCheck.Interval) * time.Second
}

// HealthTimeout returns the per-probe timeout as a duration
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.HealthCheck.Timeout) * time.Second
}

// ShutdownWait returns the bounded shutdown wait as a duration
func (c *Config) ShutdownWait() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// BuildBackends converts backend entries into fresh healthy Backends
func (c *Config) BuildBackends() []*backend.Backend {
	backends := make([]*backend.Backend, 0, len(c.Backends))
	for _, bc := range c.Backends {
		backends = append(backends, backend.NewBackend(bc.Host, bc.Port))
	}
	return backends
}

// Validate checks ranges and required fields. Duplicate backends are allowed.
func (c *Config) Validate() error {
	var errs []error

	if !validPort(c.Port) {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}
	if c.Admin.Port != 0 && !validPort(c.Admin.Port) {
		errs = append(errs, fmt.Errorf("admin port %d out of range 0-65535", c.Admin.Port))
	}
	if c.Admin.Port != 0 && c.Admin.Port == c.Port {
		errs = append(errs, fmt.Errorf("admin port %d collides with listen port", c.Admin.Port))
	}
	if c.HealthCheck.Interval <= 0 {
		errs = append(errs, fmt.Errorf("health_check.interval must be positive, got %d", c.HealthCheck.Interval))
	}
	if c.HealthCheck.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("health_check.timeout must be positive, got %d", c.HealthCheck.Timeout))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections))
	}
	if c.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("accept_rate must not be negative, got %g", c.AcceptRate))
	}
	if c.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer_size must not be negative, got %d", c.BufferSize))
	}

	for i, bc := range c.Backends {
		if bc.Host == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: host is required", i))
		}
		if !validPort(bc.Port) {
			errs = append(errs, fmt.Errorf("backends[%d]: port %d out of range 1-65535", i, bc.Port))
		}
	}

	return errors.Join(errs...)
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
