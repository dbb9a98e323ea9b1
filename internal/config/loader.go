package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-valued fields
const (
	DefaultPort            = 8080
	DefaultAlgorithm       = "round-robin"
	DefaultHealthInterval  = 5
	DefaultHealthTimeout   = 2
	DefaultBufferSize      = 8192
	DefaultShutdownTimeout = 5
	DefaultLogLevel        = "info"
)

// LoadConfig reads YAML file, applies defaults and validates the result
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = DefaultHealthInterval
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = DefaultHealthTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}
