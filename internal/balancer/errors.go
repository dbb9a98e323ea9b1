package balancer

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a running balancer
	ErrAlreadyRunning = errors.New("balancer already running")

	// ErrServerClosed is returned by Start after Stop
	ErrServerClosed = errors.New("balancer closed")

	// ErrDialFailed wraps backend dial errors reported by a relay
	ErrDialFailed = errors.New("backend dial failed")
)
