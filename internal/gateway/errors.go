package gateway

import "errors"

var (
	// ErrGatewayNotStopped is returned by Start unless the gateway is stopped.
	ErrGatewayNotStopped = errors.New("gateway is not in stopped state")
	// ErrGatewayNotRunning is returned by Stop unless the gateway is running.
	ErrGatewayNotRunning = errors.New("gateway is not running")
	ErrNilConfig         = errors.New("configuration is required")
	ErrNilHandler        = errors.New("broadcast handler is required")
	// ErrListenerRunning is returned by a second Start on a serving listener.
	ErrListenerRunning = errors.New("listener is already running")
)
