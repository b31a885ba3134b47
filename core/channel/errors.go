package channel

import "errors"

var (
	// ErrDestroyed is returned when operating on a destroyed channel.
	ErrDestroyed = errors.New("channel has been destroyed")
	// ErrMissingURL is returned when connecting without an endpoint.
	ErrMissingURL = errors.New("connection URL is required")
	// ErrConnectFailed wraps open handshake failures, including timeouts.
	ErrConnectFailed = errors.New("failed to establish connection")
	// ErrNotConnected is returned by direct writes on a closed socket.
	ErrNotConnected = errors.New("channel is not connected")
)
