package channel

import (
	"log/slog"
	"time"
)

// Fallback is a declarative HTTP fallback transport record. The channel
// only decides when to activate it; delivery is the responsibility of the
// batching flush path.
type Fallback struct {
	URL           string
	RetryInterval time.Duration
}

// Config holds connection channel configuration. Zero fields take the
// documented defaults.
type Config struct {
	// URL is the collection endpoint (ws:// or wss://).
	URL string
	// Reconnect enables automatic reconnection after an established
	// connection drops.
	Reconnect bool
	// ReconnectInterval is the backoff base; the delay before attempt k
	// is ReconnectInterval × 1.5^(k-1). Default 1s.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts bounds reconnection before the fallback
	// activates. Default 5.
	MaxReconnectAttempts int
	// HeartbeatInterval is the ping period while connected. Default 30s.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long to wait for the matching pong.
	// Default 5s.
	HeartbeatTimeout time.Duration
	// MaxMissedHeartbeats is the consecutive-miss budget before the
	// connection is treated as silently dead. Default 3.
	MaxMissedHeartbeats int
	// QueueSize bounds the outbound queue; overflow evicts the oldest
	// entry. Default 100.
	QueueSize int
	// QueueInterval is the retry processor period. Default 1s.
	QueueInterval time.Duration
	// RetryBackoff is the linear retry unit: a message's next retry is
	// attempts × RetryBackoff after a failure. Default 1s.
	RetryBackoff time.Duration
	// MaxRetries bounds delivery attempts per queued message. Default 3.
	MaxRetries int
	// ConnectTimeout bounds the open handshake; a half-open attempt is
	// aborted when it elapses. Default 10s.
	ConnectTimeout time.Duration
	// WriteTimeout bounds individual socket writes. Default 10s.
	WriteTimeout time.Duration
	// Fallback, when set, activates after the reconnect budget is spent.
	Fallback *Fallback
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.QueueInterval <= 0 {
		c.QueueInterval = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Option is a functional option for configuring a Channel.
type Option func(*Channel)

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source. Tests inject a controllable clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Channel) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithSessionContext wires the provider used to stamp outbound messages
// with the current session and visitor identity.
func WithSessionContext(fn func() (sessionID, visitorID string)) Option {
	return func(c *Channel) {
		c.sessionCtx = fn
	}
}
