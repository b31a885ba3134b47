package session

import (
	"log/slog"
	"time"

	"github.com/insightlab/beacon/pkg/fingerprint"
)

// Config holds session manager configuration.
type Config struct {
	// SessionTimeout is the idle window after which a session rotates.
	SessionTimeout time.Duration
	// HeartbeatInterval is how often this instance refreshes its entry in
	// the shared instance registry.
	HeartbeatInterval time.Duration
	// ReconcileInterval is how often the store is re-read to repair a
	// missed change notification.
	ReconcileInterval time.Duration
	// StaleAfter is the liveness window; registry entries with older
	// heartbeats are pruned.
	StaleAfter time.Duration
	// FingerprintEnabled turns device fingerprint validation on.
	FingerprintEnabled bool
	// CriticalFields is the fingerprint drift boundary that invalidates a
	// session. Defaults to fingerprint.DefaultCriticalFields.
	CriticalFields []fingerprint.Field
	// UserAgent identifies the embedding client, captured into new sessions.
	UserAgent string
	// Referrer and LandingPage are captured into new sessions.
	Referrer    string
	LandingPage string
}

func defaultConfig() Config {
	return Config{
		SessionTimeout:     30 * time.Minute,
		HeartbeatInterval:  10 * time.Second,
		ReconcileInterval:  5 * time.Second,
		StaleAfter:         60 * time.Second,
		FingerprintEnabled: true,
		CriticalFields:     fingerprint.DefaultCriticalFields,
	}
}

// Option is a functional option for configuring the session manager.
type Option func(*Manager)

// WithSessionTimeout sets the idle window after which a session rotates.
func WithSessionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cfg.SessionTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the registry heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cfg.HeartbeatInterval = d
		}
	}
}

// WithReconcileInterval sets the store reconciliation period.
func WithReconcileInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cfg.ReconcileInterval = d
		}
	}
}

// WithStaleAfter sets the registry liveness window.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cfg.StaleAfter = d
		}
	}
}

// WithFingerprint enables or disables fingerprint validation.
func WithFingerprint(enabled bool) Option {
	return func(m *Manager) {
		m.cfg.FingerprintEnabled = enabled
	}
}

// WithCriticalFields overrides which fingerprint fields invalidate a
// session on drift. The boundary is a product decision, so it stays
// configurable rather than hard-coded.
func WithCriticalFields(fields ...fingerprint.Field) Option {
	return func(m *Manager) {
		if len(fields) > 0 {
			m.cfg.CriticalFields = fields
		}
	}
}

// WithGenerator overrides how fingerprints are computed. Tests inject
// deterministic generators; production uses the host environment.
func WithGenerator(gen func() fingerprint.Fingerprint) Option {
	return func(m *Manager) {
		if gen != nil {
			m.generator = gen
		}
	}
}

// WithUserAgent sets the client identifier captured into new sessions.
func WithUserAgent(ua string) Option {
	return func(m *Manager) {
		m.cfg.UserAgent = ua
	}
}

// WithReferrer sets the referrer captured into new sessions.
func WithReferrer(referrer string) Option {
	return func(m *Manager) {
		m.cfg.Referrer = referrer
	}
}

// WithLandingPage sets the landing page captured into new sessions.
func WithLandingPage(page string) Option {
	return func(m *Manager) {
		m.cfg.LandingPage = page
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source. Tests inject a controllable clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}
