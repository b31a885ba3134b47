package beacon

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/insightlab/beacon/core/config"
)

// WebSocketConfig configures the tracker's realtime channel. A zero URL
// disables the channel entirely; events then go out over the HTTP batch
// path only.
type WebSocketConfig struct {
	URL                  string
	Reconnect            bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
}

// Config holds tracker configuration. APIURL and ProjectID are required;
// every other field has a usable default.
type Config struct {
	// APIURL is the HTTP collection endpoint base, e.g.
	// https://collect.example.com. Batches POST to APIURL + "/api/v1/events".
	APIURL string
	// ProjectID scopes storage keys and outbound batches.
	ProjectID string

	// FlushInterval is the background batch delivery period. Default 5s.
	FlushInterval time.Duration
	// BatchSize bounds events per HTTP delivery. Default 20.
	BatchSize int
	// SessionTimeout is the session inactivity window. Default 30m.
	SessionTimeout time.Duration
	// RequireConsent gates Track and PageView on a persisted consent
	// grant. Default false.
	RequireConsent bool

	// StorageDir, when set, enables the file persistence layer so
	// identity survives process restarts.
	StorageDir string
	// Redis, when set, enables the shared persistence layer with
	// cross-instance change notification. The client is caller-owned.
	Redis redis.UniversalClient

	WebSocket WebSocketConfig

	// HTTPClient delivers batches. Defaults to a client with a 10s
	// timeout.
	HTTPClient *http.Client

	// UserAgent, Referrer and LandingPage annotate new sessions.
	UserAgent   string
	Referrer    string
	LandingPage string
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c
}

type envConfig struct {
	APIURL         string        `env:"BEACON_API_URL"`
	ProjectID      string        `env:"BEACON_PROJECT_ID"`
	WebSocketURL   string        `env:"BEACON_WS_URL"`
	FlushInterval  time.Duration `env:"BEACON_FLUSH_INTERVAL" envDefault:"5s"`
	BatchSize      int           `env:"BEACON_BATCH_SIZE" envDefault:"20"`
	SessionTimeout time.Duration `env:"BEACON_SESSION_TIMEOUT" envDefault:"30m"`
	RequireConsent bool          `env:"BEACON_REQUIRE_CONSENT" envDefault:"false"`
	StorageDir     string        `env:"BEACON_STORAGE_DIR"`
	RedisURL       string        `env:"BEACON_REDIS_URL"`
}

// FromEnv builds a Config from BEACON_* environment variables. A set
// BEACON_REDIS_URL is parsed into a Redis client owned by the returned
// config's consumer.
func FromEnv() (Config, error) {
	var ec envConfig
	if err := config.Load(&ec); err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIURL:         ec.APIURL,
		ProjectID:      ec.ProjectID,
		FlushInterval:  ec.FlushInterval,
		BatchSize:      ec.BatchSize,
		SessionTimeout: ec.SessionTimeout,
		RequireConsent: ec.RequireConsent,
		StorageDir:     ec.StorageDir,
		WebSocket: WebSocketConfig{
			URL:       ec.WebSocketURL,
			Reconnect: ec.WebSocketURL != "",
		},
	}
	if ec.RedisURL != "" {
		opts, err := redis.ParseURL(ec.RedisURL)
		if err != nil {
			return Config{}, err
		}
		cfg.Redis = redis.NewClient(opts)
	}
	return cfg, nil
}
