package kvstore

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Store layers a chain of backends behind a forgiving key/value API.
// Every failure is swallowed: Set falls through to the next backend,
// Get returns a miss, Remove and Clear are best-effort. See the package
// documentation for the rationale.
type Store struct {
	backends []Backend
	prefix   string
	clock    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	watchers map[int]func(key, value string)
	nextID   int
	cancels  []func()
	watching bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger configures structured logging for backend failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a store over the given backend chain, most durable first.
// Keys are namespaced under a per-project prefix. An empty chain falls
// back to a single bounded in-memory backend.
func New(projectID string, backends []Backend, opts ...Option) *Store {
	if len(backends) == 0 {
		backends = []Backend{NewMemoryBackend(0)}
	}
	s := &Store{
		backends: backends,
		prefix:   "bk:" + projectID + ":",
		clock:    time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		watchers: make(map[int]func(key, value string)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// envelope wraps stored values with an optional expiry deadline in unix
// milliseconds.
type envelope struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Get returns the value for key, trying backends in durability order.
// Expired entries count as misses and are deleted from the backend that
// served them.
func (s *Store) Get(key string) (string, bool) {
	full := s.prefix + key
	for _, b := range s.backends {
		raw, ok, err := b.Load(full)
		if err != nil {
			s.logger.Debug("kvstore: backend load failed", slog.String("key", key), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			s.logger.Debug("kvstore: corrupt envelope", slog.String("key", key))
			_ = b.Delete(full)
			continue
		}
		if env.ExpiresAt > 0 && s.clock().UnixMilli() > env.ExpiresAt {
			_ = b.Delete(full)
			continue
		}
		return env.Value, true
	}
	return "", false
}

// Set stores value under key, writing to the first backend that accepts
// it. A zero ttl means the entry never expires.
func (s *Store) Set(key, value string, ttl time.Duration) {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = s.clock().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Debug("kvstore: envelope encode failed", slog.String("key", key), slog.Any("error", err))
		return
	}

	full := s.prefix + key
	for _, b := range s.backends {
		if err := b.Store(full, string(raw)); err != nil {
			s.logger.Debug("kvstore: backend store failed", slog.String("key", key), slog.Any("error", err))
			continue
		}
		return
	}
	s.logger.Debug("kvstore: all backends rejected write", slog.String("key", key))
}

// Remove deletes key from every backend.
func (s *Store) Remove(key string) {
	full := s.prefix + key
	for _, b := range s.backends {
		if err := b.Delete(full); err != nil {
			s.logger.Debug("kvstore: backend delete failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// Clear deletes every key under this store's prefix from every backend.
func (s *Store) Clear() {
	for _, b := range s.backends {
		keys, err := b.Keys(s.prefix)
		if err != nil {
			s.logger.Debug("kvstore: backend keys failed", slog.Any("error", err))
			continue
		}
		for _, k := range keys {
			_ = b.Delete(k)
		}
	}
}

// Watch registers fn to be called with the decoded value of every write
// observed under this store's prefix (empty value for deletes). The first
// call wires up backend notifiers; backends without notification support
// contribute nothing. The returned function cancels the registration.
func (s *Store) Watch(fn func(key, value string)) func() {
	s.mu.Lock()
	if !s.watching {
		s.watching = true
		for _, b := range s.backends {
			n, ok := b.(Notifier)
			if !ok {
				continue
			}
			cancel, err := n.Notify(s.dispatch)
			if err != nil {
				s.logger.Debug("kvstore: notifier registration failed", slog.Any("error", err))
				continue
			}
			s.cancels = append(s.cancels, cancel)
		}
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Close cancels backend notifier subscriptions and closes every backend.
func (s *Store) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.watchers = make(map[int]func(key, value string))
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			s.logger.Debug("kvstore: backend close failed", slog.Any("error", err))
		}
	}
}

// dispatch decodes a raw backend notification and fans it out to watchers.
// Expired values are suppressed.
func (s *Store) dispatch(rawKey, rawValue string) {
	if !strings.HasPrefix(rawKey, s.prefix) {
		return
	}
	key := strings.TrimPrefix(rawKey, s.prefix)

	value := ""
	if rawValue != "" {
		var env envelope
		if err := json.Unmarshal([]byte(rawValue), &env); err != nil {
			return
		}
		if env.ExpiresAt > 0 && s.clock().UnixMilli() > env.ExpiresAt {
			return
		}
		value = env.Value
	}

	s.mu.Lock()
	watchers := make([]func(key, value string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	// Watchers run on their own goroutine: in-process backends notify on
	// the writer's goroutine, and a watcher is allowed to call back into
	// the store that triggered it.
	for _, fn := range watchers {
		go fn(key, value)
	}
}
