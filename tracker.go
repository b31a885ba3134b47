package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/insightlab/beacon/core/channel"
	"github.com/insightlab/beacon/core/kvstore"
	"github.com/insightlab/beacon/core/session"
)

const consentKey = "consent"

// pendingCap bounds the HTTP batch buffer; overflow evicts the oldest
// event.
const pendingCap = 1000

// Tracker is the facade over storage, session management and event
// delivery. Construct with New, then call Init once.
type Tracker struct {
	cfg        Config
	logger     *slog.Logger
	clock      func() time.Time
	collectURL string

	store    *kvstore.Store
	sessions *session.Manager
	channel  *channel.Channel

	mu             sync.Mutex
	initialized    bool
	destroyed      bool
	fallbackActive bool
	pending        []channel.Message
	modules        []Module
	started        []Module
	listeners      map[int]func(Event)
	nextListener   int
	channelCancel  func()

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithModules registers instrumentation modules to start on Init.
func WithModules(modules ...Module) Option {
	return func(t *Tracker) {
		t.modules = append(t.modules, modules...)
	}
}

// New builds a tracker from cfg. It is the only tracker operation that
// fails synchronously: APIURL and ProjectID are required, and an
// unusable storage directory is reported here. Nothing connects or
// persists until Init.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	if cfg.APIURL == "" {
		return nil, ErrMissingAPIURL
	}
	if cfg.ProjectID == "" {
		return nil, ErrMissingProjectID
	}
	cfg = cfg.withDefaults()

	t := &Tracker{
		cfg:        cfg,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:      time.Now,
		collectURL: strings.TrimRight(cfg.APIURL, "/") + "/api/v1/events",
		listeners:  make(map[int]func(Event)),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	var backends []kvstore.Backend
	if cfg.Redis != nil {
		backends = append(backends, kvstore.NewRedisBackend(cfg.Redis))
	}
	if cfg.StorageDir != "" {
		fb, err := kvstore.NewFileBackend(filepath.Join(cfg.StorageDir, cfg.ProjectID+".json"))
		if err != nil {
			return nil, err
		}
		backends = append(backends, fb)
	}
	backends = append(backends, kvstore.NewMemoryBackend(kvstore.DefaultMemoryCapacity))

	t.store = kvstore.New(cfg.ProjectID, backends,
		kvstore.WithLogger(t.logger),
		kvstore.WithClock(t.clock),
	)
	t.sessions = session.NewManager(t.store,
		session.WithSessionTimeout(cfg.SessionTimeout),
		session.WithUserAgent(cfg.UserAgent),
		session.WithReferrer(cfg.Referrer),
		session.WithLandingPage(cfg.LandingPage),
		session.WithLogger(t.logger),
		session.WithClock(t.clock),
	)

	if cfg.WebSocket.URL != "" {
		t.channel = channel.New(channel.Config{
			URL:                  cfg.WebSocket.URL,
			Reconnect:            cfg.WebSocket.Reconnect,
			ReconnectInterval:    cfg.WebSocket.ReconnectInterval,
			MaxReconnectAttempts: cfg.WebSocket.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.WebSocket.HeartbeatInterval,
			Fallback: &channel.Fallback{
				URL:           t.collectURL,
				RetryInterval: cfg.FlushInterval,
			},
		},
			channel.WithLogger(t.logger),
			channel.WithClock(t.clock),
			channel.WithSessionContext(func() (string, string) {
				sess, ok := t.sessions.Current()
				if !ok {
					return "", ""
				}
				return sess.SessionID, sess.VisitorID
			}),
		)
	}

	return t, nil
}

// Init establishes the session, opens the realtime channel and starts
// background delivery. A second Init on an initialized tracker is a
// no-op: no second session, no second socket.
func (t *Tracker) Init() {
	t.mu.Lock()
	if t.initialized || t.destroyed {
		t.mu.Unlock()
		return
	}
	t.initialized = true
	t.mu.Unlock()

	t.sessions.Initialize()

	if t.channel != nil {
		cancel := t.channel.Subscribe(t.onChannelEvent)
		t.mu.Lock()
		t.channelCancel = cancel
		t.mu.Unlock()

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			// Reconnection only engages after an established connection
			// drops, so a failed first connect switches delivery to the
			// batch path instead of stranding events in the channel queue.
			if err := t.channel.Connect(context.Background(), ""); err != nil {
				t.logger.Debug("tracker: initial channel connect failed", slog.Any("error", err))
				t.activateFallback()
			}
		}()
	}

	t.wg.Add(1)
	go t.flushLoop()

	t.startModules()
	t.emit(Event{Type: EventInitialized})
}

// Session returns the current session snapshot.
func (t *Tracker) Session() (session.Session, bool) {
	return t.sessions.Current()
}

// Sessions exposes the session manager to modules.
func (t *Tracker) Sessions() *session.Manager {
	return t.sessions
}

// Store exposes the key-value store to modules.
func (t *Tracker) Store() *kvstore.Store {
	return t.store
}

// Channel returns the realtime channel, or nil when none is configured.
func (t *Tracker) Channel() *channel.Channel {
	return t.channel
}

// Subscribe registers a listener for tracker events. The returned
// function cancels the subscription.
func (t *Tracker) Subscribe(fn func(Event)) func() {
	t.mu.Lock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// SetConsent persists the visitor's consent decision. Revoking consent
// stops subsequent Track and PageView calls when RequireConsent is set.
func (t *Tracker) SetConsent(granted bool) {
	value := "denied"
	if granted {
		value = "granted"
	}
	t.store.Set(consentKey, value, 0)
	t.emit(Event{Type: EventConsentChanged, Granted: granted})
}

// ConsentGranted reports whether event capture is currently permitted.
func (t *Tracker) ConsentGranted() bool {
	if !t.cfg.RequireConsent {
		return true
	}
	value, ok := t.store.Get(consentKey)
	return ok && value == "granted"
}

// Track captures a custom behavioral event. It is a no-op before Init,
// after Destroy, and while consent is absent.
func (t *Tracker) Track(event string, data map[string]any) {
	if !t.capturing() {
		return
	}
	t.touchSession()
	t.deliver(channel.Message{
		Type:     channel.TypeEvent,
		Priority: channel.PriorityNormal,
		Retry:    true,
		Data: map[string]any{
			"element": event,
			"payload": data,
		},
	})
}

// PageView captures a page view: url, title and referrer from data plus
// a session activity bump.
func (t *Tracker) PageView(data map[string]any) {
	if !t.capturing() {
		return
	}
	t.touchSession()

	payload := map[string]any{"element": "page_view"}
	for _, field := range []string{"url", "title", "referrer"} {
		if v, ok := data[field]; ok {
			payload[field] = v
		}
	}
	t.deliver(channel.Message{
		Type:     channel.TypeEvent,
		Priority: channel.PriorityNormal,
		Retry:    true,
		Data:     payload,
	})
}

// Flush synchronously delivers buffered events to the HTTP collection
// endpoint in batches. On failure the undelivered remainder returns to
// the head of the buffer and EventEventsFailed fires. Returns
// ErrTrackerDestroyed after Destroy.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	destroyed := t.destroyed
	t.mu.Unlock()
	if destroyed {
		return ErrTrackerDestroyed
	}
	return t.drain(ctx)
}

func (t *Tracker) drain(ctx context.Context) error {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			return nil
		}
		// Group batches by priority: urgent events go out in the first
		// batches, insertion order preserved within a priority.
		sort.SliceStable(t.pending, func(i, j int) bool {
			return priorityRank(t.pending[i].Priority) < priorityRank(t.pending[j].Priority)
		})
		n := min(len(t.pending), t.cfg.BatchSize)
		batch := make([]channel.Message, n)
		copy(batch, t.pending)
		t.pending = t.pending[n:]
		t.mu.Unlock()

		if err := t.postBatch(ctx, batch); err != nil {
			t.mu.Lock()
			t.pending = append(batch, t.pending...)
			t.mu.Unlock()

			t.emit(Event{Type: EventEventsFailed, Count: len(batch), Err: err})
			return errors.Join(ErrFlushFailed, err)
		}
	}
}

// Destroy flushes best-effort, stops modules and background loops, and
// tears down the channel, session manager and store. Idempotent.
func (t *Tracker) Destroy(ctx context.Context) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	started := t.started
	t.started = nil
	channelCancel := t.channelCancel
	t.channelCancel = nil
	t.mu.Unlock()

	for _, m := range started {
		m.Stop()
	}
	if channelCancel != nil {
		channelCancel()
	}
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()

	if err := t.drain(ctx); err != nil {
		t.logger.Debug("tracker: final flush failed", slog.Any("error", err))
	}

	if t.channel != nil {
		t.channel.Destroy()
	}
	t.sessions.Destroy()
	t.store.Close()

	t.emit(Event{Type: EventDestroyed})
	t.mu.Lock()
	t.listeners = make(map[int]func(Event))
	t.mu.Unlock()
}

// PendingEvents returns the number of events buffered for HTTP delivery.
func (t *Tracker) PendingEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Send delivers a pre-built message through the tracker's normal
// delivery paths. Intended for modules emitting their own event shapes;
// consent gating applies.
func (t *Tracker) Send(msg channel.Message) {
	if !t.capturing() {
		return
	}
	t.deliver(msg)
}

func priorityRank(p channel.Priority) int {
	switch p {
	case channel.PriorityCritical:
		return 0
	case channel.PriorityHigh:
		return 1
	case channel.PriorityLow:
		return 3
	default:
		return 2
	}
}

// touchSession rotates an expired session before recording activity, so
// a stale session is never resurrected by a late event.
func (t *Tracker) touchSession() {
	t.sessions.Refresh()
	t.sessions.UpdateActivity()
}

func (t *Tracker) capturing() bool {
	t.mu.Lock()
	ready := t.initialized && !t.destroyed
	t.mu.Unlock()
	return ready && t.ConsentGranted()
}

// deliver routes one event: over the realtime channel while it is
// usable, otherwise into the HTTP batch buffer.
func (t *Tracker) deliver(msg channel.Message) {
	t.mu.Lock()
	viaChannel := t.channel != nil && !t.fallbackActive
	t.mu.Unlock()

	if viaChannel {
		t.channel.Send(msg)
		return
	}
	t.buffer(msg)
}

func (t *Tracker) buffer(msg channel.Message) {
	t.stamp(&msg)
	t.mu.Lock()
	if len(t.pending) >= pendingCap {
		t.pending = t.pending[1:]
		t.logger.Debug("tracker: pending buffer full, dropping oldest")
	}
	t.pending = append(t.pending, msg)
	t.mu.Unlock()
}

// stamp fills identity and session context on events that bypass the
// channel.
func (t *Tracker) stamp(msg *channel.Message) {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = t.clock().UnixMilli()
	}
	if sess, ok := t.sessions.Current(); ok {
		if msg.SessionID == "" {
			msg.SessionID = sess.SessionID
		}
		if msg.VisitorID == "" {
			msg.VisitorID = sess.VisitorID
		}
	}
}

func (t *Tracker) activateFallback() {
	t.mu.Lock()
	already := t.fallbackActive
	t.fallbackActive = true
	t.mu.Unlock()
	if !already {
		t.logger.Info("tracker: switching to HTTP batch delivery")
		t.emit(Event{Type: EventFallbackActive})
	}
}

func newMessageID() string {
	return ulid.Make().String()
}

func (t *Tracker) onChannelEvent(e channel.Event) {
	switch e.Type {
	case channel.EventOpen:
		// Realtime delivery resumes if the socket ever comes back.
		t.mu.Lock()
		t.fallbackActive = false
		t.mu.Unlock()
	case channel.EventFallbackActivated:
		t.activateFallback()
	case channel.EventMessageFailed:
		// The channel gave up on this message; the batch path takes over.
		if e.Message != nil {
			t.buffer(*e.Message)
		}
	}
}

func (t *Tracker) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// Failures already surfaced as EventEventsFailed.
			_ = t.Flush(context.Background())
		}
	}
}

type batchPayload struct {
	ProjectID string            `json:"projectId"`
	SessionID string            `json:"sessionId,omitempty"`
	VisitorID string            `json:"visitorId,omitempty"`
	SentAt    int64             `json:"sentAt"`
	Events    []channel.Message `json:"events"`
}

func (t *Tracker) postBatch(ctx context.Context, batch []channel.Message) error {
	payload := batchPayload{
		ProjectID: t.cfg.ProjectID,
		SentAt:    t.clock().UnixMilli(),
		Events:    batch,
	}
	if sess, ok := t.sessions.Current(); ok {
		payload.SessionID = sess.SessionID
		payload.VisitorID = sess.VisitorID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.collectURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collection endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (t *Tracker) startModules() {
	t.mu.Lock()
	modules := t.modules
	t.mu.Unlock()

	for _, m := range modules {
		if err := m.Start(t); err != nil {
			t.logger.Error("tracker: module failed to start",
				slog.String("module", m.Name()), slog.Any("error", err))
			continue
		}
		t.mu.Lock()
		t.started = append(t.started, m)
		t.mu.Unlock()
	}
}

func (t *Tracker) emit(e Event) {
	t.mu.Lock()
	listeners := make([]func(Event), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("tracker: event listener panicked", slog.Any("panic", r))
				}
			}()
			fn(e)
		}()
	}
}
