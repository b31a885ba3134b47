package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/insightlab/beacon/core/kvstore"
	"github.com/insightlab/beacon/pkg/fingerprint"
)

// Persisted key layout under the store's project prefix.
const (
	keySession     = "session"
	keyVisitor     = "visitor"
	keyFingerprint = "fingerprint"
	keyActiveTabs  = "active_tabs"
)

// Validation is the result of checking the current session against the
// idle timeout and the stored device fingerprint. It is produced on demand
// and never persisted.
type Validation struct {
	Valid         bool
	Reasons       []string
	Fingerprint   fingerprint.Fingerprint
	LastValidated time.Time
}

// Manager maintains one logical session per storage namespace, kept in
// sync across SDK instances through the shared store. All methods are safe
// for concurrent use.
type Manager struct {
	store      *kvstore.Store
	cfg        Config
	generator  func() fingerprint.Fingerprint
	logger     *slog.Logger
	clock      func() time.Time
	instanceID string

	mu          sync.Mutex
	session     *Session
	storedFP    fingerprint.Fingerprint
	startedAt   time.Time
	initialized bool
	destroyed   bool

	listeners    map[int]func(Event)
	nextListener int

	watchCancel func()
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewManager creates a session manager over the shared store.
func NewManager(store *kvstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		cfg:        defaultConfig(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:      time.Now,
		instanceID: uuid.NewString(),
		listeners:  make(map[int]func(Event)),
		stop:       make(chan struct{}),
	}
	m.generator = func() fingerprint.Fingerprint {
		env := fingerprint.CaptureEnvironment()
		env.ClientID = m.cfg.UserAgent
		return fingerprint.Generate(env)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InstanceID returns this manager's identity in the shared registry.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Initialize restores a persisted session when one exists and passes
// validation, and creates a fresh one otherwise. It is idempotent: a
// second call returns the current session without side effects. It never
// fails; a broken store degrades to an unpersisted in-memory session.
func (m *Manager) Initialize() Session {
	m.mu.Lock()
	if m.initialized {
		sess := *m.session
		m.mu.Unlock()
		return sess
	}
	m.initialized = true
	m.startedAt = m.clock()

	event := Event{Type: EventCreated}
	if restored, fp, ok := m.restoreLocked(); ok {
		m.session = restored
		m.storedFP = fp
		event = Event{Type: EventRestored, Session: *restored}
		m.logger.Debug("session restored", slog.String("session_id", restored.SessionID))
	} else {
		created := m.createLocked()
		m.session = created
		event.Session = *created
		m.logger.Debug("session created", slog.String("session_id", created.SessionID))
	}
	sess := *m.session
	m.mu.Unlock()

	m.heartbeat()
	m.startLoops()
	m.emit(event)
	return sess
}

// Current returns the in-memory session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// UpdateActivity bumps the activity timestamp, increments the page view
// counter, and persists the session.
func (m *Manager) UpdateActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	m.session.LastActivity = m.clock()
	m.session.PageViews++
	m.persistLocked()
}

// Validate checks the current session against the idle timeout and, when
// fingerprinting is enabled, against the stored fingerprint's critical
// fields. Non-critical drift is tolerated.
func (m *Manager) Validate() Validation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked(m.session, m.storedFP)
}

func (m *Manager) validateLocked(sess *Session, stored fingerprint.Fingerprint) Validation {
	now := m.clock()
	v := Validation{Valid: true, LastValidated: now}

	if sess == nil {
		v.Valid = false
		v.Reasons = append(v.Reasons, "no active session")
		return v
	}
	if sess.Expired(m.cfg.SessionTimeout, now) {
		v.Valid = false
		v.Reasons = append(v.Reasons, "session timeout exceeded")
	}

	if m.cfg.FingerprintEnabled {
		current := m.safeGenerate()
		v.Fingerprint = current
		if stored.Hash != "" && current.Hash != stored.Hash {
			drift := fingerprint.Diff(current, stored)
			if fingerprint.HasCritical(drift, m.cfg.CriticalFields...) {
				v.Valid = false
				v.Reasons = append(v.Reasons, fmt.Sprintf("fingerprint drift on critical fields: %v", drift))
			}
		}
	}
	return v
}

// Invalidate clears the current session and removes the persisted record.
// The next Initialize (or the facade's next activity) creates a fresh
// session with the same visitor ID.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	old := *m.session
	m.session = nil
	m.initialized = false
	m.store.Remove(keySession)
	m.mu.Unlock()

	m.emit(Event{Type: EventInvalid, Session: old})
}

// Refresh revalidates the current session and rotates it when validation
// fails, preserving the visitor ID. Returns the authoritative session.
func (m *Manager) Refresh() Session {
	m.mu.Lock()
	v := m.validateLocked(m.session, m.storedFP)
	if v.Valid {
		sess := *m.session
		m.mu.Unlock()
		return sess
	}

	var old Session
	if m.session != nil {
		old = *m.session
	}
	created := m.createLocked()
	m.session = created
	sess := *created
	m.mu.Unlock()

	if old.SessionID != "" {
		m.emit(Event{Type: EventInvalid, Session: old, Reasons: v.Reasons})
	}
	m.emit(Event{Type: EventCreated, Session: sess})
	return sess
}

// Subscribe registers a listener for session lifecycle events. Listener
// panics are recovered so one listener cannot break the others. The
// returned function cancels the subscription.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Destroy stops background loops, removes this instance from the shared
// registry, and drops all listeners. Idempotent. The persisted session is
// left intact for other instances.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	watchCancel := m.watchCancel
	m.watchCancel = nil
	m.listeners = make(map[int]func(Event))
	close(m.stop)
	m.mu.Unlock()

	if watchCancel != nil {
		watchCancel()
	}
	m.wg.Wait()
	m.deregister()
}

// restoreLocked loads and validates a persisted session.
func (m *Manager) restoreLocked() (*Session, fingerprint.Fingerprint, bool) {
	raw, ok := m.store.Get(keySession)
	if !ok {
		return nil, fingerprint.Fingerprint{}, false
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		m.logger.Debug("session: corrupt persisted record", slog.Any("error", err))
		m.store.Remove(keySession)
		return nil, fingerprint.Fingerprint{}, false
	}

	var stored fingerprint.Fingerprint
	if rawFP, ok := m.store.Get(keyFingerprint); ok {
		_ = json.Unmarshal([]byte(rawFP), &stored)
	}

	if v := m.validateLocked(&sess, stored); !v.Valid {
		m.logger.Debug("session: persisted record failed validation", slog.Any("reasons", v.Reasons))
		return nil, fingerprint.Fingerprint{}, false
	}
	return &sess, stored, true
}

// createLocked builds a fresh session, reusing the persisted visitor ID
// when one exists, and persists session and fingerprint records.
func (m *Manager) createLocked() *Session {
	now := m.clock()

	visitorID, ok := m.store.Get(keyVisitor)
	if !ok || visitorID == "" {
		visitorID = uuid.NewString()
		m.store.Set(keyVisitor, visitorID, 0)
	}

	sess := &Session{
		SessionID:    ulid.Make().String(),
		VisitorID:    visitorID,
		StartTime:    now,
		LastActivity: now,
		Platform:     runtime.GOOS,
		UserAgent:    m.cfg.UserAgent,
		Referrer:     m.cfg.Referrer,
		LandingPage:  m.cfg.LandingPage,
	}

	if m.cfg.FingerprintEnabled {
		fp := m.safeGenerate()
		m.storedFP = fp
		if raw, err := json.Marshal(fp); err == nil {
			m.store.Set(keyFingerprint, string(raw), 0)
		}
	}

	m.session = sess
	m.persistLocked()
	return sess
}

// persistLocked writes the current session with the idle timeout as TTL,
// so an abandoned record ages out of storage on its own.
func (m *Manager) persistLocked() {
	if m.session == nil {
		return
	}
	raw, err := json.Marshal(m.session)
	if err != nil {
		return
	}
	m.store.Set(keySession, string(raw), m.cfg.SessionTimeout)
}

// safeGenerate isolates fingerprint computation so a panicking probe
// degrades to an empty fingerprint instead of breaking the session layer.
func (m *Manager) safeGenerate() (fp fingerprint.Fingerprint) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug("session: fingerprint generation panicked", slog.Any("panic", r))
			fp = fingerprint.Fingerprint{}
		}
	}()
	return m.generator()
}

// startLoops wires the store watcher and the heartbeat/reconciliation
// tickers. Called once from Initialize.
func (m *Manager) startLoops() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.watchCancel = m.store.Watch(m.onStoreChange)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.reconcileLoop()
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

func (m *Manager) reconcileLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reconcile()
		}
	}
}

// reconcile re-reads the persisted session in case a change notification
// was missed and re-registers this instance if its registry entry was
// pruned while the process was suspended.
func (m *Manager) reconcile() {
	raw, ok := m.store.Get(keySession)
	if ok {
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err == nil {
			m.adoptForeign(sess)
		}
	}

	registry := m.loadRegistry()
	if _, ok := registry[m.instanceID]; !ok {
		m.heartbeat()
	}
}

// onStoreChange handles store-level change notifications from other
// instances, converging on whichever session was written last.
func (m *Manager) onStoreChange(key, value string) {
	if key != keySession || value == "" {
		return
	}
	var sess Session
	if err := json.Unmarshal([]byte(value), &sess); err != nil {
		return
	}
	m.adoptForeign(sess)
}

// adoptForeign replaces the local session when the stored one differs,
// emitting EventSynchronized. Last writer wins; the data is
// overwrite-tolerant and repaired by periodic reconciliation.
func (m *Manager) adoptForeign(sess Session) {
	m.mu.Lock()
	if m.destroyed || sess.SessionID == "" {
		m.mu.Unlock()
		return
	}
	if m.session != nil && m.session.SessionID == sess.SessionID {
		// Same session; keep the newer activity snapshot.
		if sess.LastActivity.After(m.session.LastActivity) {
			*m.session = sess
		}
		m.mu.Unlock()
		return
	}
	m.session = &sess
	m.initialized = true
	m.mu.Unlock()

	m.logger.Debug("session synchronized from peer", slog.String("session_id", sess.SessionID))
	m.emit(Event{Type: EventSynchronized, Session: sess})
}

// emit fans an event out to subscribers, isolating listener panics.
func (m *Manager) emit(e Event) {
	m.mu.Lock()
	listeners := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("session: event listener panicked", slog.Any("panic", r))
				}
			}()
			fn(e)
		}()
	}
}
