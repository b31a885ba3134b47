package session_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightlab/beacon/core/kvstore"
	"github.com/insightlab/beacon/core/session"
	"github.com/insightlab/beacon/pkg/fingerprint"
)

// fakeClock is a controllable time source shared between test and manager.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func staticFingerprint(platform, locale string) func() fingerprint.Fingerprint {
	return func() fingerprint.Fingerprint {
		return fingerprint.Generate(fingerprint.Environment{
			Platform: platform,
			Arch:     "amd64",
			Locale:   locale,
			NumCPU:   4,
			ClientID: "beacon-go/test",
		})
	}
}

func newTestStore() *kvstore.Store {
	return kvstore.New("proj", []kvstore.Backend{kvstore.NewMemoryBackend(100)})
}

func TestInitialize_CreatesSession(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	mgr := session.NewManager(store, session.WithUserAgent("beacon-go/test"))
	defer mgr.Destroy()

	var events []session.Event
	var mu sync.Mutex
	cancel := mgr.Subscribe(func(e session.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	defer cancel()

	sess := mgr.Initialize()

	assert.Len(t, sess.SessionID, 26, "session ID should be a ULID")
	_, err := uuid.Parse(sess.VisitorID)
	assert.NoError(t, err, "visitor ID should be a UUID")
	assert.Equal(t, "beacon-go/test", sess.UserAgent)
	assert.Zero(t, sess.PageViews)

	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, session.EventCreated, events[0].Type)
	mu.Unlock()

	raw, ok := store.Get("session")
	require.True(t, ok, "session should be persisted")
	var persisted session.Session
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, sess.SessionID, persisted.SessionID)
}

func TestInitialize_Idempotent(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	mgr := session.NewManager(store)
	defer mgr.Destroy()

	first := mgr.Initialize()
	second := mgr.Initialize()

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.VisitorID, second.VisitorID)
}

func TestInitialize_RestoresValidSession(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	gen := staticFingerprint("linux", "en_US")

	first := session.NewManager(store, session.WithGenerator(gen))
	created := first.Initialize()
	first.Destroy()

	second := session.NewManager(store, session.WithGenerator(gen))
	defer second.Destroy()

	var restored []session.Event
	var mu sync.Mutex
	second.Subscribe(func(e session.Event) {
		mu.Lock()
		restored = append(restored, e)
		mu.Unlock()
	})

	sess := second.Initialize()

	assert.Equal(t, created.SessionID, sess.SessionID)
	assert.Equal(t, created.VisitorID, sess.VisitorID)

	mu.Lock()
	require.Len(t, restored, 1)
	assert.Equal(t, session.EventRestored, restored[0].Type)
	mu.Unlock()
}

func TestUpdateActivity_SessionContinuity(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	mgr := session.NewManager(store)
	defer mgr.Destroy()

	sess := mgr.Initialize()

	const views = 7
	for i := 0; i < views; i++ {
		mgr.UpdateActivity()
	}

	current, ok := mgr.Current()
	require.True(t, ok)
	assert.Equal(t, sess.SessionID, current.SessionID)
	assert.Equal(t, views, current.PageViews)
}

func TestRefresh_RotatesExpiredSessionPreservingVisitor(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	clock := newFakeClock()
	mgr := session.NewManager(store,
		session.WithClock(clock.Now),
		session.WithSessionTimeout(time.Second),
		session.WithFingerprint(false),
	)
	defer mgr.Destroy()

	created := mgr.Initialize()

	// Activity at t=500ms keeps the session.
	clock.Advance(500 * time.Millisecond)
	mgr.UpdateActivity()
	same := mgr.Refresh()
	assert.Equal(t, created.SessionID, same.SessionID)

	// Silence until t=1500ms rotates it.
	clock.Advance(time.Second)
	rotated := mgr.Refresh()
	assert.NotEqual(t, created.SessionID, rotated.SessionID)
	assert.Equal(t, created.VisitorID, rotated.VisitorID, "visitor ID survives rotation")
}

func TestValidate_TimeoutExceeded(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	clock := newFakeClock()
	mgr := session.NewManager(store,
		session.WithClock(clock.Now),
		session.WithSessionTimeout(time.Minute),
		session.WithFingerprint(false),
	)
	defer mgr.Destroy()

	mgr.Initialize()

	v := mgr.Validate()
	assert.True(t, v.Valid)

	clock.Advance(2 * time.Minute)

	v = mgr.Validate()
	assert.False(t, v.Valid)
	assert.Contains(t, v.Reasons, "session timeout exceeded")
}

func TestValidate_FingerprintDrift(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	current := staticFingerprint("linux", "en_US")
	var mu sync.Mutex
	mgr := session.NewManager(store, session.WithGenerator(func() fingerprint.Fingerprint {
		mu.Lock()
		defer mu.Unlock()
		return current()
	}))
	defer mgr.Destroy()

	mgr.Initialize()
	require.True(t, mgr.Validate().Valid)

	// Locale drift is non-critical and tolerated.
	mu.Lock()
	current = staticFingerprint("linux", "de_DE")
	mu.Unlock()
	assert.True(t, mgr.Validate().Valid)

	// Platform drift is critical and invalidates the session.
	mu.Lock()
	current = staticFingerprint("darwin", "en_US")
	mu.Unlock()
	v := mgr.Validate()
	assert.False(t, v.Valid)
	require.Len(t, v.Reasons, 1)
	assert.Contains(t, v.Reasons[0], "fingerprint drift")
}

func TestInvalidate_ClearsSessionAndEmits(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	mgr := session.NewManager(store)
	defer mgr.Destroy()

	mgr.Initialize()

	var invalid []session.Event
	var mu sync.Mutex
	mgr.Subscribe(func(e session.Event) {
		if e.Type == session.EventInvalid {
			mu.Lock()
			invalid = append(invalid, e)
			mu.Unlock()
		}
	})

	mgr.Invalidate()

	_, ok := mgr.Current()
	assert.False(t, ok)
	_, ok = store.Get("session")
	assert.False(t, ok, "persisted record should be removed")

	mu.Lock()
	assert.Len(t, invalid, 1)
	mu.Unlock()
}

func TestCrossInstanceConvergence(t *testing.T) {
	shared := kvstore.NewMemoryBackend(100)
	storeA := kvstore.New("proj", []kvstore.Backend{shared})
	storeB := kvstore.New("proj", []kvstore.Backend{shared})
	defer storeA.Close()
	defer storeB.Close()

	a := session.NewManager(storeA, session.WithFingerprint(false), session.WithReconcileInterval(20*time.Millisecond))
	b := session.NewManager(storeB, session.WithFingerprint(false), session.WithReconcileInterval(20*time.Millisecond))
	defer a.Destroy()
	defer b.Destroy()

	sessA := a.Initialize()
	sessB := b.Initialize()
	assert.Equal(t, sessA.SessionID, sessB.SessionID, "second instance should restore the first one's session")

	// A rotates; B must converge within one reconciliation interval.
	a.Invalidate()
	rotated := a.Refresh()
	require.NotEqual(t, sessA.SessionID, rotated.SessionID)

	assert.Eventually(t, func() bool {
		current, ok := b.Current()
		return ok && current.SessionID == rotated.SessionID
	}, 2*time.Second, 10*time.Millisecond, "peer instance did not converge on the new session")
}

func TestRegistry_HeartbeatRegistersInstance(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	mgr := session.NewManager(store)
	defer mgr.Destroy()

	sess := mgr.Initialize()

	registry := mgr.ActiveInstances()
	require.Contains(t, registry, mgr.InstanceID())
	assert.Equal(t, sess.SessionID, registry[mgr.InstanceID()].SessionID)
}

func TestRegistry_PrunesStaleEntries(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	// Seed the registry with one fresh and one long-dead entry.
	stale := map[string]session.RegistryEntry{
		"dead-instance": {
			StartTime:     time.Now().Add(-time.Hour),
			LastHeartbeat: time.Now().Add(-time.Hour),
			SessionID:     "old",
		},
	}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	store.Set("active_tabs", string(raw), 0)

	mgr := session.NewManager(store, session.WithHeartbeatInterval(10*time.Millisecond))
	defer mgr.Destroy()
	mgr.Initialize()

	assert.Eventually(t, func() bool {
		registry := mgr.ActiveInstances()
		_, dead := registry["dead-instance"]
		_, alive := registry[mgr.InstanceID()]
		return alive && !dead
	}, 2*time.Second, 10*time.Millisecond, "stale registry entry was not pruned")
}

func TestDestroy_RemovesRegistryEntryAndIsIdempotent(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	mgr := session.NewManager(store)
	mgr.Initialize()
	require.Contains(t, mgr.ActiveInstances(), mgr.InstanceID())

	mgr.Destroy()
	assert.NotContains(t, mgr.ActiveInstances(), mgr.InstanceID())

	assert.NotPanics(t, func() { mgr.Destroy() })
}

func TestSubscribe_ListenerPanicIsolated(t *testing.T) {
	store := newTestStore()
	defer store.Close()

	mgr := session.NewManager(store)
	defer mgr.Destroy()

	called := make(chan struct{}, 1)
	mgr.Subscribe(func(session.Event) { panic("listener bug") })
	mgr.Subscribe(func(session.Event) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	assert.NotPanics(t, func() { mgr.Initialize() })

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("second listener was never called")
	}
}
