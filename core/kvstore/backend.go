package kvstore

import (
	"strings"
	"sync"
)

// DefaultMemoryCapacity bounds the in-memory fallback backend so the store
// cannot grow without limit when no durable backend is available.
const DefaultMemoryCapacity = 100

// Backend is the narrow persistence contract the store layers over.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Load returns the raw value for key and whether it was present.
	Load(key string) (string, bool, error)
	// Store persists the raw value under key, overwriting any previous value.
	Store(key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Keys lists all stored keys beginning with prefix.
	Keys(prefix string) ([]string, error)
	// Close releases backend resources.
	Close() error
}

// Notifier is implemented by backends that can observe writes performed by
// other store instances sharing the same underlying medium.
type Notifier interface {
	// Notify registers fn to be called with the raw key/value of every
	// observed write (empty value for deletes). The returned cancel
	// function unregisters fn.
	Notify(fn func(key, value string)) (cancel func(), err error)
}

// MemoryBackend is the capacity-bounded in-memory fallback. When full, the
// oldest entry is evicted to make room. A single MemoryBackend instance may
// be shared by multiple stores; writes fan out to all registered notify
// callbacks in-process.
type MemoryBackend struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]string
	order    []string
	subs     map[int]func(key, value string)
	nextSub  int
}

// NewMemoryBackend creates an in-memory backend holding at most capacity
// entries. A non-positive capacity falls back to DefaultMemoryCapacity.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryBackend{
		capacity: capacity,
		entries:  make(map[string]string),
		subs:     make(map[int]func(key, value string)),
	}
}

// Load implements Backend.
func (m *MemoryBackend) Load(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

// Store implements Backend. Inserting beyond capacity evicts the oldest key.
func (m *MemoryBackend) Store(key, value string) error {
	m.mu.Lock()
	if _, exists := m.entries[key]; !exists {
		if len(m.order) >= m.capacity {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
		m.order = append(m.order, key)
	}
	m.entries[key] = value
	subs := m.snapshotSubs()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(key, value)
	}
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	if _, exists := m.entries[key]; !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	subs := m.snapshotSubs()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(key, "")
	}
	return nil
}

// Keys implements Backend.
func (m *MemoryBackend) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, k := range m.order {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]string)
	m.order = nil
	m.subs = make(map[int]func(key, value string))
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Notify implements Notifier with in-process fan-out.
func (m *MemoryBackend) Notify(fn func(key, value string)) (func(), error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

// snapshotSubs copies the callback set; callers must hold m.mu. Callbacks
// are invoked after the lock is released so they may re-enter the backend.
func (m *MemoryBackend) snapshotSubs() []func(key, value string) {
	if len(m.subs) == 0 {
		return nil
	}
	subs := make([]func(key, value string), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	return subs
}
