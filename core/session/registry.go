package session

import (
	"encoding/json"
	"time"
)

// RegistryEntry records one live SDK instance in the shared registry.
type RegistryEntry struct {
	StartTime     time.Time `json:"start_time"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	SessionID     string    `json:"session_id"`
}

// loadRegistry reads the shared instance registry. A missing or corrupt
// record is treated as an empty registry; the next heartbeat rewrites it.
func (m *Manager) loadRegistry() map[string]RegistryEntry {
	raw, ok := m.store.Get(keyActiveTabs)
	if !ok {
		return make(map[string]RegistryEntry)
	}
	registry := make(map[string]RegistryEntry)
	if err := json.Unmarshal([]byte(raw), &registry); err != nil {
		return make(map[string]RegistryEntry)
	}
	return registry
}

func (m *Manager) saveRegistry(registry map[string]RegistryEntry) {
	raw, err := json.Marshal(registry)
	if err != nil {
		return
	}
	m.store.Set(keyActiveTabs, string(raw), 0)
}

// heartbeat refreshes this instance's registry entry and prunes entries
// whose heartbeat is older than the liveness window. Read-modify-write
// without locking is fine here: entries are per-instance and stale data
// self-heals on the next tick.
func (m *Manager) heartbeat() {
	now := m.clock()

	m.mu.Lock()
	sessionID := ""
	if m.session != nil {
		sessionID = m.session.SessionID
	}
	start := m.startedAt
	m.mu.Unlock()

	registry := m.loadRegistry()
	registry[m.instanceID] = RegistryEntry{
		StartTime:     start,
		LastHeartbeat: now,
		SessionID:     sessionID,
	}
	for id, entry := range registry {
		if now.Sub(entry.LastHeartbeat) > m.cfg.StaleAfter {
			delete(registry, id)
		}
	}
	m.saveRegistry(registry)
}

// deregister removes this instance's registry entry, best-effort.
func (m *Manager) deregister() {
	registry := m.loadRegistry()
	if _, ok := registry[m.instanceID]; !ok {
		return
	}
	delete(registry, m.instanceID)
	m.saveRegistry(registry)
}

// ActiveInstances returns a snapshot of the shared instance registry.
func (m *Manager) ActiveInstances() map[string]RegistryEntry {
	return m.loadRegistry()
}
