package session

// EventType tags a session lifecycle event.
type EventType string

const (
	// EventCreated fires when a fresh session is created.
	EventCreated EventType = "session:created"
	// EventRestored fires when a persisted session passes validation on
	// initialization.
	EventRestored EventType = "session:restored"
	// EventSynchronized fires when the local session is replaced by one
	// written by another instance sharing the store.
	EventSynchronized EventType = "session:synchronized"
	// EventInvalid fires when the current session is invalidated.
	EventInvalid EventType = "session:invalid"
)

// Event is the tagged payload delivered to subscribers.
type Event struct {
	Type    EventType
	Session Session
	// Reasons carries validation diagnostics for EventInvalid.
	Reasons []string
}
