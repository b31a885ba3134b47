package channel

import "time"

// EventType tags a channel event.
type EventType string

const (
	// EventOpen fires when the open handshake completes.
	EventOpen EventType = "connection:open"
	// EventClosed fires when an established connection drops.
	EventClosed EventType = "connection:closed"
	// EventError fires on a transport-level failure.
	EventError EventType = "connection:error"
	// EventReconnecting fires when a reconnection attempt is scheduled.
	EventReconnecting EventType = "connection:reconnecting"
	// EventFallbackActivated fires once the reconnect budget is spent and
	// a fallback transport is configured.
	EventFallbackActivated EventType = "fallback:activated"
	// EventQueueFull fires per overflow eviction, carrying the dropped
	// message.
	EventQueueFull EventType = "queue:full"
	// EventMessageFailed fires when a queued message exhausts its retries.
	EventMessageFailed EventType = "message:failed"
	// EventMessage delivers an inbound non-control message.
	EventMessage EventType = "message"
)

// Event is the tagged payload delivered to subscribers.
type Event struct {
	Type EventType
	// Message is the inbound, dropped, or failed message, depending on Type.
	Message *Message
	Err     error
	// Attempt and Delay describe the scheduled reconnection for
	// EventReconnecting.
	Attempt int
	Delay   time.Duration
	// Fallback is set for EventFallbackActivated.
	Fallback *Fallback
}
