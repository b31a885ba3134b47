package beacon

// EventType tags a tracker lifecycle event.
type EventType string

const (
	// EventInitialized fires once when Init completes.
	EventInitialized EventType = "tracker:initialized"
	// EventEventsFailed fires when a batch could not be delivered; the
	// batch is re-queued at the head for the next flush.
	EventEventsFailed EventType = "events:failed"
	// EventConsentChanged fires when SetConsent changes the persisted
	// consent state.
	EventConsentChanged EventType = "consent:changed"
	// EventFallbackActive fires when the realtime channel gives up
	// reconnecting and delivery switches to the HTTP batch path.
	EventFallbackActive EventType = "fallback:active"
	// EventDestroyed fires once when Destroy completes.
	EventDestroyed EventType = "tracker:destroyed"
)

// Event is the tagged payload delivered to tracker subscribers.
type Event struct {
	Type EventType
	// Count is the number of affected events for EventEventsFailed.
	Count int
	// Granted is the new consent state for EventConsentChanged.
	Granted bool
	Err     error
}
