package channel

// MessageType tags a wire message.
type MessageType string

const (
	TypeEvent     MessageType = "event"
	TypeHeartbeat MessageType = "heartbeat"
	TypeAck       MessageType = "ack"
	TypeError     MessageType = "error"
	TypeCommand   MessageType = "command"
)

// Priority affects batch grouping on the server side; on the client it
// only matters for heartbeats, which bypass the queue entirely.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Message is the JSON wire shape exchanged with the collection endpoint.
// The channel stamps ID, Timestamp and session context before sending.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	SessionID string      `json:"sessionId,omitempty"`
	VisitorID string      `json:"visitorId,omitempty"`
	Priority  Priority    `json:"priority,omitempty"`
	Retry     bool        `json:"retry,omitempty"`
}

// dataString extracts a string field from a decoded message payload.
// Inbound Data decodes as map[string]any.
func dataString(data any, field string) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[field].(string)
	return s
}
