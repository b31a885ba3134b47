package channel

import "time"

// Status is the channel's position in its connection state machine.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// State is a snapshot of the channel's connection state. Only the channel
// itself mutates it; callers get copies.
type State struct {
	Status            Status
	URL               string
	ReconnectAttempts int
	LastError         error
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
	Latency           time.Duration
}
