package core

import "time"

// State is the lifecycle state of a chat session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosing    State = "closing"
)

// StatusTag is the machine-checkable kind of a status notification. Consumers
// should switch on the tag and treat Status.Text as display-only.
type StatusTag string

const (
	StatusConnecting      StatusTag = "connecting"
	StatusConnected       StatusTag = "connected"
	StatusFailed          StatusTag = "failed"
	StatusReconnecting    StatusTag = "reconnecting"
	StatusReconnectFailed StatusTag = "reconnect_failed"
	StatusDisconnected    StatusTag = "disconnected"
)

// Status is emitted on every session state transition.
type Status struct {
	Tag    StatusTag
	State  State
	Text   string
	Err    error
	ConnID string
	At     time.Time
}
