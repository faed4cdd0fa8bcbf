package models

import "time"

// EventKind labels one observable session lifecycle transition
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventHeartbeat    EventKind = "heartbeat"
	EventCheckpointed EventKind = "checkpointed"
	EventResumed      EventKind = "resumed"
	EventResumeFailed EventKind = "resume-failed"
	EventAbandoned    EventKind = "abandoned"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
)

// Event records a single session transition for the observability feed
type Event struct {
	SessionID string    `json:"sessionId"`
	Owner     string    `json:"owner,omitempty"`
	Kind      EventKind `json:"kind"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}
