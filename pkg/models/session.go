package models

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a session record
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusResuming  Status = "RESUMING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAbandoned Status = "ABANDONED"
)

// Statuses lists every status a record can hold.
var Statuses = []Status{StatusActive, StatusResuming, StatusCompleted, StatusFailed, StatusAbandoned}

// transitions is the legal status graph. Terminal states have no exits,
// so a record that reaches COMPLETED, FAILED, or ABANDONED never moves again.
var transitions = map[Status][]Status{
	StatusActive:   {StatusCompleted, StatusFailed, StatusAbandoned, StatusResuming},
	StatusResuming: {StatusActive, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outgoing transitions
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// Valid reports whether s is a known status value
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusResuming, StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// ParseStatus converts a query-string value to a Status
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(raw))
	return s, s.Valid()
}

// ParseOutcome maps a terminate outcome parameter to its terminal status.
// An empty outcome defaults to COMPLETED.
func ParseOutcome(raw string) (Status, bool) {
	switch strings.ToLower(raw) {
	case "", "completed":
		return StatusCompleted, true
	case "failed":
		return StatusFailed, true
	}
	return "", false
}

// Record is the durable state of a session: everything needed to find,
// claim, and resume the job after the owning process dies
type Record struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	TargetURL    string    `json:"targetUrl"`
	Backend      string    `json:"backend"`
	ResumeToken  string    `json:"resumeToken,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// SessionView is the API projection of a session record plus the
// in-memory facts the record alone cannot carry
type SessionView struct {
	Record
	Live       bool   `json:"live"`
	ConnectURL string `json:"connectUrl,omitempty"`
}

// StartSessionRequest is the payload for starting a session
type StartSessionRequest struct {
	Owner     string `json:"owner"`
	TargetURL string `json:"targetUrl"`
	Backend   string `json:"backend,omitempty"`
}

// HeartbeatRequest carries an optional client timestamp; the server
// clock is used when it is absent
type HeartbeatRequest struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// CheckpointRequest updates the resume token for a session. When Token
// is empty the server snapshots live browser state and mints one.
type CheckpointRequest struct {
	Token string `json:"token,omitempty"`
}

// CheckpointResponse reports the token now attached to the session
type CheckpointResponse struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}
