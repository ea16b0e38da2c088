package models

import (
	"time"
)

// EventKind identifies a verification lifecycle transition
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventAttempt   EventKind = "attempt"
	EventVerified  EventKind = "verified"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// SessionEvent is published for every verification lifecycle transition
type SessionEvent struct {
	SessionID     string    `json:"session_id"`
	Kind          EventKind `json:"kind"`
	TransactionID string    `json:"transaction_id"`
	Network       string    `json:"network,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	MaxAttempts   int       `json:"max_attempts,omitempty"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}
