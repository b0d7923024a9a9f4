package models

import "time"

// NotifyEvent is the webhook payload sent after rollback and alert events
type NotifyEvent struct {
	Event     string    `json:"event"` // success | failure
	Reason    string    `json:"reason"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventSuccess = "success"
	EventFailure = "failure"
)
