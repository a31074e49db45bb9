package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// IdempotencyRecord marks a webhook event as seen. Key is unique across
// all process instances sharing the database.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Source    string    `json:"source"`
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	FirstSeen time.Time `json:"first_seen"`
}

// OrchestrationFailure is one consumer error recorded for an event.
type OrchestrationFailure struct {
	ID             int64     `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Source         string    `json:"source"`
	EventID        string    `json:"event_id"`
	Kind           string    `json:"kind"`
	Error          string    `json:"error"`
	CreatedAt      time.Time `json:"created_at"`
}
