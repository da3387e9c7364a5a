package models

import "time"

type EmailStatus string

const (
	StatusPending    EmailStatus = "pending"
	StatusProcessing EmailStatus = "processing"
	StatusSent       EmailStatus = "sent"
	StatusFailed     EmailStatus = "failed"
	StatusDeferred   EmailStatus = "deferred"
	StatusCancelled  EmailStatus = "cancelled"
)

// Terminal reports whether no further status transition may occur.
func (s EmailStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Email is the durable record of one scheduled send. The database row is the
// source of truth; everything held in Redis can be rebuilt from rows in this shape.
type Email struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	To       string                 `json:"to"`
	Subject  string                 `json:"subject"`
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data"`

	ScheduledAt time.Time   `json:"scheduled_at"`
	Status      EmailStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	DedupeKey   *string     `json:"dedupe_key,omitempty"`
	ExecutedAt  *time.Time  `json:"executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobID returns the identity under which this email travels through the
// execution queue: the caller's dedupe key when present, otherwise the id.
func (e *Email) JobID() string {
	if e.DedupeKey != nil && *e.DedupeKey != "" {
		return *e.DedupeKey
	}
	return e.ID
}
