package models

import (
	"time"
)

// Job status values persisted in Postgres.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ActiveStatuses are the states that make an (event, division) pair busy:
// a second enqueue for the pair while one of these exists is a no-op.
var ActiveStatuses = []string{StatusQueued, StatusRunning, StatusSuccess}

// Job is one unit of bracket-generation work for an (event, division) pair.
type Job struct {
	ID            string         `json:"id"`
	EventID       string         `json:"event_id"`
	DivisionID    string         `json:"division_id"`
	WebhookURL    string         `json:"webhook_url"`
	WebhookSecret string         `json:"-"`
	Overrides     map[string]any `json:"overrides,omitempty"`
	Status        string         `json:"status"`
	LastError     *string        `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job can no longer change state.
func (j Job) IsTerminal() bool {
	return j.Status == StatusSuccess || j.Status == StatusFailed
}
