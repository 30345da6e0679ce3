package models

import (
	"time"
)

// Bracket lifecycle states. The only legal path is ready -> locked -> completed.
const (
	LifecycleReady     = "ready"
	LifecycleLocked    = "locked"
	LifecycleCompleted = "completed"
)

// Bracket is a generated artifact for an (event, division) pair. Multiple
// historical rows may exist per pair; "the bracket" is always the newest one.
type Bracket struct {
	ID              string         `json:"id"`
	EventID         string         `json:"event_id"`
	DivisionID      string         `json:"division_id"`
	EngineResult    map[string]any `json:"engine_result"`
	LifecycleStatus string         `json:"lifecycle_status"`
	LockedBy        *string        `json:"locked_by,omitempty"`
	LockedAt        *time.Time     `json:"locked_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Participant is a read-only projection from registration data, fetched fresh
// per job execution and never mutated here.
type Participant struct {
	AthleteID     string         `json:"athlete_id"`
	ClubID        *string        `json:"club_id"`
	NationCode    *string        `json:"nation_code"`
	RankingPoints *int           `json:"ranking_points"`
	Seed          *int           `json:"seed"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// DivisionCount pairs a division with its confirmed participant count.
type DivisionCount struct {
	DivisionID   string `json:"division_id"`
	Code         string `json:"code"`
	Participants int    `json:"participants"`
}

// DeadLetter records a webhook delivery that exhausted its retries.
// Rows are write-once and kept for manual inspection or replay.
type DeadLetter struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	WebhookURL   string         `json:"webhook_url"`
	Payload      map[string]any `json:"payload"`
	ErrorMessage string         `json:"error_message"`
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Metrics is the 24h orchestration snapshot exposed to callers.
type Metrics struct {
	JobsSuccess      int64   `json:"jobs_success"`
	JobsFailed       int64   `json:"jobs_failed"`
	EngineLatencyP95 float64 `json:"engine_latency_p95_ms"`
	QualityScoreAvg  float64 `json:"quality_score_avg"`
}
