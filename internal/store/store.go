package store

import (
	"context"
	"errors"
	"time"

	"github.com/andreafio/competition-platform/internal/models"
)

var (
	// ErrBracketLocked rejects enqueue when the latest bracket for the pair
	// is locked or completed.
	ErrBracketLocked = errors.New("bracket is locked and cannot be regenerated")

	// ErrJobNotRunning is returned by MarkJob when the job is not in the
	// running state. The call changes nothing.
	ErrJobNotRunning = errors.New("job is not running")

	// ErrJobNotFound is returned by GetJob for unknown ids.
	ErrJobNotFound = errors.New("job not found")
)

// EnqueueResult reports whether EnqueueJob inserted a new job or found an
// active one for the same (event, division) pair.
type EnqueueResult struct {
	Job     models.Job
	Created bool
}

// Store is the durable persistence contract the orchestration core depends
// on. Every mutating operation is atomic with respect to its own invariant:
// AcquireNextJob never hands the same job to two callers, and EnqueueJob's
// existence check and insert behave as a single operation per pair.
type Store interface {
	// EnqueueJob admits a new generation job unless the pair's latest
	// bracket is locked/completed (ErrBracketLocked) or an active job
	// already exists (returned with Created=false).
	EnqueueJob(ctx context.Context, eventID, divisionID, webhookURL, webhookSecret string, overrides map[string]any) (EnqueueResult, error)

	// AcquireNextJob transitions the oldest queued job to running and
	// returns it. Returns (nil, nil) when the queue is empty.
	AcquireNextJob(ctx context.Context) (*models.Job, error)

	// MarkJob transitions a running job to success or failed, stamping the
	// completion time and recording data (e.g. {"error": ...}) on the row.
	// Returns ErrJobNotRunning without side effects otherwise.
	MarkJob(ctx context.Context, jobID, status string, data map[string]any) error

	GetJob(ctx context.Context, jobID string) (models.Job, error)

	ListDivisions(ctx context.Context, eventID string) ([]models.DivisionCount, error)
	FetchParticipants(ctx context.Context, eventID, divisionID string) ([]models.Participant, error)

	// SaveEngineResult inserts a new bracket in the ready state and returns
	// its id. Earlier brackets for the pair are kept as history.
	SaveEngineResult(ctx context.Context, eventID, divisionID string, result map[string]any) (string, error)

	// IsBracketLocked reports whether the latest bracket for the pair is
	// locked or completed. This is the enqueue admission gate.
	IsBracketLocked(ctx context.Context, eventID, divisionID string) (bool, error)

	// LockBracket moves the latest bracket from ready to locked. A no-op
	// when the current status is anything but ready.
	LockBracket(ctx context.Context, eventID, divisionID, lockedBy string) error

	// GetBracketLifecycleStatus returns the latest bracket's status, or ""
	// when no bracket exists for the pair.
	GetBracketLifecycleStatus(ctx context.Context, eventID, divisionID string) (string, error)

	// GetBracket returns the latest bracket for the pair, or nil when none
	// exists.
	GetBracket(ctx context.Context, eventID, divisionID string) (*models.Bracket, error)

	// MarkStuckJobsAsFailed fails every running job whose start time
	// precedes now-maxAge, returning how many were reclaimed.
	MarkStuckJobsAsFailed(ctx context.Context, maxAge time.Duration) (int64, error)

	SaveDeadLetter(ctx context.Context, dl models.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)

	GetMetrics(ctx context.Context) (models.Metrics, error)
}
