package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andreafio/competition-platform/internal/models"
)

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnqueueJob admits one job per (event, division) pair. The existence check
// and insert run in one transaction, and a partial unique index on active
// jobs backs the insert so concurrent enqueues for the same pair cannot both
// create a row.
func (s *Postgres) EnqueueJob(ctx context.Context, eventID, divisionID, webhookURL, webhookSecret string, overrides map[string]any) (EnqueueResult, error) {
	if overrides == nil {
		overrides = map[string]any{}
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("marshal overrides: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var lifecycle string
	err = tx.QueryRow(ctx, `
		SELECT lifecycle_status FROM brackets
		WHERE event_id = $1 AND division_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, eventID, divisionID).Scan(&lifecycle)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return EnqueueResult{}, fmt.Errorf("query bracket lifecycle: %w", err)
	}
	if lifecycle == models.LifecycleLocked || lifecycle == models.LifecycleCompleted {
		return EnqueueResult{}, ErrBracketLocked
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO bracket_jobs (id, event_id, division_id, webhook_url, webhook_secret, overrides, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7)
		ON CONFLICT (event_id, division_id) WHERE status IN ('queued', 'running', 'success') DO NOTHING
	`, id, eventID, divisionID, webhookURL, webhookSecret, overridesJSON, now)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert job: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var existingID string
		err = tx.QueryRow(ctx, `
			SELECT id FROM bracket_jobs
			WHERE event_id = $1 AND division_id = $2 AND status IN ('queued', 'running', 'success')
			ORDER BY created_at DESC
			LIMIT 1
		`, eventID, divisionID).Scan(&existingID)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("query existing job: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return EnqueueResult{}, fmt.Errorf("commit: %w", err)
		}
		job, err := s.GetJob(ctx, existingID)
		if err != nil {
			return EnqueueResult{}, err
		}
		return EnqueueResult{Job: job, Created: false}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return EnqueueResult{}, fmt.Errorf("commit: %w", err)
	}

	return EnqueueResult{
		Job: models.Job{
			ID:            id,
			EventID:       eventID,
			DivisionID:    divisionID,
			WebhookURL:    webhookURL,
			WebhookSecret: webhookSecret,
			Overrides:     overrides,
			Status:        models.StatusQueued,
			CreatedAt:     now,
		},
		Created: true,
	}, nil
}

// AcquireNextJob claims the oldest queued job with a lock-and-skip update so
// concurrent workers never receive the same row.
func (s *Postgres) AcquireNextJob(ctx context.Context) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bracket_jobs
		SET status = 'running', started_at = NOW()
		WHERE id = (
			SELECT id FROM bracket_jobs
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, division_id, webhook_url, webhook_secret, overrides, status, last_error, created_at, started_at, completed_at
	`)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire job: %w", err)
	}
	return &job, nil
}

// MarkJob completes a running job. The status predicate makes the call a
// guarded no-op when the job already reached a terminal state.
func (s *Postgres) MarkJob(ctx context.Context, jobID, status string, data map[string]any) error {
	if status != models.StatusSuccess && status != models.StatusFailed {
		return fmt.Errorf("mark job: invalid target status %q", status)
	}
	var dataJSON []byte
	var lastErr *string
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal job data: %w", err)
		}
		dataJSON = b
		if msg, ok := data["error"].(string); ok {
			lastErr = &msg
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE bracket_jobs
		SET status = $2, data = $3, last_error = $4, completed_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, jobID, status, dataJSON, lastErr)
	if err != nil {
		return fmt.Errorf("mark job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bracket_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return ErrJobNotFound
		}
		return ErrJobNotRunning
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, event_id, division_id, webhook_url, webhook_secret, overrides, status, last_error, created_at, started_at, completed_at
		FROM bracket_jobs WHERE id = $1
	`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListDivisions returns divisions of an event with confirmed registration counts.
func (s *Postgres) ListDivisions(ctx context.Context, eventID string) ([]models.DivisionCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.code, COUNT(r.athlete_id)
		FROM event_divisions d
		LEFT JOIN event_registrations r
			ON d.id = r.division_id AND r.event_id = $1 AND r.status = 'confirmed'
		WHERE d.event_id = $1
		GROUP BY d.id, d.code
		ORDER BY d.code
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list divisions: %w", err)
	}
	defer rows.Close()

	var out []models.DivisionCount
	for rows.Next() {
		var dc models.DivisionCount
		var count int64
		if err := rows.Scan(&dc.DivisionID, &dc.Code, &count); err != nil {
			return nil, fmt.Errorf("scan division: %w", err)
		}
		dc.Participants = int(count)
		out = append(out, dc)
	}
	return out, rows.Err()
}

// FetchParticipants reads the confirmed registrations for a division, ranked
// best first.
func (s *Postgres) FetchParticipants(ctx context.Context, eventID, divisionID string) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.club_id, a.nation_code, a.ranking_points, r.seed, a.meta
		FROM event_registrations r
		JOIN athletes a ON r.athlete_id = a.id
		WHERE r.event_id = $1 AND r.division_id = $2 AND r.status = 'confirmed'
		ORDER BY a.ranking_points DESC NULLS LAST
	`, eventID, divisionID)
	if err != nil {
		return nil, fmt.Errorf("fetch participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		var club, nation pgtype.Text
		var points, seed pgtype.Int4
		var metaJSON []byte
		if err := rows.Scan(&p.AthleteID, &club, &nation, &points, &seed, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.ClubID = textPtr(club)
		p.NationCode = textPtr(nation)
		p.RankingPoints = intPtr(points)
		p.Seed = intPtr(seed)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &p.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal participant meta: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveEngineResult appends a new bracket row in the ready state.
func (s *Postgres) SaveEngineResult(ctx context.Context, eventID, divisionID string, result map[string]any) (string, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal engine result: %w", err)
	}
	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO brackets (id, event_id, division_id, engine_result, lifecycle_status, created_at)
		VALUES ($1, $2, $3, $4, 'ready', NOW())
	`, id, eventID, divisionID, resultJSON)
	if err != nil {
		return "", fmt.Errorf("insert bracket: %w", err)
	}
	return id, nil
}

// IsBracketLocked reports whether the latest bracket is locked or completed.
func (s *Postgres) IsBracketLocked(ctx context.Context, eventID, divisionID string) (bool, error) {
	status, err := s.GetBracketLifecycleStatus(ctx, eventID, divisionID)
	if err != nil {
		return false, err
	}
	return status == models.LifecycleLocked || status == models.LifecycleCompleted, nil
}

// LockBracket transitions the latest bracket from ready to locked. The status
// predicate makes double-locking and locking a missing bracket no-ops.
func (s *Postgres) LockBracket(ctx context.Context, eventID, divisionID, lockedBy string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE brackets
		SET lifecycle_status = 'locked', locked_by = $3, locked_at = NOW()
		WHERE id = (
			SELECT id FROM brackets
			WHERE event_id = $1 AND division_id = $2
			ORDER BY created_at DESC
			LIMIT 1
		) AND lifecycle_status = 'ready'
	`, eventID, divisionID, lockedBy)
	if err != nil {
		return fmt.Errorf("lock bracket: %w", err)
	}
	return nil
}

// GetBracketLifecycleStatus returns the newest bracket's status, "" when none.
func (s *Postgres) GetBracketLifecycleStatus(ctx context.Context, eventID, divisionID string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT lifecycle_status FROM brackets
		WHERE event_id = $1 AND division_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, eventID, divisionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query lifecycle status: %w", err)
	}
	return status, nil
}

// GetBracket returns the newest bracket for the pair, nil when none exists.
func (s *Postgres) GetBracket(ctx context.Context, eventID, divisionID string) (*models.Bracket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, event_id, division_id, engine_result, lifecycle_status, locked_by, locked_at, created_at
		FROM brackets
		WHERE event_id = $1 AND division_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, eventID, divisionID)

	var b models.Bracket
	var resultJSON []byte
	var lockedBy pgtype.Text
	var lockedAt pgtype.Timestamptz
	err := row.Scan(&b.ID, &b.EventID, &b.DivisionID, &resultJSON, &b.LifecycleStatus, &lockedBy, &lockedAt, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan bracket: %w", err)
	}
	if err := json.Unmarshal(resultJSON, &b.EngineResult); err != nil {
		return nil, fmt.Errorf("unmarshal engine result: %w", err)
	}
	b.LockedBy = textPtr(lockedBy)
	if lockedAt.Valid {
		t := lockedAt.Time
		b.LockedAt = &t
	}
	return &b, nil
}

// MarkStuckJobsAsFailed reclaims running jobs abandoned past maxAge.
func (s *Postgres) MarkStuckJobsAsFailed(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bracket_jobs
		SET status = 'failed', last_error = 'reclaimed: exceeded max runtime', completed_at = NOW()
		WHERE status = 'running' AND started_at < NOW() - make_interval(secs => $1)
	`, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("mark stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveDeadLetter appends a failed webhook delivery row.
func (s *Postgres) SaveDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	payloadJSON, err := json.Marshal(dl.Payload)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_dead_letters (id, job_id, webhook_url, payload, error_message, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), dl.JobID, dl.WebhookURL, payloadJSON, dl.ErrorMessage, dl.RetryCount)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the newest dead letters for inspection.
func (s *Postgres) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, webhook_url, payload, error_message, retry_count, created_at
		FROM webhook_dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var payloadJSON []byte
		if err := rows.Scan(&dl.ID, &dl.JobID, &dl.WebhookURL, &payloadJSON, &dl.ErrorMessage, &dl.RetryCount, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &dl.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter payload: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// GetMetrics summarizes the last 24 hours of orchestration activity. Engine
// latency p95 comes from job start/completion stamps of successful jobs.
func (s *Postgres) GetMetrics(ctx context.Context) (models.Metrics, error) {
	var m models.Metrics
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(percentile_cont(0.95) WITHIN GROUP (
				ORDER BY EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000
			) FILTER (WHERE status = 'success' AND started_at IS NOT NULL AND completed_at IS NOT NULL), 0)
		FROM bracket_jobs
		WHERE created_at > NOW() - INTERVAL '24 hours'
	`).Scan(&m.JobsSuccess, &m.JobsFailed, &m.EngineLatencyP95)
	if err != nil {
		return models.Metrics{}, fmt.Errorf("query job metrics: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG((engine_result->'summary'->>'quality_score')::float), 0)
		FROM brackets
		WHERE created_at > NOW() - INTERVAL '24 hours'
	`).Scan(&m.QualityScoreAvg)
	if err != nil {
		return models.Metrics{}, fmt.Errorf("query quality metrics: %w", err)
	}
	return m, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var overridesJSON []byte
	var lastErr pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.EventID, &job.DivisionID, &job.WebhookURL, &job.WebhookSecret,
		&overridesJSON, &job.Status, &lastErr, &job.CreatedAt, &startedAt, &completedAt); err != nil {
		return models.Job{}, err
	}
	if len(overridesJSON) > 0 {
		if err := json.Unmarshal(overridesJSON, &job.Overrides); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal overrides: %w", err)
		}
	}
	job.LastError = textPtr(lastErr)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func intPtr(i pgtype.Int4) *int {
	if i.Valid {
		v := int(i.Int32)
		return &v
	}
	return nil
}
