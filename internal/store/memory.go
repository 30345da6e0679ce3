package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andreafio/competition-platform/internal/models"
)

// Memory is an in-memory Store for tests and local development. A single
// mutex serializes every operation, which gives the same atomicity guarantees
// the Postgres implementation gets from transactions and row locks.
type Memory struct {
	mu           sync.Mutex
	jobs         []*models.Job
	brackets     []*models.Bracket
	deadLetters  []models.DeadLetter
	divisions    map[string][]models.DivisionCount
	participants map[string][]models.Participant
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		divisions:    make(map[string][]models.DivisionCount),
		participants: make(map[string][]models.Participant),
	}
}

// SeedDivision registers a division and its participants for an event.
func (s *Memory) SeedDivision(eventID string, dc models.DivisionCount, participants []models.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.divisions[eventID] = append(s.divisions[eventID], dc)
	s.participants[eventID+"/"+dc.DivisionID] = participants
}

func (s *Memory) EnqueueJob(_ context.Context, eventID, divisionID, webhookURL, webhookSecret string, overrides map[string]any) (EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if latest := s.latestBracket(eventID, divisionID); latest != nil {
		if latest.LifecycleStatus == models.LifecycleLocked || latest.LifecycleStatus == models.LifecycleCompleted {
			return EnqueueResult{}, ErrBracketLocked
		}
	}

	for _, j := range s.jobs {
		if j.EventID == eventID && j.DivisionID == divisionID && isActive(j.Status) {
			return EnqueueResult{Job: *j, Created: false}, nil
		}
	}

	if overrides == nil {
		overrides = map[string]any{}
	}
	job := &models.Job{
		ID:            uuid.New().String(),
		EventID:       eventID,
		DivisionID:    divisionID,
		WebhookURL:    webhookURL,
		WebhookSecret: webhookSecret,
		Overrides:     overrides,
		Status:        models.StatusQueued,
		CreatedAt:     time.Now().UTC(),
	}
	s.jobs = append(s.jobs, job)
	return EnqueueResult{Job: *job, Created: true}, nil
}

func (s *Memory) AcquireNextJob(_ context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Job
	for _, j := range s.jobs {
		if j.Status != models.StatusQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	oldest.Status = models.StatusRunning
	oldest.StartedAt = &now
	cp := *oldest
	return &cp, nil
}

func (s *Memory) MarkJob(_ context.Context, jobID, status string, data map[string]any) error {
	if status != models.StatusSuccess && status != models.StatusFailed {
		return fmt.Errorf("mark job: invalid target status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.findJob(jobID)
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status != models.StatusRunning {
		return ErrJobNotRunning
	}
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	if msg, ok := data["error"].(string); ok {
		job.LastError = &msg
	}
	return nil
}

func (s *Memory) GetJob(_ context.Context, jobID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job := s.findJob(jobID); job != nil {
		return *job, nil
	}
	return models.Job{}, ErrJobNotFound
}

func (s *Memory) ListDivisions(_ context.Context, eventID string) ([]models.DivisionCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DivisionCount(nil), s.divisions[eventID]...), nil
}

func (s *Memory) FetchParticipants(_ context.Context, eventID, divisionID string) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Participant(nil), s.participants[eventID+"/"+divisionID]...), nil
}

func (s *Memory) SaveEngineResult(_ context.Context, eventID, divisionID string, result map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &models.Bracket{
		ID:              uuid.New().String(),
		EventID:         eventID,
		DivisionID:      divisionID,
		EngineResult:    result,
		LifecycleStatus: models.LifecycleReady,
		CreatedAt:       time.Now().UTC(),
	}
	s.brackets = append(s.brackets, b)
	return b.ID, nil
}

func (s *Memory) IsBracketLocked(_ context.Context, eventID, divisionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestBracket(eventID, divisionID)
	if latest == nil {
		return false, nil
	}
	return latest.LifecycleStatus == models.LifecycleLocked || latest.LifecycleStatus == models.LifecycleCompleted, nil
}

func (s *Memory) LockBracket(_ context.Context, eventID, divisionID, lockedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestBracket(eventID, divisionID)
	if latest == nil || latest.LifecycleStatus != models.LifecycleReady {
		return nil
	}
	now := time.Now().UTC()
	latest.LifecycleStatus = models.LifecycleLocked
	latest.LockedBy = &lockedBy
	latest.LockedAt = &now
	return nil
}

func (s *Memory) GetBracketLifecycleStatus(_ context.Context, eventID, divisionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if latest := s.latestBracket(eventID, divisionID); latest != nil {
		return latest.LifecycleStatus, nil
	}
	return "", nil
}

func (s *Memory) GetBracket(_ context.Context, eventID, divisionID string) (*models.Bracket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestBracket(eventID, divisionID)
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *Memory) MarkStuckJobsAsFailed(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	var n int64
	for _, j := range s.jobs {
		if j.Status != models.StatusRunning || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		now := time.Now().UTC()
		msg := "reclaimed: exceeded max runtime"
		j.Status = models.StatusFailed
		j.LastError = &msg
		j.CompletedAt = &now
		n++
	}
	return n, nil
}

func (s *Memory) SaveDeadLetter(_ context.Context, dl models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl.ID = uuid.New().String()
	dl.CreatedAt = time.Now().UTC()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *Memory) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.deadLetters) {
		limit = len(s.deadLetters)
	}
	out := make([]models.DeadLetter, 0, limit)
	for i := len(s.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.deadLetters[i])
	}
	return out, nil
}

func (s *Memory) GetMetrics(_ context.Context) (models.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m models.Metrics
	var latencies []float64
	for _, j := range s.jobs {
		switch j.Status {
		case models.StatusSuccess:
			m.JobsSuccess++
			if j.StartedAt != nil && j.CompletedAt != nil {
				latencies = append(latencies, float64(j.CompletedAt.Sub(*j.StartedAt).Milliseconds()))
			}
		case models.StatusFailed:
			m.JobsFailed++
		}
	}
	m.EngineLatencyP95 = percentile(latencies, 0.95)

	var sum float64
	var count int
	for _, b := range s.brackets {
		if score, ok := qualityScore(b.EngineResult); ok {
			sum += score
			count++
		}
	}
	if count > 0 {
		m.QualityScoreAvg = sum / float64(count)
	}
	return m, nil
}

func (s *Memory) findJob(jobID string) *models.Job {
	for _, j := range s.jobs {
		if j.ID == jobID {
			return j
		}
	}
	return nil
}

func (s *Memory) latestBracket(eventID, divisionID string) *models.Bracket {
	var latest *models.Bracket
	for _, b := range s.brackets {
		if b.EventID != eventID || b.DivisionID != divisionID {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	return latest
}

func isActive(status string) bool {
	for _, a := range models.ActiveStatuses {
		if status == a {
			return true
		}
	}
	return false
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	idx := int(p * float64(len(values)-1))
	return values[idx]
}

func qualityScore(result map[string]any) (float64, bool) {
	summary, ok := result["summary"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := summary["quality_score"].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
