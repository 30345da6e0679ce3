package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andreafio/competition-platform/internal/models"
)

func TestEnqueueIdempotentPerPair(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first, err := s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first enqueue to create a job")
	}

	second, err := s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second.Created {
		t.Fatalf("expected second enqueue to reuse the active job")
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("expected same job id, got %s and %s", first.Job.ID, second.Job.ID)
	}

	// Still idempotent while running and after success.
	if _, err := s.AcquireNextJob(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res, err := s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)
	if err != nil || res.Created {
		t.Fatalf("expected no-op while running, created=%v err=%v", res.Created, err)
	}
	if err := s.MarkJob(ctx, first.Job.ID, models.StatusSuccess, nil); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	res, err = s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)
	if err != nil || res.Created {
		t.Fatalf("expected no-op after success, created=%v err=%v", res.Created, err)
	}

	// A different pair gets its own job.
	other, err := s.EnqueueJob(ctx, "ev1", "div2", "http://example.com/hook", "secret", nil)
	if err != nil || !other.Created {
		t.Fatalf("expected new job for different division, created=%v err=%v", other.Created, err)
	}
}

func TestEnqueueRejectedWhenBracketLocked(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.SaveEngineResult(ctx, "ev1", "div1", map[string]any{"matches": []any{}}); err != nil {
		t.Fatalf("save result: %v", err)
	}
	// Ready does not block regeneration.
	if _, err := s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil); err != nil {
		t.Fatalf("enqueue with ready bracket: %v", err)
	}

	s2 := NewMemory()
	if _, err := s2.SaveEngineResult(ctx, "ev1", "div1", map[string]any{"matches": []any{}}); err != nil {
		t.Fatalf("save result: %v", err)
	}
	if err := s2.LockBracket(ctx, "ev1", "div1", "organizer"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err := s2.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)
	if !errors.Is(err, ErrBracketLocked) {
		t.Fatalf("expected ErrBracketLocked, got %v", err)
	}
}

func TestAcquireNextJobIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	const jobs = 8
	const acquirers = 16
	want := make(map[string]bool, jobs)
	for i := 0; i < jobs; i++ {
		res, err := s.EnqueueJob(ctx, "ev1", divisionName(i), "http://example.com/hook", "secret", nil)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		want[res.Job.ID] = true
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.AcquireNextJob(ctx)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d jobs acquired, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if !want[id] {
			t.Fatalf("acquired unknown job %s", id)
		}
		if n != 1 {
			t.Fatalf("job %s acquired %d times", id, n)
		}
	}
}

func TestAcquireReturnsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first, _ := s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)
	s.jobs[0].CreatedAt = s.jobs[0].CreatedAt.Add(-time.Minute)
	if _, err := s.EnqueueJob(ctx, "ev1", "div2", "http://example.com/hook", "secret", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := s.AcquireNextJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("acquire: job=%v err=%v", job, err)
	}
	if job.ID != first.Job.ID {
		t.Fatalf("expected oldest job %s, got %s", first.Job.ID, job.ID)
	}
	if job.Status != models.StatusRunning || job.StartedAt == nil {
		t.Fatalf("expected running job with start time, got %+v", job)
	}
}

func TestMarkJobGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	res, _ := s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)

	// Queued job cannot be completed.
	if err := s.MarkJob(ctx, res.Job.ID, models.StatusFailed, nil); !errors.Is(err, ErrJobNotRunning) {
		t.Fatalf("expected ErrJobNotRunning for queued job, got %v", err)
	}

	if _, err := s.AcquireNextJob(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.MarkJob(ctx, res.Job.ID, models.StatusFailed, map[string]any{"error": "engine exploded"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	job, err := s.GetJob(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != models.StatusFailed || job.CompletedAt == nil {
		t.Fatalf("expected failed job with completion time, got %+v", job)
	}
	if job.LastError == nil || *job.LastError != "engine exploded" {
		t.Fatalf("expected error message recorded, got %v", job.LastError)
	}

	// Terminal jobs stay untouched.
	if err := s.MarkJob(ctx, res.Job.ID, models.StatusSuccess, nil); !errors.Is(err, ErrJobNotRunning) {
		t.Fatalf("expected ErrJobNotRunning for terminal job, got %v", err)
	}
	again, _ := s.GetJob(ctx, res.Job.ID)
	if again.Status != models.StatusFailed {
		t.Fatalf("terminal status changed to %s", again.Status)
	}

	if err := s.MarkJob(ctx, "missing", models.StatusSuccess, nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := s.MarkJob(ctx, res.Job.ID, models.StatusQueued, nil); err == nil {
		t.Fatalf("expected invalid target status to be rejected")
	}
}

func TestLockBracketOnlyFromReady(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	// Locking with no bracket is a no-op.
	if err := s.LockBracket(ctx, "ev1", "div1", "organizer"); err != nil {
		t.Fatalf("lock without bracket: %v", err)
	}
	status, _ := s.GetBracketLifecycleStatus(ctx, "ev1", "div1")
	if status != "" {
		t.Fatalf("expected no status, got %q", status)
	}

	if _, err := s.SaveEngineResult(ctx, "ev1", "div1", map[string]any{"matches": []any{}}); err != nil {
		t.Fatalf("save result: %v", err)
	}
	status, _ = s.GetBracketLifecycleStatus(ctx, "ev1", "div1")
	if status != models.LifecycleReady {
		t.Fatalf("new bracket should be ready, got %q", status)
	}

	if err := s.LockBracket(ctx, "ev1", "div1", "organizer"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	b, _ := s.GetBracket(ctx, "ev1", "div1")
	if b.LifecycleStatus != models.LifecycleLocked || b.LockedBy == nil || *b.LockedBy != "organizer" {
		t.Fatalf("unexpected bracket after lock: %+v", b)
	}

	// Second lock is idempotent.
	lockedAt := *b.LockedAt
	if err := s.LockBracket(ctx, "ev1", "div1", "someone-else"); err != nil {
		t.Fatalf("second lock: %v", err)
	}
	b, _ = s.GetBracket(ctx, "ev1", "div1")
	if *b.LockedBy != "organizer" || !b.LockedAt.Equal(lockedAt) {
		t.Fatalf("second lock mutated bracket: %+v", b)
	}

	locked, _ := s.IsBracketLocked(ctx, "ev1", "div1")
	if !locked {
		t.Fatalf("expected IsBracketLocked true")
	}
}

func TestLatestBracketWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.SaveEngineResult(ctx, "ev1", "div1", map[string]any{"gen": 1.0}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.brackets[0].CreatedAt = s.brackets[0].CreatedAt.Add(-time.Minute)
	second, err := s.SaveEngineResult(ctx, "ev1", "div1", map[string]any{"gen": 2.0})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	b, _ := s.GetBracket(ctx, "ev1", "div1")
	if b.ID != second {
		t.Fatalf("expected latest bracket %s, got %s", second, b.ID)
	}
}

func TestMarkStuckJobsAsFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	stale, _ := s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)
	fresh, _ := s.EnqueueJob(ctx, "ev1", "div2", "http://example.com/hook", "secret", nil)
	if _, err := s.AcquireNextJob(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.AcquireNextJob(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Backdate one start time past the staleness threshold.
	past := time.Now().UTC().Add(-10 * time.Minute)
	s.findJob(stale.Job.ID).StartedAt = &past

	n, err := s.MarkStuckJobsAsFailed(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	staleJob, _ := s.GetJob(ctx, stale.Job.ID)
	if staleJob.Status != models.StatusFailed || staleJob.LastError == nil {
		t.Fatalf("expected stale job failed with error, got %+v", staleJob)
	}
	freshJob, _ := s.GetJob(ctx, fresh.Job.ID)
	if freshJob.Status != models.StatusRunning {
		t.Fatalf("fresh job should stay running, got %s", freshJob.Status)
	}
}

func TestGetMetrics(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	res, _ := s.EnqueueJob(ctx, "ev1", "div1", "http://example.com/hook", "secret", nil)
	if _, err := s.AcquireNextJob(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.MarkJob(ctx, res.Job.ID, models.StatusSuccess, nil); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := s.SaveEngineResult(ctx, "ev1", "div1", map[string]any{
		"summary": map[string]any{"quality_score": 80.0},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.SaveEngineResult(ctx, "ev1", "div2", map[string]any{
		"summary": map[string]any{"quality_score": 90.0},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	m, err := s.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.JobsSuccess != 1 || m.JobsFailed != 0 {
		t.Fatalf("unexpected job counts: %+v", m)
	}
	if m.QualityScoreAvg != 85.0 {
		t.Fatalf("expected quality avg 85, got %v", m.QualityScoreAvg)
	}
}

func divisionName(i int) string {
	return string(rune('a'+i)) + "-division"
}
