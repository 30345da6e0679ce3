package worker

import (
	"context"
	"log"
	"time"

	"github.com/andreafio/competition-platform/internal/config"
	"github.com/andreafio/competition-platform/internal/store"
	"github.com/andreafio/competition-platform/internal/telemetry"
)

// Reaper periodically fails running jobs abandoned past the staleness
// threshold, recovering from workers that died mid-execution. It does not
// re-run the work; the caller must enqueue again.
type Reaper struct {
	store    store.Store
	interval time.Duration
	maxAge   time.Duration
}

func NewReaper(cfg config.Config, st store.Store) *Reaper {
	interval := cfg.ReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	maxAge := cfg.JobMaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Reaper{store: st, interval: interval, maxAge: maxAge}
}

// Run sweeps until context cancellation. Sweep errors are logged and the
// sweep retried on the next tick; they are never fatal.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := r.store.MarkStuckJobsAsFailed(ctx, r.maxAge)
		if err != nil {
			log.Printf("reaper: sweep: %v", err)
			continue
		}
		if n > 0 {
			telemetry.JobsReclaimed.Add(float64(n))
			log.Printf("reaper: reclaimed %d stuck job(s)", n)
		}
	}
}
