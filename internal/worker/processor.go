package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/andreafio/competition-platform/internal/config"
	"github.com/andreafio/competition-platform/internal/models"
	"github.com/andreafio/competition-platform/internal/store"
	"github.com/andreafio/competition-platform/internal/telemetry"
)

// Generator produces a bracket for a set of participants.
type Generator interface {
	Generate(ctx context.Context, participants []models.Participant, overrides map[string]any, correlationID string) (map[string]any, error)
}

// Dispatcher delivers outcome webhooks.
type Dispatcher interface {
	Deliver(ctx context.Context, jobID, targetURL, secret, eventName string, data map[string]any) error
}

// Archiver snapshots engine results after a successful save.
type Archiver interface {
	Save(ctx context.Context, eventID, divisionID, bracketID string, result map[string]any) (string, error)
}

// Processor polls the queue and runs the generation pipeline for each
// acquired job. Each pipeline runs on its own goroutine, bounded by a worker
// pool so a slow engine call cannot stall polling or fan out without limit.
type Processor struct {
	cfg        config.Config
	store      store.Store
	engine     Generator
	dispatcher Dispatcher
	archiver   Archiver
}

func NewProcessor(cfg config.Config, st store.Store, gen Generator, disp Dispatcher, arch Archiver) *Processor {
	return &Processor{
		cfg:        cfg,
		store:      st,
		engine:     gen,
		dispatcher: disp,
		archiver:   arch,
	}
}

// Run polls until context cancellation, then drains in-flight pipelines.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}

		job, err := p.store.AcquireNextJob(ctx)
		if err != nil {
			log.Printf("worker: acquire job: %v", err)
			continue
		}
		if job == nil {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(job models.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			p.Execute(ctx, job)
		}(*job)
	}
}

// Execute runs the full pipeline for one acquired job. Every failure is
// absorbed here: the job is marked from the generation outcome, and webhook
// delivery problems only dead-letter.
func (p *Processor) Execute(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	participants, err := p.store.FetchParticipants(ctx, job.EventID, job.DivisionID)
	if err != nil {
		p.fail(ctx, job, err)
		return
	}

	started := time.Now()
	result, err := p.engine.Generate(ctx, participants, job.Overrides, job.ID)
	if err != nil {
		p.fail(ctx, job, err)
		return
	}
	telemetry.EngineLatency.Observe(time.Since(started).Seconds())
	if score, ok := qualityScore(result); ok {
		telemetry.QualityScore.Observe(score)
	}

	bracketID, err := p.store.SaveEngineResult(ctx, job.EventID, job.DivisionID, result)
	if err != nil {
		p.fail(ctx, job, err)
		return
	}

	if p.archiver != nil {
		if _, err := p.archiver.Save(ctx, job.EventID, job.DivisionID, bracketID, result); err != nil {
			log.Printf("worker: archive bracket %s: %v", bracketID, err)
		}
	}

	if err := p.dispatcher.Deliver(ctx, job.ID, job.WebhookURL, job.WebhookSecret, "bracket.generated", map[string]any{
		"job_id":      job.ID,
		"event_id":    job.EventID,
		"division_id": job.DivisionID,
		"bracket_id":  bracketID,
	}); err != nil {
		log.Printf("worker: webhook for job %s: %v", job.ID, err)
	}

	if err := p.store.MarkJob(ctx, job.ID, models.StatusSuccess, map[string]any{"bracket_id": bracketID}); err != nil {
		log.Printf("worker: mark job %s success: %v", job.ID, err)
		return
	}
	telemetry.JobsSucceeded.Inc()
}

func (p *Processor) fail(ctx context.Context, job models.Job, cause error) {
	log.Printf("worker: job %s failed: %v", job.ID, cause)
	if err := p.store.MarkJob(ctx, job.ID, models.StatusFailed, map[string]any{"error": cause.Error()}); err != nil {
		log.Printf("worker: mark job %s failed: %v", job.ID, err)
	}
	telemetry.JobsFailed.Inc()

	if err := p.dispatcher.Deliver(ctx, job.ID, job.WebhookURL, job.WebhookSecret, "bracket.failed", map[string]any{
		"job_id":      job.ID,
		"event_id":    job.EventID,
		"division_id": job.DivisionID,
		"error":       cause.Error(),
	}); err != nil {
		log.Printf("worker: failure webhook for job %s: %v", job.ID, err)
	}
}

func qualityScore(result map[string]any) (float64, bool) {
	summary, ok := result["summary"].(map[string]any)
	if !ok {
		return 0, false
	}
	score, ok := summary["quality_score"].(float64)
	return score, ok
}
