package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "brackets_jobs_enqueued_total", Help: "Generation jobs enqueued"})
	JobsSucceeded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "brackets_jobs_success_total", Help: "Generation jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "brackets_jobs_failed_total", Help: "Generation jobs that failed"})
	JobsReclaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "brackets_jobs_reclaimed_total", Help: "Stuck jobs reclaimed by the reaper"})
	WebhookDelivered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "brackets_webhooks_delivered_total", Help: "Webhooks delivered"})
	WebhookDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "brackets_webhooks_dead_letter_total", Help: "Webhook deliveries dead-lettered"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "brackets_rate_limit_rejects_total", Help: "Generation requests rejected by rate limiter"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "brackets_jobs_inflight", Help: "Jobs currently executing"})
	EngineLatency     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "brackets_engine_latency_seconds",
		Help:    "Engine generate call latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	QualityScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "brackets_quality_score",
		Help:    "Engine-reported bracket quality score",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsSucceeded,
			JobsFailed,
			JobsReclaimed,
			WebhookDelivered,
			WebhookDeadLetter,
			RateLimitRejects,
			InFlightGauge,
			EngineLatency,
			QualityScore,
		)
	})
	return promhttp.Handler()
}
