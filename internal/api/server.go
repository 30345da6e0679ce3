package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/andreafio/competition-platform/internal/bracket"
	"github.com/andreafio/competition-platform/internal/config"
	"github.com/andreafio/competition-platform/internal/ratelimit"
	"github.com/andreafio/competition-platform/internal/store"
	"github.com/andreafio/competition-platform/internal/telemetry"
)

// Server wires HTTP handlers for the orchestration API.
type Server struct {
	cfg     config.Config
	store   store.Store
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st store.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/events/{eventID}/generate-all-brackets", s.handleGenerateAll)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Get("/v1/events/{eventID}/divisions/{divisionID}/bracket", s.handleGetBracket)
	r.Post("/v1/events/{eventID}/divisions/{divisionID}/lock", s.handleLock)
	r.Post("/v1/events/{eventID}/divisions/{divisionID}/preview", s.handlePreview)
	r.Get("/v1/dead-letters", s.handleDeadLetters)
	r.Get("/v1/metrics", s.handleMetrics)
	return r
}

type generateAllRequest struct {
	Webhook struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
	} `json:"webhook"`
	Overrides map[string]any `json:"overrides"`
}

type enqueuedJob struct {
	DivisionID string `json:"division_id"`
	JobID      string `json:"job_id"`
	Created    bool   `json:"created"`
}

type generateAllResponse struct {
	EventID      string        `json:"event_id"`
	JobsEnqueued int           `json:"jobs_enqueued"`
	Jobs         []enqueuedJob `json:"jobs"`
}

// handleGenerateAll enqueues one generation job per division of the event
// that has enough confirmed participants. Re-issuing the same request is safe:
// divisions with an active job come back with created=false.
func (s *Server) handleGenerateAll(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var req generateAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Webhook.URL == "" || req.Webhook.Secret == "" {
		http.Error(w, "webhook.url and webhook.secret are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), eventID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	divisions, err := s.store.ListDivisions(r.Context(), eventID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := generateAllResponse{EventID: eventID, Jobs: []enqueuedJob{}}
	for _, d := range divisions {
		if d.Participants < 2 {
			continue
		}
		res, err := s.store.EnqueueJob(r.Context(), eventID, d.DivisionID, req.Webhook.URL, req.Webhook.Secret, req.Overrides)
		if errors.Is(err, store.ErrBracketLocked) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if res.Created {
			telemetry.JobsEnqueued.Inc()
		}
		resp.Jobs = append(resp.Jobs, enqueuedJob{DivisionID: d.DivisionID, JobID: res.Job.ID, Created: res.Created})
	}
	resp.JobsEnqueued = len(resp.Jobs)

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetBracket(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	divisionID := chi.URLParam(r, "divisionID")
	b, err := s.store.GetBracket(r.Context(), eventID, divisionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if b == nil {
		http.Error(w, "bracket not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type lockRequest struct {
	LockedBy string `json:"locked_by"`
}

// handleLock moves the latest ready bracket to locked. Locking an already
// locked or missing bracket is a no-op; the response carries the resulting
// status either way.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	divisionID := chi.URLParam(r, "divisionID")

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.LockedBy == "" {
		http.Error(w, "locked_by is required", http.StatusBadRequest)
		return
	}

	if err := s.store.LockBracket(r.Context(), eventID, divisionID, req.LockedBy); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status, err := s.store.GetBracketLifecycleStatus(r.Context(), eventID, divisionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if status == "" {
		http.Error(w, "bracket not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lifecycle_status": status})
}

type previewRequest struct {
	EngineResult map[string]any `json:"engine_result"`
}

// handlePreview diffs a candidate engine result against the latest stored
// bracket without persisting anything.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	divisionID := chi.URLParam(r, "divisionID")

	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.EngineResult == nil {
		http.Error(w, "engine_result is required", http.StatusBadRequest)
		return
	}

	current, err := s.store.GetBracket(r.Context(), eventID, divisionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var old map[string]any
	if current != nil {
		old = current.EngineResult
	}
	writeJSON(w, http.StatusOK, bracket.Diff(old, req.EngineResult))
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListDeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMetrics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
