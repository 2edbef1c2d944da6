// Package api exposes the job store, worker activation and trigger activation
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"orchestrator-core/internal/config"
	"orchestrator-core/internal/models"
	"orchestrator-core/internal/ratelimit"
	"orchestrator-core/internal/store"
	"orchestrator-core/internal/telemetry"
	"orchestrator-core/internal/trigger"
	"orchestrator-core/internal/worker"
)

// Limiter throttles enqueue per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// BatchRunner runs one worker activation.
type BatchRunner interface {
	RunOnce(ctx context.Context) (worker.BatchResult, error)
}

// TriggerRunner runs one trigger activation for the given instant.
type TriggerRunner interface {
	Run(ctx context.Context, now time.Time) (trigger.Summary, error)
}

// Server wires HTTP handlers for producers, operators and the external scheduler.
type Server struct {
	cfg     config.Config
	store   store.JobStore
	limiter Limiter
	worker  BatchRunner
	trigger TriggerRunner
	logger  *slog.Logger
}

// New constructs the API server. limiter, w and tr may be nil; the matching
// routes then answer 503 or skip throttling.
func New(cfg config.Config, st store.JobStore, limiter Limiter, w BatchRunner, tr TriggerRunner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg.WithDefaults(),
		store:   st,
		limiter: limiter,
		worker:  w,
		trigger: tr,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/attempts", s.handleListAttempts)
		r.Post("/worker/run", s.handleWorkerRun)
		r.Post("/trigger/run", s.handleTriggerRun)
	})
	return r
}

type enqueueRequest struct {
	WorkflowRunID string         `json:"workflow_run_id"`
	StepID        string         `json:"step_id"`
	UserID        string         `json:"user_id"`
	IntentID      string         `json:"intent_id"`
	Payload       map[string]any `json:"payload"`
	Priority      int            `json:"priority"`
	MaxAttempts   int            `json:"max_attempts"`
	RunAt         *time.Time     `json:"run_at"`
	DelaySeconds  int            `json:"delay_seconds"`
}

type enqueueResponse struct {
	Job     models.Job `json:"job"`
	Created bool       `json:"created"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.WorkflowRunID == "" || req.StepID == "" {
		writeError(w, http.StatusBadRequest, "workflow_run_id and step_id are required")
		return
	}
	if _, err := models.ParseCall(req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		tenant := tenantFromRequest(r)
		d, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.logger.Error("rate limiter unavailable", slog.String("tenant", tenant), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	runAt := time.Now().UTC()
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}
	if req.DelaySeconds > 0 {
		runAt = runAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	id, created, err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		WorkflowRunID: req.WorkflowRunID,
		StepID:        req.StepID,
		UserID:        req.UserID,
		IntentID:      req.IntentID,
		Payload:       req.Payload,
		Priority:      req.Priority,
		MaxAttempts:   req.MaxAttempts,
		RunAt:         runAt,
	})
	if err != nil {
		s.logger.Error("enqueue failed", slog.String("workflow_run_id", req.WorkflowRunID), slog.String("step_id", req.StepID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if created {
		telemetry.EnqueueCounter.Inc()
	} else {
		telemetry.EnqueueDuplicate.Inc()
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, enqueueResponse{Job: job, Created: created})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// handleListJobs lists jobs in one status, failed by default.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.StatusFailed
	if v := r.URL.Query().Get("status"); v != "" {
		status = models.JobStatus(v)
	}
	switch status {
	case models.StatusQueued, models.StatusLeased, models.StatusDone, models.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleWorkerRun(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "worker not configured")
		return
	}
	res, err := s.worker.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("worker activation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTriggerRun evaluates the rules for now, or for ?at=<RFC3339> when
// replaying a missed window.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "trigger not configured")
		return
	}
	now := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		now = at
	}
	summary, err := s.trigger.Run(r.Context(), now)
	if err != nil {
		s.logger.Error("trigger activation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("store request failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
