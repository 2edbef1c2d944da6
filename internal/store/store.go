// Package store persists jobs and their attempt history and exposes the atomic
// lease and finish operations workers coordinate through.
package store

import (
	"context"
	"errors"
	"time"

	"orchestrator-core/internal/backoff"
	"orchestrator-core/internal/config"
	"orchestrator-core/internal/models"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// JobStore is the single source of truth shared by workers and the trigger scheduler.
type JobStore interface {
	// Enqueue inserts a job. A second call for the same (workflow_run_id, step_id)
	// returns the existing id with created=false.
	Enqueue(ctx context.Context, p EnqueueParams) (id string, created bool, err error)
	// Lease atomically claims up to limit leasable jobs ordered by (priority, next_run_at).
	// Concurrent callers never receive the same job.
	Lease(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	// FinishAttempt records one attempt and moves the job to done, queued or failed.
	// Jobs that are already done or failed are returned unchanged.
	FinishAttempt(ctx context.Context, r AttemptResult) (models.Job, error)

	GetJob(ctx context.Context, id string) (models.Job, error)
	ListAttempts(ctx context.Context, jobID string) ([]models.JobAttempt, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	WorkflowRunID string
	StepID        string
	UserID        string
	IntentID      string
	Payload       map[string]any
	Priority      int
	MaxAttempts   int
	RunAt         time.Time
}

// AttemptResult is the settled outcome of one dispatch try.
type AttemptResult struct {
	JobID      string
	Success    bool
	StatusCode int
	ErrorText  string
	StartedAt  time.Time
	Logs       []string
}

// Options tune behaviour shared by every backend.
type Options struct {
	LeaseDuration      time.Duration
	DefaultMaxAttempts int
	Backoff            backoff.Policy
	Now                func() time.Time
}

// OptionsFromConfig derives store options from runtime configuration.
func OptionsFromConfig(cfg config.Config) Options {
	cfg = cfg.WithDefaults()
	return Options{
		LeaseDuration:      cfg.LeaseDuration,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		Backoff:            backoff.FromConfig(cfg),
	}
}

func (o Options) withDefaults() Options {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = config.DefaultLeaseDuration
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = config.DefaultMaxAttempts
	}
	if o.Backoff == nil {
		o.Backoff = backoff.Fixed{Interval: 30 * time.Second}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// nextState applies the retry policy to a failed attempt.
func nextState(o Options, attempts, maxAttempts int, now time.Time) (models.JobStatus, time.Time) {
	if attempts >= maxAttempts {
		return models.StatusFailed, now
	}
	return models.StatusQueued, now.Add(o.Backoff.Delay(attempts))
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
