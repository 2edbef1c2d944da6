package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestrator-core/internal/models"
)

// Memory is an in-process JobStore. Select-and-mark happens under a single
// mutex, which gives Lease the same exclusivity as the Postgres backend for
// callers sharing the process. Intended for tests and local development.
type Memory struct {
	mu sync.Mutex

	jobs     map[string]*models.Job
	runSteps map[string]string // "runID\x00stepID" -> job id
	attempts map[string][]models.JobAttempt
	opts     Options
}

var _ JobStore = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory(opts Options) *Memory {
	return &Memory{
		jobs:     make(map[string]*models.Job),
		runSteps: make(map[string]string),
		attempts: make(map[string][]models.JobAttempt),
		opts:     opts.withDefaults(),
	}
}

func runStepKey(runID, stepID string) string {
	return runID + "\x00" + stepID
}

func (m *Memory) Enqueue(_ context.Context, p EnqueueParams) (string, bool, error) {
	if p.WorkflowRunID == "" || p.StepID == "" {
		return "", false, errors.New("workflow_run_id and step_id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := runStepKey(p.WorkflowRunID, p.StepID)
	if id, ok := m.runSteps[key]; ok {
		return id, false, nil
	}

	now := m.opts.Now()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = m.opts.DefaultMaxAttempts
	}
	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	job := &models.Job{
		ID:            uuid.New().String(),
		WorkflowRunID: p.WorkflowRunID,
		StepID:        p.StepID,
		UserID:        p.UserID,
		IntentID:      emptyToNil(p.IntentID),
		Payload:       payload,
		Status:        models.StatusQueued,
		Priority:      p.Priority,
		MaxAttempts:   p.MaxAttempts,
		NextRunAt:     p.RunAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.jobs[job.ID] = job
	m.runSteps[key] = job.ID
	return job.ID, true, nil
}

func (m *Memory) Lease(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if j.Leasable(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		return candidates[i].NextRunAt.Before(candidates[k].NextRunAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	until := now.Add(m.opts.LeaseDuration)
	out := make([]models.Job, 0, len(candidates))
	for _, j := range candidates {
		j.Status = models.StatusLeased
		j.LeaseUntil = &until
		j.UpdatedAt = now
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (m *Memory) FinishAttempt(_ context.Context, r AttemptResult) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[r.JobID]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if j.Status.Final() {
		return cloneJob(j), nil
	}

	now := m.opts.Now()
	attempt := models.JobAttempt{
		ID:         uuid.New().String(),
		JobID:      r.JobID,
		StartedAt:  r.StartedAt,
		FinishedAt: now,
		Success:    r.Success,
		StatusCode: r.StatusCode,
		Logs:       append([]string{}, r.Logs...),
	}
	if !r.Success {
		attempt.ErrorText = emptyToNil(r.ErrorText)
	}
	m.attempts[r.JobID] = append(m.attempts[r.JobID], attempt)

	j.LeaseUntil = nil
	j.UpdatedAt = now
	if r.Success {
		j.Status = models.StatusDone
		j.LastError = nil
		return cloneJob(j), nil
	}

	j.Attempts++
	j.Status, j.NextRunAt = nextState(m.opts, j.Attempts, j.MaxAttempts, now)
	j.LastError = attempt.ErrorText
	return cloneJob(j), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListAttempts(_ context.Context, jobID string) ([]models.JobAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.JobAttempt(nil), m.attempts[jobID]...), nil
}

func (m *Memory) ListJobs(_ context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[models.JobStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.JobStatus]int64)
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

// cloneJob copies pointer fields so callers cannot mutate stored state.
func cloneJob(j *models.Job) models.Job {
	c := *j
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		c.LeaseUntil = &t
	}
	if j.LastError != nil {
		s := *j.LastError
		c.LastError = &s
	}
	if j.IntentID != nil {
		s := *j.IntentID
		c.IntentID = &s
	}
	return c
}
