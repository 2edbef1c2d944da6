package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// JobStatus enumerates lifecycle states persisted by the job store.
type JobStatus string

const (
	StatusQueued JobStatus = "queued"
	StatusLeased JobStatus = "leased"
	StatusDone   JobStatus = "done"
	StatusFailed JobStatus = "failed"
)

// Final reports whether no further attempts will be made.
func (s JobStatus) Final() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is one step of a workflow run, materialized for execution.
type Job struct {
	ID            string         `json:"id"`
	WorkflowRunID string         `json:"workflow_run_id"`
	StepID        string         `json:"step_id"`
	UserID        string         `json:"user_id"`
	IntentID      *string        `json:"intent_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Status        JobStatus      `json:"status"`
	Priority      int            `json:"priority"`
	LeaseUntil    *time.Time     `json:"lease_until,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	NextRunAt     time.Time      `json:"next_run_at"`
	LastError     *string        `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IdempotencyKey is stable across every attempt of the same workflow step.
func (j Job) IdempotencyKey() string {
	return j.WorkflowRunID + "-" + j.StepID
}

// Leasable reports whether the job may be claimed at now.
func (j Job) Leasable(now time.Time) bool {
	if j.LeaseUntil != nil && j.LeaseUntil.After(now) {
		return false
	}
	if j.NextRunAt.After(now) {
		return false
	}
	// An expired lease on a leased job means the holder died before finishing.
	return j.Status == StatusQueued || j.Status == StatusLeased
}

// JobAttempt is an immutable record of one execution try.
type JobAttempt struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code"`
	ErrorText  *string   `json:"error_text,omitempty"`
	Logs       []string  `json:"logs"`
}

// ErrMissingCallPath is returned when a payload has no target address.
var ErrMissingCallPath = errors.New("payload.call_path is required")

// Call is the downstream request described by a job payload.
type Call struct {
	Path   string
	Method string
	Body   any
}

// ParseCall extracts call_path, method and body from a job payload.
func ParseCall(payload map[string]any) (Call, error) {
	raw, ok := payload["call_path"]
	if !ok || raw == nil {
		return Call{}, ErrMissingCallPath
	}
	path, ok := raw.(string)
	if !ok {
		return Call{}, fmt.Errorf("payload.call_path must be a string, got %T", raw)
	}
	if strings.TrimSpace(path) == "" {
		return Call{}, ErrMissingCallPath
	}

	method := http.MethodPost
	if m, ok := payload["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	return Call{Path: path, Method: method, Body: payload["body"]}, nil
}
