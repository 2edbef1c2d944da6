// Package trigger turns wall-clock time into workflow dispatches for every
// user currently eligible for a matching workflow.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"orchestrator-core/internal/telemetry"
)

// UserSource returns users currently in an in_progress learning state.
type UserSource interface {
	InProgressUsers(ctx context.Context) ([]string, error)
}

// WorkflowDispatcher hands one (workflow, user) pair to the collaborator that
// expands it into job rows.
type WorkflowDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// Guard remembers which (event, user) pairs were already dispatched.
type Guard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// DispatchRequest is the body sent to the workflow-dispatch collaborator.
type DispatchRequest struct {
	UserID         string         `json:"user_id"`
	WorkflowKey    string         `json:"workflow_key"`
	TriggerEventID string         `json:"trigger_event_id"`
	Payload        map[string]any `json:"payload"`
}

// Result records one dispatch call.
type Result struct {
	WorkflowKey string `json:"workflow_key"`
	UserID      string `json:"user_id"`
	OK          bool   `json:"ok"`
	Skipped     bool   `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Summary is returned by every invocation.
type Summary struct {
	Timestamp          time.Time `json:"timestamp"`
	WorkflowsTriggered []string  `json:"workflows_triggered"`
	TotalUsers         int       `json:"total_users"`
	Results            []Result  `json:"results"`
}

// Scheduler evaluates the rule table against the time it is invoked with. It
// keeps no clock of its own and is expected to run at most once per hour.
type Scheduler struct {
	rules    []Rule
	loc      *time.Location
	users    UserSource
	dispatch WorkflowDispatcher
	guard    Guard
	logger   *slog.Logger
}

// NewScheduler validates the rules and builds a scheduler evaluating them in loc.
func NewScheduler(rules []Rule, loc *time.Location, users UserSource, dispatch WorkflowDispatcher, logger *slog.Logger) (*Scheduler, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{rules: compiled, loc: loc, users: users, dispatch: dispatch, logger: logger}, nil
}

// SetGuard enables duplicate suppression across invocations in one window.
func (s *Scheduler) SetGuard(g Guard) {
	s.guard = g
}

// Run dispatches every matching workflow to its eligible users. A failure for
// one user is recorded in the summary; only a failure to load users aborts.
func (s *Scheduler) Run(ctx context.Context, now time.Time) (Summary, error) {
	summary := Summary{Timestamp: now.UTC(), WorkflowsTriggered: []string{}, Results: []Result{}}

	for _, rule := range s.rules {
		if !rule.Matches(now, s.loc) {
			continue
		}
		summary.WorkflowsTriggered = append(summary.WorkflowsTriggered, rule.WorkflowKey)

		users, err := s.users.InProgressUsers(ctx)
		if err != nil {
			return summary, fmt.Errorf("load eligible users for %s: %w", rule.WorkflowKey, err)
		}
		users = dedupe(users)
		summary.TotalUsers += len(users)

		eventID := EventID(rule.WorkflowKey, now, s.loc)
		s.logger.Info("trigger matched",
			slog.String("workflow", rule.WorkflowKey),
			slog.String("trigger_event_id", eventID),
			slog.Int("users", len(users)),
		)
		for _, userID := range users {
			summary.Results = append(summary.Results, s.dispatchOne(ctx, rule, eventID, userID))
		}
	}
	return summary, nil
}

func (s *Scheduler) dispatchOne(ctx context.Context, rule Rule, eventID, userID string) Result {
	res := Result{WorkflowKey: rule.WorkflowKey, UserID: userID}
	guardKey := eventID + ":" + userID

	if s.guard != nil {
		claimed, err := s.guard.Claim(ctx, guardKey)
		switch {
		case err != nil:
			// Downstream still deduplicates on trigger_event_id.
			s.logger.Warn("trigger guard unavailable", slog.String("key", guardKey), slog.String("error", err.Error()))
		case !claimed:
			res.OK, res.Skipped = true, true
			telemetry.TriggerDispatches.WithLabelValues(rule.WorkflowKey, "skipped").Inc()
			return res
		}
	}

	payload := rule.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	err := s.dispatch.Dispatch(ctx, DispatchRequest{
		UserID:         userID,
		WorkflowKey:    rule.WorkflowKey,
		TriggerEventID: eventID,
		Payload:        payload,
	})
	if err != nil {
		res.Error = err.Error()
		telemetry.TriggerDispatches.WithLabelValues(rule.WorkflowKey, "error").Inc()
		s.logger.Error("workflow dispatch failed",
			slog.String("workflow", rule.WorkflowKey),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		if s.guard != nil {
			if relErr := s.guard.Release(ctx, guardKey); relErr != nil {
				s.logger.Warn("release trigger guard", slog.String("key", guardKey), slog.String("error", relErr.Error()))
			}
		}
		return res
	}
	res.OK = true
	telemetry.TriggerDispatches.WithLabelValues(rule.WorkflowKey, "ok").Inc()
	return res
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
