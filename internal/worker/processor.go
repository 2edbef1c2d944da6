package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"orchestrator-core/internal/config"
	"orchestrator-core/internal/deadletter"
	"orchestrator-core/internal/dispatcher"
	"orchestrator-core/internal/models"
	"orchestrator-core/internal/store"
	"orchestrator-core/internal/telemetry"
)

// StatusMalformedPayload is recorded when a job cannot be turned into a call.
const StatusMalformedPayload = 422

// finishTimeout bounds recording an outcome after the batch context is gone.
const finishTimeout = 10 * time.Second

// Dispatcher is the outbound call the processor drives jobs through.
type Dispatcher interface {
	Call(ctx context.Context, req dispatcher.Request) (dispatcher.Response, error)
}

// Processor leases batches of jobs and drives each one to a recorded outcome.
type Processor struct {
	cfg    config.Config
	store  store.JobStore
	client Dispatcher
	sink   deadletter.Sink
	logger *slog.Logger
	now    func() time.Time
}

// JobResult summarizes one job of a batch.
type JobResult struct {
	JobID    string `json:"job_id"`
	StepID   string `json:"step_id"`
	OK       bool   `json:"ok"`
	Status   int    `json:"status"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchResult is returned by every activation.
type BatchResult struct {
	Leased    int         `json:"leased"`
	Results   []JobResult `json:"results"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewProcessor(cfg config.Config, st store.JobStore, client Dispatcher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:    cfg.WithDefaults(),
		store:  st,
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetDeadLetterSink archives jobs that exhaust their attempts.
func (p *Processor) SetDeadLetterSink(sink deadletter.Sink) {
	p.sink = sink
}

// RunOnce leases up to BatchSize jobs and processes them concurrently. Only a
// failure to lease is returned as an error; per-job failures are recorded and
// reported in the result.
func (p *Processor) RunOnce(ctx context.Context) (BatchResult, error) {
	now := p.now()
	jobs, err := p.store.Lease(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("lease jobs: %w", err)
	}
	res := BatchResult{Leased: len(jobs), Results: make([]JobResult, len(jobs)), Timestamp: now}
	if len(jobs) == 0 {
		return res, nil
	}
	telemetry.LeasedCounter.Add(float64(len(jobs)))

	var g errgroup.Group
	g.SetLimit(p.cfg.WorkerConcurrency)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res.Results[i] = p.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

// Run polls until ctx is cancelled. A full batch is followed by another
// activation straight away; otherwise the loop sleeps for WorkerPollInterval.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker batch failed", slog.String("error", err.Error()))
		} else if res.Leased > 0 {
			p.logger.Info("worker batch finished", slog.Int("leased", res.Leased), slog.Int("ok", countOK(res.Results)))
		}
		p.refreshStatusGauge(ctx)

		if err == nil && res.Leased >= p.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

type outcome struct {
	ok       bool
	status   int
	response any
	errText  string
	logs     []string
}

func (p *Processor) process(ctx context.Context, job models.Job) JobResult {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	started := p.now()
	out := p.execute(ctx, job)

	result := JobResult{JobID: job.ID, StepID: job.StepID, OK: out.ok, Status: out.status, Response: out.response}
	if !out.ok {
		result.Error = out.errText
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	updated, err := p.store.FinishAttempt(finishCtx, store.AttemptResult{
		JobID:      job.ID,
		Success:    out.ok,
		StatusCode: out.status,
		ErrorText:  out.errText,
		StartedAt:  started,
		Logs:       out.logs,
	})
	if err != nil {
		// The lease will expire and another worker will retry the job.
		p.logger.Error("record attempt failed",
			slog.String("job_id", job.ID),
			slog.String("step_id", job.StepID),
			slog.String("error", err.Error()),
		)
		result.OK = false
		result.Error = joinErr(result.Error, "record attempt: "+err.Error())
		return result
	}

	if out.ok {
		telemetry.AttemptCounter.WithLabelValues("success").Inc()
		return result
	}
	telemetry.AttemptCounter.WithLabelValues("failure").Inc()

	switch updated.Status {
	case models.StatusFailed:
		p.terminal(finishCtx, updated)
	case models.StatusQueued:
		p.logger.Warn("job attempt failed, retry scheduled",
			slog.String("job_id", job.ID),
			slog.Int("status", out.status),
			slog.Int("attempts", updated.Attempts),
			slog.Time("next_run_at", updated.NextRunAt),
			slog.String("error", out.errText),
		)
	}
	return result
}

// execute turns the job payload into a dispatch call. A panic anywhere in the
// call is converted into a StatusInternal failure.
func (p *Processor) execute(ctx context.Context, job models.Job) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{
				status:  dispatcher.StatusInternal,
				errText: fmt.Sprintf("unexpected dispatch failure: %v", r),
				logs:    append(out.logs, "dispatch panicked"),
			}
		}
	}()

	call, err := models.ParseCall(job.Payload)
	if err != nil {
		return outcome{
			status:  StatusMalformedPayload,
			errText: err.Error(),
			logs:    []string{"payload rejected before dispatch"},
		}
	}

	key := job.IdempotencyKey()
	out.logs = append(out.logs, fmt.Sprintf("dispatch %s %s key=%s attempt=%d", call.Method, call.Path, key, job.Attempts+1))
	resp, err := p.client.Call(ctx, dispatcher.Request{
		Endpoint:       call.Path,
		Method:         call.Method,
		Body:           call.Body,
		Timeout:        p.cfg.DispatchTimeout,
		IdempotencyKey: key,
	})
	if err != nil {
		status := resp.Status
		if status == 0 {
			status = dispatcher.StatusInternal
		}
		text := err.Error()
		if errors.Is(err, dispatcher.ErrTimeout) {
			text = "timeout: " + text
		}
		out.status, out.errText = status, text
		out.logs = append(out.logs, text)
		return out
	}

	out.status = resp.Status
	out.response = resp.Body
	if !dispatcher.IsSuccess(resp) {
		out.errText = dispatcher.ErrorInfo(resp)
		out.logs = append(out.logs, "downstream rejected: "+out.errText)
		return out
	}
	out.ok = true
	out.logs = append(out.logs, fmt.Sprintf("downstream accepted with %d", resp.Status))
	return out
}

// terminal surfaces a job that will never run again.
func (p *Processor) terminal(ctx context.Context, job models.Job) {
	telemetry.TerminalFailures.Inc()
	lastErr := ""
	if job.LastError != nil {
		lastErr = *job.LastError
	}
	p.logger.Error("job failed permanently",
		slog.String("job_id", job.ID),
		slog.String("workflow_run_id", job.WorkflowRunID),
		slog.String("step_id", job.StepID),
		slog.Int("attempts", job.Attempts),
		slog.String("error", lastErr),
	)
	if p.sink == nil {
		return
	}
	attempts, err := p.store.ListAttempts(ctx, job.ID)
	if err != nil {
		p.logger.Error("load attempts for dead letter", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
	loc, err := p.sink.Write(ctx, deadletter.Record{Job: job, Attempts: attempts, RecordedAt: p.now()})
	if err != nil {
		p.logger.Error("write dead letter", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	p.logger.Info("dead letter written", slog.String("job_id", job.ID), slog.String("location", loc))
}

func (p *Processor) refreshStatusGauge(ctx context.Context) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, s := range []models.JobStatus{models.StatusQueued, models.StatusLeased, models.StatusDone, models.StatusFailed} {
		telemetry.JobsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func countOK(results []JobResult) int {
	n := 0
	for _, r := range results {
		if r.OK {
			n++
		}
	}
	return n
}

func joinErr(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
