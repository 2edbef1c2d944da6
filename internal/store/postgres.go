package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"orchestrator-core/internal/models"
)

const jobColumns = `id, workflow_run_id, step_id, user_id, intent_id, payload, status, priority,
	lease_until, attempts, max_attempts, next_run_at, last_error, created_at, updated_at`

// Postgres implements JobStore on top of pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
}

var _ JobStore = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, opts: opts.withDefaults()}, nil
}

// Pool exposes the connection pool to collaborators sharing the database.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Enqueue inserts a job row. The unique (workflow_run_id, step_id) constraint
// suppresses duplicates even when two producers race.
func (s *Postgres) Enqueue(ctx context.Context, p EnqueueParams) (string, bool, error) {
	if p.WorkflowRunID == "" || p.StepID == "" {
		return "", false, errors.New("workflow_run_id and step_id are required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = s.opts.DefaultMaxAttempts
	}
	now := s.opts.Now()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	var inserted string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, workflow_run_id, step_id, user_id, intent_id, payload, status, priority,
			attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $11)
		ON CONFLICT (workflow_run_id, step_id) DO NOTHING
		RETURNING id
	`, id, p.WorkflowRunID, p.StepID, p.UserID, emptyToNil(p.IntentID), payloadJSON,
		string(models.StatusQueued), p.Priority, p.MaxAttempts, p.RunAt, now).Scan(&inserted)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isDuplicateKey(err) {
			return s.existingID(ctx, p.WorkflowRunID, p.StepID)
		}
		return "", false, fmt.Errorf("insert job: %w", err)
	}
	return s.existingID(ctx, p.WorkflowRunID, p.StepID)
}

func (s *Postgres) existingID(ctx context.Context, runID, stepID string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM jobs WHERE workflow_run_id = $1 AND step_id = $2
	`, runID, stepID).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("lookup existing job: %w", err)
	}
	return id, false, nil
}

// Lease claims jobs in one statement; SKIP LOCKED lets concurrent leasers pass
// over rows another transaction is already marking.
func (s *Postgres) Lease(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH leased AS (
			UPDATE jobs
			SET status = $1, lease_until = $2, updated_at = $3
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status IN ($4, $1)
				  AND next_run_at <= $3
				  AND (lease_until IS NULL OR lease_until <= $3)
				ORDER BY priority ASC, next_run_at ASC
				LIMIT $5
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM leased ORDER BY priority ASC, next_run_at ASC
	`, string(models.StatusLeased), now.Add(s.opts.LeaseDuration), now, string(models.StatusQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// FinishAttempt appends the attempt and transitions the job in one transaction.
func (s *Postgres) FinishAttempt(ctx context.Context, r AttemptResult) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, r.JobID))
	if err != nil {
		return models.Job{}, err
	}
	if job.Status.Final() {
		return job, tx.Commit(ctx)
	}

	now := s.opts.Now()
	logsJSON, err := json.Marshal(nonNilLogs(r.Logs))
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal attempt logs: %w", err)
	}
	var errText *string
	if !r.Success {
		errText = emptyToNil(r.ErrorText)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_attempts (id, job_id, started_at, finished_at, success, status_code, error_text, logs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New().String(), r.JobID, r.StartedAt, now, r.Success, r.StatusCode, errText, logsJSON); err != nil {
		return models.Job{}, fmt.Errorf("insert attempt: %w", err)
	}

	var row pgx.Row
	if r.Success {
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, lease_until = NULL, last_error = NULL, updated_at = $3
			WHERE id = $1
			RETURNING `+jobColumns, r.JobID, string(models.StatusDone), now)
	} else {
		attempts := job.Attempts + 1
		status, nextRun := nextState(s.opts, attempts, job.MaxAttempts, now)
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, next_run_at = $4, lease_until = NULL,
				last_error = $5, updated_at = $6
			WHERE id = $1
			RETURNING `+jobColumns, r.JobID, string(status), attempts, nextRun, errText, now)
	}
	updated, err := scanJob(row)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// ListAttempts returns a job's attempts oldest first.
func (s *Postgres) ListAttempts(ctx context.Context, jobID string) ([]models.JobAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, started_at, finished_at, success, status_code, error_text, logs
		FROM job_attempts WHERE job_id = $1 ORDER BY finished_at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []models.JobAttempt
	for rows.Next() {
		var a models.JobAttempt
		var errText pgtype.Text
		var logsJSON []byte
		if err := rows.Scan(&a.ID, &a.JobID, &a.StartedAt, &a.FinishedAt, &a.Success, &a.StatusCode, &errText, &logsJSON); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.ErrorText = textPtr(errText)
		if len(logsJSON) > 0 {
			if err := json.Unmarshal(logsJSON, &a.Logs); err != nil {
				return nil, fmt.Errorf("unmarshal attempt logs: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListJobs returns jobs in the given status, most recently updated first.
func (s *Postgres) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountByStatus reports row counts per status for monitoring.
func (s *Postgres) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var payloadJSON []byte
	var intent, lastErr pgtype.Text
	var leaseUntil pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.WorkflowRunID, &job.StepID, &job.UserID, &intent, &payloadJSON,
		&status, &job.Priority, &leaseUntil, &job.Attempts, &job.MaxAttempts, &job.NextRunAt,
		&lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.IntentID = textPtr(intent)
	job.LastError = textPtr(lastErr)
	if leaseUntil.Valid {
		t := leaseUntil.Time
		job.LeaseUntil = &t
	}
	return job, nil
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func nonNilLogs(logs []string) []string {
	if logs == nil {
		return []string{}
	}
	return logs
}
