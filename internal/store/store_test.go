package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"orchestrator-core/internal/backoff"
	"orchestrator-core/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type storeFactory func(t *testing.T, opts Options) JobStore

func testOptions(clock *fakeClock) Options {
	return Options{
		LeaseDuration:      30 * time.Second,
		DefaultMaxAttempts: 3,
		Backoff:            backoff.Fixed{Interval: time.Minute},
		Now:                clock.Now,
	}
}

// runStoreSuite exercises the behaviour every JobStore backend must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("DuplicateEnqueueSuppressed", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		ctx := context.Background()

		p := EnqueueParams{WorkflowRunID: "run-dup", StepID: "s1", Payload: map[string]any{"call_path": "/x"}}
		id1, created1, err := st.Enqueue(ctx, p)
		if err != nil || !created1 {
			t.Fatalf("first enqueue: created=%v err=%v", created1, err)
		}
		id2, created2, err := st.Enqueue(ctx, p)
		if err != nil {
			t.Fatalf("second enqueue: %v", err)
		}
		if created2 || id2 != id1 {
			t.Fatalf("expected existing id %s got %s created=%v", id1, id2, created2)
		}
		counts, err := st.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[models.StatusQueued] != 1 {
			t.Fatalf("expected exactly one queued job got %d", counts[models.StatusQueued])
		}
	})

	t.Run("LeaseOrdersByPriorityThenNextRun", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		ctx := context.Background()
		now := clock.Now()

		mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "r", StepID: "late", Priority: 1, RunAt: now.Add(-time.Minute)})
		mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "r", StepID: "early", Priority: 1, RunAt: now.Add(-time.Hour)})
		mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "r", StepID: "urgent", Priority: 0, RunAt: now.Add(-time.Second)})
		mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "r", StepID: "future", Priority: 0, RunAt: now.Add(time.Hour)})

		jobs, err := st.Lease(ctx, now, 10)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		got := make([]string, 0, len(jobs))
		for _, j := range jobs {
			got = append(got, j.StepID)
			if j.Status != models.StatusLeased || j.LeaseUntil == nil || !j.LeaseUntil.Equal(now.Add(30*time.Second)) {
				t.Fatalf("job %s not leased correctly: %+v", j.StepID, j)
			}
		}
		want := []string{"urgent", "early", "late"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("expected order %v got %v", want, got)
		}
	})

	t.Run("EmptyLeaseIsNotAnError", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		jobs, err := st.Lease(context.Background(), clock.Now(), 10)
		if err != nil || len(jobs) != 0 {
			t.Fatalf("expected empty lease got %d jobs err=%v", len(jobs), err)
		}
	})

	t.Run("ConcurrentLeasesAreDisjoint", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		ctx := context.Background()
		for i := 0; i < 40; i++ {
			mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "race", StepID: fmt.Sprintf("s%02d", i), RunAt: clock.Now()})
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]int)
			errs []error
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for round := 0; round < 4; round++ {
					jobs, err := st.Lease(ctx, clock.Now(), 3)
					mu.Lock()
					if err != nil {
						errs = append(errs, err)
					}
					for _, j := range jobs {
						seen[j.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("lease errors: %v", errs)
		}
		// SKIP LOCKED may hand a racing caller fewer rows; drain what is left.
		for {
			jobs, err := st.Lease(ctx, clock.Now(), 10)
			if err != nil {
				t.Fatalf("drain lease: %v", err)
			}
			if len(jobs) == 0 {
				break
			}
			for _, j := range jobs {
				seen[j.ID]++
			}
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("job %s leased %d times", id, n)
			}
		}
		if len(seen) != 40 {
			t.Fatalf("expected all 40 jobs leased once got %d", len(seen))
		}
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		ctx := context.Background()
		id := mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "reclaim", StepID: "s1", RunAt: clock.Now()})

		leasedAt := clock.Now()
		first, err := st.Lease(ctx, leasedAt, 1)
		if err != nil || len(first) != 1 {
			t.Fatalf("first lease: %d jobs err=%v", len(first), err)
		}
		if again, _ := st.Lease(ctx, leasedAt.Add(29*time.Second), 1); len(again) != 0 {
			t.Fatalf("live lease must hide the job")
		}
		reclaimed, err := st.Lease(ctx, leasedAt.Add(30*time.Second+time.Millisecond), 1)
		if err != nil {
			t.Fatalf("reclaim lease: %v", err)
		}
		if len(reclaimed) != 1 || reclaimed[0].ID != id {
			t.Fatalf("expected job %s to be reclaimable got %+v", id, reclaimed)
		}
	})

	t.Run("AttemptAccounting", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		ctx := context.Background()
		id := mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "acct", StepID: "s1", MaxAttempts: 3, RunAt: clock.Now()})

		for attempt := 1; attempt <= 3; attempt++ {
			leased, err := st.Lease(ctx, clock.Now(), 1)
			if err != nil || len(leased) != 1 {
				t.Fatalf("attempt %d lease: %d jobs err=%v", attempt, len(leased), err)
			}
			job, err := st.FinishAttempt(ctx, AttemptResult{JobID: id, StatusCode: 503, ErrorText: "unavailable", StartedAt: clock.Now()})
			if err != nil {
				t.Fatalf("finish attempt %d: %v", attempt, err)
			}
			if job.Attempts != attempt {
				t.Fatalf("expected attempts=%d got %d", attempt, job.Attempts)
			}
			if attempt < 3 {
				if job.Status != models.StatusQueued || job.LeaseUntil != nil {
					t.Fatalf("expected queued without lease after attempt %d got %+v", attempt, job)
				}
				if !job.NextRunAt.After(clock.Now()) {
					t.Fatalf("expected future next_run_at after attempt %d", attempt)
				}
				clock.Advance(2 * time.Minute)
			} else if job.Status != models.StatusFailed {
				t.Fatalf("expected failed after 3 attempts got %s", job.Status)
			}
		}

		if leased, _ := st.Lease(ctx, clock.Advance(time.Hour), 10); len(leased) != 0 {
			t.Fatalf("failed job must never be leased again")
		}
	})

	t.Run("SuccessMarksDone", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		ctx := context.Background()
		id := mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "ok", StepID: "s1", RunAt: clock.Now()})
		if _, err := st.Lease(ctx, clock.Now(), 1); err != nil {
			t.Fatalf("lease: %v", err)
		}
		job, err := st.FinishAttempt(ctx, AttemptResult{JobID: id, Success: true, StatusCode: 200, StartedAt: clock.Now(), Logs: []string{"dispatched"}})
		if err != nil {
			t.Fatalf("finish: %v", err)
		}
		if job.Status != models.StatusDone || job.Attempts != 0 || job.LeaseUntil != nil {
			t.Fatalf("unexpected job after success %+v", job)
		}
		attempts, err := st.ListAttempts(ctx, id)
		if err != nil || len(attempts) != 1 {
			t.Fatalf("expected one attempt got %d err=%v", len(attempts), err)
		}
		if !attempts[0].Success || attempts[0].ErrorText != nil || len(attempts[0].Logs) != 1 {
			t.Fatalf("unexpected attempt %+v", attempts[0])
		}
	})

	t.Run("FinishOnFinalJobIsNoop", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		ctx := context.Background()
		id := mustEnqueue(t, st, EnqueueParams{WorkflowRunID: "noop", StepID: "s1", RunAt: clock.Now()})
		if _, err := st.FinishAttempt(ctx, AttemptResult{JobID: id, Success: true, StatusCode: 200, StartedAt: clock.Now()}); err != nil {
			t.Fatalf("finish: %v", err)
		}
		job, err := st.FinishAttempt(ctx, AttemptResult{JobID: id, StatusCode: 500, ErrorText: "late duplicate", StartedAt: clock.Now()})
		if err != nil {
			t.Fatalf("duplicate finish: %v", err)
		}
		if job.Status != models.StatusDone || job.Attempts != 0 {
			t.Fatalf("duplicate completion changed job %+v", job)
		}
		attempts, _ := st.ListAttempts(ctx, id)
		if len(attempts) != 1 {
			t.Fatalf("expected duplicate completion to be ignored, have %d attempts", len(attempts))
		}
	})

	t.Run("RetryScenario", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		ctx := context.Background()
		id := mustEnqueue(t, st, EnqueueParams{
			WorkflowRunID: "run1",
			StepID:        "s1",
			Payload:       map[string]any{"call_path": "/x"},
			MaxAttempts:   2,
			RunAt:         clock.Now(),
		})

		if _, err := st.Lease(ctx, clock.Now(), 10); err != nil {
			t.Fatalf("lease 1: %v", err)
		}
		job, err := st.FinishAttempt(ctx, AttemptResult{JobID: id, StatusCode: 500, ErrorText: "HTTP 500", StartedAt: clock.Now()})
		if err != nil {
			t.Fatalf("finish 1: %v", err)
		}
		if job.Status != models.StatusQueued || job.Attempts != 1 {
			t.Fatalf("expected queued/1 got %s/%d", job.Status, job.Attempts)
		}

		leased, err := st.Lease(ctx, clock.Advance(2*time.Minute), 10)
		if err != nil || len(leased) != 1 {
			t.Fatalf("lease 2: %d jobs err=%v", len(leased), err)
		}
		job, err = st.FinishAttempt(ctx, AttemptResult{JobID: id, StatusCode: 500, ErrorText: "HTTP 500", StartedAt: clock.Now()})
		if err != nil {
			t.Fatalf("finish 2: %v", err)
		}
		if job.Status != models.StatusFailed || job.Attempts != 2 {
			t.Fatalf("expected failed/2 got %s/%d", job.Status, job.Attempts)
		}

		attempts, err := st.ListAttempts(ctx, id)
		if err != nil {
			t.Fatalf("list attempts: %v", err)
		}
		if len(attempts) != 2 {
			t.Fatalf("expected 2 attempts got %d", len(attempts))
		}
		for _, a := range attempts {
			if a.Success || a.StatusCode != 500 {
				t.Fatalf("unexpected attempt %+v", a)
			}
		}
		failed, err := st.ListJobs(ctx, models.StatusFailed, 10)
		if err != nil || len(failed) != 1 || failed[0].ID != id {
			t.Fatalf("expected job in failed listing got %v err=%v", failed, err)
		}
	})

	t.Run("UnknownJob", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, testOptions(clock))
		if _, err := st.GetJob(context.Background(), "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound got %v", err)
		}
		_, err := st.FinishAttempt(context.Background(), AttemptResult{JobID: "00000000-0000-0000-0000-000000000000"})
		if !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound on finish got %v", err)
		}
	})
}

func mustEnqueue(t *testing.T, st JobStore, p EnqueueParams) string {
	t.Helper()
	id, _, err := st.Enqueue(context.Background(), p)
	if err != nil {
		t.Fatalf("enqueue %s/%s: %v", p.WorkflowRunID, p.StepID, err)
	}
	return id
}
