package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orchestrator-core/internal/config"
	"orchestrator-core/internal/models"
	"orchestrator-core/internal/ratelimit"
	"orchestrator-core/internal/store"
	"orchestrator-core/internal/trigger"
	"orchestrator-core/internal/worker"
)

type denyAfter struct {
	n int
}

func (d *denyAfter) Allow(context.Context, string) (ratelimit.Decision, error) {
	d.n--
	return ratelimit.Decision{Allowed: d.n >= 0}, nil
}

type stubWorker struct {
	res worker.BatchResult
	err error
}

func (s stubWorker) RunOnce(context.Context) (worker.BatchResult, error) {
	return s.res, s.err
}

type stubTrigger struct {
	got time.Time
}

func (s *stubTrigger) Run(_ context.Context, now time.Time) (trigger.Summary, error) {
	s.got = now
	return trigger.Summary{Timestamp: now.UTC(), WorkflowsTriggered: []string{trigger.WeeklySeedWorkflow}, TotalUsers: 2}, nil
}

func newTestServer(limiter Limiter, w BatchRunner, tr TriggerRunner) (*httptest.Server, *store.Memory) {
	st := store.NewMemory(store.Options{})
	srv := New(config.Config{}, st, limiter, w, tr, nil)
	return httptest.NewServer(srv.Router()), st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestEnqueueAndDuplicate(t *testing.T) {
	ts, _ := newTestServer(nil, nil, nil)
	defer ts.Close()

	body := map[string]any{
		"workflow_run_id": "run1",
		"step_id":         "s1",
		"user_id":         "u1",
		"payload":         map[string]any{"call_path": "/generate-plan"},
	}
	resp := postJSON(t, ts.URL+"/v1/jobs", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 got %d", resp.StatusCode)
	}
	var first enqueueResponse
	_ = json.NewDecoder(resp.Body).Decode(&first)
	if !first.Created || first.Job.Status != models.StatusQueued || first.Job.Attempts != 0 {
		t.Fatalf("unexpected job %+v", first)
	}

	resp2 := postJSON(t, ts.URL+"/v1/jobs", body)
	defer resp2.Body.Close()
	var second enqueueResponse
	_ = json.NewDecoder(resp2.Body).Decode(&second)
	if resp2.StatusCode != http.StatusOK || second.Created || second.Job.ID != first.Job.ID {
		t.Fatalf("expected duplicate to return existing job got %d %+v", resp2.StatusCode, second)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ts, _ := newTestServer(nil, nil, nil)
	defer ts.Close()

	cases := []map[string]any{
		{"step_id": "s1", "payload": map[string]any{"call_path": "/x"}},
		{"workflow_run_id": "run1", "step_id": "s1", "payload": map[string]any{}},
	}
	for i, body := range cases {
		resp := postJSON(t, ts.URL+"/v1/jobs", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400 got %d", i, resp.StatusCode)
		}
	}
}

func TestEnqueueRateLimited(t *testing.T) {
	ts, _ := newTestServer(&denyAfter{n: 1}, nil, nil)
	defer ts.Close()

	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		resp := postJSON(t, ts.URL+"/v1/jobs", map[string]any{
			"workflow_run_id": "run1",
			"step_id":         []string{"a", "b"}[i],
			"payload":         map[string]any{"call_path": "/x"},
		})
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("request %d: expected %d got %d", i, want, resp.StatusCode)
		}
	}
}

func TestGetJobAndAttempts(t *testing.T) {
	ts, st := newTestServer(nil, nil, nil)
	defer ts.Close()
	ctx := context.Background()

	id, _, err := st.Enqueue(ctx, store.EnqueueParams{WorkflowRunID: "run1", StepID: "s1", Payload: map[string]any{"call_path": "/x"}, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.Lease(ctx, time.Now().UTC(), 1); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := st.FinishAttempt(ctx, store.AttemptResult{JobID: id, StatusCode: 500, ErrorText: "boom", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/jobs/" + id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	var job models.Job
	_ = json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()
	if job.Status != models.StatusFailed || job.Attempts != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	resp, err = http.Get(ts.URL + "/v1/jobs/" + id + "/attempts")
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}
	var body struct {
		Attempts []models.JobAttempt `json:"attempts"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if len(body.Attempts) != 1 || body.Attempts[0].StatusCode != 500 {
		t.Fatalf("unexpected attempts %+v", body.Attempts)
	}

	resp, err = http.Get(ts.URL + "/v1/jobs?status=failed")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list.Jobs) != 1 || list.Jobs[0].ID != id {
		t.Fatalf("unexpected failed list %+v", list.Jobs)
	}

	resp, _ = http.Get(ts.URL + "/v1/jobs/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.StatusCode)
	}
	resp, _ = http.Get(ts.URL + "/v1/jobs?status=bogus")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.StatusCode)
	}
}

func TestWorkerRun(t *testing.T) {
	ts, _ := newTestServer(nil, stubWorker{res: worker.BatchResult{Leased: 2, Results: []worker.JobResult{{JobID: "a", OK: true, Status: 200}, {JobID: "b", Status: 500}}}}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/worker/run", nil)
	defer resp.Body.Close()
	var res worker.BatchResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	if resp.StatusCode != http.StatusOK || res.Leased != 2 || len(res.Results) != 2 {
		t.Fatalf("unexpected batch %d %+v", resp.StatusCode, res)
	}

	failing, _ := newTestServer(nil, stubWorker{err: errors.New("lease jobs: connection refused")}, nil)
	defer failing.Close()
	resp2 := postJSON(t, failing.URL+"/v1/worker/run", nil)
	defer resp2.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp2.Body).Decode(&body)
	if resp2.StatusCode != http.StatusInternalServerError || body["error"] == "" {
		t.Fatalf("expected 500 with error got %d %v", resp2.StatusCode, body)
	}
}

func TestTriggerRunWithReplayTime(t *testing.T) {
	tr := &stubTrigger{}
	ts, _ := newTestServer(nil, nil, tr)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/trigger/run?at=2026-03-01T18:00:00Z", nil)
	defer resp.Body.Close()
	var summary trigger.Summary
	_ = json.NewDecoder(resp.Body).Decode(&summary)
	if resp.StatusCode != http.StatusOK || summary.TotalUsers != 2 {
		t.Fatalf("unexpected summary %d %+v", resp.StatusCode, summary)
	}
	if !tr.got.Equal(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("replay time not passed through: %s", tr.got)
	}
}

func TestUnconfiguredRunnersAnswer503(t *testing.T) {
	ts, _ := newTestServer(nil, nil, nil)
	defer ts.Close()
	for _, path := range []string{"/v1/worker/run", "/v1/trigger/run"} {
		resp := postJSON(t, ts.URL+path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503 got %d", path, resp.StatusCode)
		}
	}
}
