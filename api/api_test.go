package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/engine"
	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/ratelimit"
	"github.com/crosslist/relister/store/memory"
	"github.com/crosslist/relister/task"
	"github.com/crosslist/relister/taskqueue"
)

type fixture struct {
	api        *API
	handler    http.Handler
	st         *memory.Store
	dispatcher *engine.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	f := newIdleFixture(t)
	if err := f.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = f.dispatcher.Stop(context.Background()) })
	return f
}

// newIdleFixture builds the API without starting the dispatcher, so
// jobs written to the store stay exactly where a test put them.
func newIdleFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := memory.New()
	cfg := relister.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.JanitorInterval = time.Hour
	cfg.ExpireInterval = time.Hour

	d, err := engine.New(st, cfg, engine.WithLogger(logger))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	d.Registry().Register(job.ActionPublishListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		return []byte(`"ok"`), nil
	})

	q := taskqueue.New(st, ratelimit.Default(), d.Extensions(), logger)
	a := New(d, q, logger)
	return &fixture{api: a, handler: a.Handler(), st: st, dispatcher: d}
}

func (f *fixture) do(t *testing.T, method, path string, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Tenant scoping
// ---------------------------------------------------------------------------

func TestTenantHeaderRequired(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/jobs"},
		{http.MethodGet, "/v1/tasks?timeout=0"},
	} {
		rec := f.do(t, tc.method, tc.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s without tenant: got %d, want 401", tc.method, tc.path, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/v1/jobs", "not-a-number", CreateJobRequest{Action: job.ActionPublishListing})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("malformed tenant header: got %d, want 401", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func TestCreateAndGetJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", "1", CreateJobRequest{
		Action:  job.ActionPublishListing,
		Payload: json.RawMessage(`{"listing_id":"l1"}`),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[job.Job](t, rec)
	if created.ID.IsNil() {
		t.Fatal("created job has no id")
	}

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+created.ID.String(), "1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[job.Job](t, rec)
	if got.ID != created.ID || got.TenantID != 1 {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestCreateJob_UnknownAction(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", "1", CreateJobRequest{Action: "brew_coffee"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestGetJob_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/"+id.NewJobID().String(), "1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: got %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/jobs/garbage", "1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: got %d, want 400", rec.Code)
	}
}

func TestJobIsolatedByTenant(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", "1", CreateJobRequest{Action: job.ActionPublishListing})
	created := decode[job.Job](t, rec)

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+created.ID.String(), "2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant read: got %d, want 404", rec.Code)
	}
}

func TestCancelJobRoute(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()

	j := job.New(3, job.ActionSyncListing, 0, nil, time.Hour)
	if err := f.st.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/jobs/"+j.ID.String()+"/cancel", "3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[job.Job](t, rec)
	if got.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Cancelling again conflicts.
	rec = f.do(t, http.MethodPost, "/v1/jobs/"+j.ID.String()+"/cancel", "3", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double cancel: got %d, want 409", rec.Code)
	}
}

func TestResumeJobRoute_Conflict(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()

	j := job.New(3, job.ActionSyncListing, 0, nil, time.Hour)
	if err := f.st.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/jobs/"+j.ID.String()+"/resume", "3", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("resume pending job: got %d, want 409", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Task feed
// ---------------------------------------------------------------------------

func TestFetchTasksRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID := id.NewJobID()
	tk := task.New(jobID, 5, task.KindRelayed, "ebay", "POST", "/items")
	if err := f.st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/v1/tasks?timeout=1&limit=5", "5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch: got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[taskqueue.FetchResponse](t, rec)
	if len(resp.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(resp.Tasks))
	}
	if resp.Tasks[0].ID != tk.ID {
		t.Fatalf("wrong task delivered: %s", resp.Tasks[0].ID)
	}
	if resp.Tasks[0].ExecuteDelayMS <= 0 {
		t.Fatalf("delivered task must carry its delay in ms, got %d", resp.Tasks[0].ExecuteDelayMS)
	}
	if !strings.Contains(rec.Body.String(), "execute_delay_ms") {
		t.Fatal("response must carry execute_delay_ms")
	}
	if !strings.Contains(rec.Body.String(), "next_poll_interval_ms") {
		t.Fatal("response must carry next_poll_interval_ms")
	}
	if !strings.Contains(rec.Body.String(), "has_pending_tasks") {
		t.Fatal("response must carry has_pending_tasks")
	}
}

func TestFetchTasksRoute_EmptyLongPoll(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/tasks?timeout=1&limit=1", "5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch: got %d", rec.Code)
	}
	resp := decode[taskqueue.FetchResponse](t, rec)
	if len(resp.Tasks) != 0 {
		t.Fatalf("expected empty feed, got %d tasks", len(resp.Tasks))
	}
	if resp.NextPollIntervalMS <= 0 {
		t.Fatal("empty feed must carry a poll-again interval")
	}

	rec = f.do(t, http.MethodGet, "/v1/tasks?timeout=banana", "5", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad timeout: got %d, want 400", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/tasks?limit=0", "5", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: got %d, want 400", rec.Code)
	}
}

func TestSubmitResultRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk := task.New(id.NewJobID(), 5, task.KindRelayed, "ebay", "POST", "/items")
	if err := f.st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/tasks/"+tk.ID.String()+"/result", "5", taskqueue.Result{
		Success: true,
		Result:  json.RawMessage(`{"external_id":"e-9"}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[SubmitResultResponse](t, rec)
	if !resp.Success || resp.Status != string(task.StatusSuccess) {
		t.Fatalf("unexpected response: %+v", resp)
	}

	rec = f.do(t, http.MethodPost, "/v1/tasks/"+id.NewTaskID().String()+"/result", "5", taskqueue.Result{Success: true})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task: got %d, want 404", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestStatusRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	s := decode[engine.Status](t, rec)
	if !s.Running {
		t.Fatal("dispatcher should report running")
	}
}
