package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/api"
	"github.com/crosslist/relister/engine"
	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/ratelimit"
	"github.com/crosslist/relister/store/memory"
	"github.com/crosslist/relister/task"
	"github.com/crosslist/relister/taskqueue"
)

// newServer stands up the full HTTP stack over the in-memory store.
// The zero-window policy keeps execution delays out of the tests.
func newServer(t *testing.T) (*httptest.Server, *memory.Store) {
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
		return []byte(`"published"`), nil
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	policy := ratelimit.New(nil, ratelimit.Window{}, ratelimit.WithFloor(0))
	q := taskqueue.New(st, policy, d.Extensions(), logger)

	srv := httptest.NewServer(api.New(d, q, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Job API
// ---------------------------------------------------------------------------

func TestClient_CreateAndGetJob(t *testing.T) {
	srv, _ := newServer(t)
	c := New(srv.URL, 1, WithLogger(testLogger()))
	ctx := context.Background()

	created, err := c.CreateJob(ctx, CreateJobRequest{
		Action:  job.ActionPublishListing,
		Payload: json.RawMessage(`{"listing_id":"l1"}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID.IsNil() || created.TenantID != 1 {
		t.Fatalf("unexpected job: %+v", created)
	}

	got, err := c.GetJob(ctx, created.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("wrong job returned: %s", got.ID)
	}
}

func TestClient_APIError(t *testing.T) {
	srv, _ := newServer(t)
	c := New(srv.URL, 1, WithLogger(testLogger()))

	_, err := c.GetJob(context.Background(), id.NewJobID().String())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", apiErr.StatusCode)
	}
	if apiErr.Message == "" {
		t.Fatal("server error message not propagated")
	}
}

func TestClient_Status(t *testing.T) {
	srv, _ := newServer(t)
	c := New(srv.URL, 1, WithLogger(testLogger()))

	s, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !s.Running {
		t.Fatal("server should report running")
	}
}

// ---------------------------------------------------------------------------
// Task feed and runner
// ---------------------------------------------------------------------------

func TestClient_FetchAndSubmit(t *testing.T) {
	srv, st := newServer(t)
	c := New(srv.URL, 5, WithLogger(testLogger()))
	ctx := context.Background()

	tk := task.New(id.NewJobID(), 5, task.KindRelayed, "ebay", "POST", "/items")
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	resp, err := c.FetchTasks(ctx, 5*time.Second, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != tk.ID {
		t.Fatalf("unexpected feed: %+v", resp.Tasks)
	}

	if err := c.SubmitResult(ctx, tk.ID.String(), taskqueue.Result{
		Success: true,
		Result:  json.RawMessage(`{"external_id":"x1"}`),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := st.GetTask(ctx, 5, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
}

func TestRunner_ExecutesDeliveredTasks(t *testing.T) {
	srv, st := newServer(t)
	c := New(srv.URL, 5, WithLogger(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tk := task.New(id.NewJobID(), 5, task.KindRelayed, "etsy", "PUT", "/items/l1")
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	r := NewRunner(c, func(ctx context.Context, t *taskqueue.DeliveredTask) (json.RawMessage, error) {
		return json.RawMessage(`{"synced":true}`), nil
	},
		WithPollTimeout(time.Second),
		WithLimit(5),
		WithRunnerLogger(testLogger()),
	)

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetTask(context.Background(), 5, tk.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == task.StatusSuccess {
			cancel()
			if err := <-runDone; !errors.Is(err, context.Canceled) {
				t.Fatalf("runner should exit with Canceled, got %v", err)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("runner never resolved the task")
}

func TestRunner_ReportsHandlerFailure(t *testing.T) {
	srv, st := newServer(t)
	c := New(srv.URL, 5, WithLogger(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tk := task.New(id.NewJobID(), 5, task.KindRelayed, "ebay", "DELETE", "/items/l1")
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	r := NewRunner(c, func(ctx context.Context, t *taskqueue.DeliveredTask) (json.RawMessage, error) {
		return nil, errors.New("marketplace said no")
	},
		WithPollTimeout(time.Second),
		WithRunnerLogger(testLogger()),
	)
	go func() { _ = r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetTask(context.Background(), 5, tk.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == task.StatusFailed {
			if got.ErrorMessage != "marketplace said no" {
				t.Fatalf("error not reported: %q", got.ErrorMessage)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("failure never reported")
}
