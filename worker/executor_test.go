package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/crosslist/relister/backoff"
	"github.com/crosslist/relister/ext"
	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/store/memory"
	"github.com/crosslist/relister/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newExecutor(t *testing.T, st *memory.Store, registry *job.Registry) *Executor {
	t.Helper()
	logger := testLogger()
	return NewExecutor(registry, st, st, st, backoff.NewConstant(0), ext.NewRegistry(logger), logger)
}

// claimed creates a job, persists it, and claims it into running.
func claimed(t *testing.T, st *memory.Store, tenantID int64, action job.Action) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := job.New(tenantID, action, 0, nil, time.Hour)
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	running, ok, err := st.ClaimJob(ctx, tenantID, j.ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	return running
}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

func TestExecute_Success(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	r := job.NewRegistry()
	r.Register(job.ActionPublishListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		return []byte(`{"published":true}`), nil
	})

	e := newExecutor(t, st, r)
	j := claimed(t, st, 1, job.ActionPublishListing)

	if err := e.Execute(ctx, j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := st.GetJob(ctx, 1, j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if string(got.Result) != `{"published":true}` {
		t.Fatalf("result not persisted: %s", got.Result)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
}

func TestExecute_UnknownAction(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	e := newExecutor(t, st, job.NewRegistry())
	j := claimed(t, st, 1, job.ActionSyncListing)

	if err := e.Execute(ctx, j); err == nil {
		t.Fatal("unregistered action should fail")
	}

	got, _ := st.GetJob(ctx, 1, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Retries
// ---------------------------------------------------------------------------

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	attempts := 0
	r := job.NewRegistry()
	r.Register(job.ActionPublishListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("marketplace 503")
		}
		return []byte(`"ok"`), nil
	})

	e := newExecutor(t, st, r)
	j := claimed(t, st, 1, job.ActionPublishListing)

	if err := e.Execute(ctx, j); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	got, _ := st.GetJob(ctx, 1, j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected 2 recorded retries, got %d", got.RetryCount)
	}
}

func TestExecute_ExhaustsRetryBudget(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	attempts := 0
	r := job.NewRegistry()
	r.Register(job.ActionPublishListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		attempts++
		return nil, errors.New("permanent refusal")
	})

	e := newExecutor(t, st, r)
	j := claimed(t, st, 1, job.ActionPublishListing)

	if err := e.Execute(ctx, j); err == nil {
		t.Fatal("exhausted retries should surface the handler error")
	}
	// Initial attempt plus MaxRetries retries.
	if attempts != j.MaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", j.MaxRetries+1, attempts)
	}

	got, _ := st.GetJob(ctx, 1, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

// ---------------------------------------------------------------------------
// Cancellation and pause
// ---------------------------------------------------------------------------

func TestExecute_CancelledAtCheckpoint(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	r := job.NewRegistry()
	r.Register(job.ActionPublishListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		// The canceller sets the persisted flag mid-run.
		stored, err := st.GetJob(ctx, j.TenantID, j.ID)
		if err != nil {
			return nil, err
		}
		stored.CancelRequested = true
		if err := st.UpdateJob(ctx, stored); err != nil {
			return nil, err
		}

		if err := job.Checkpoint(ctx); err != nil {
			return nil, err
		}
		return nil, errors.New("checkpoint should have fired")
	})

	e := newExecutor(t, st, r)
	j := claimed(t, st, 1, job.ActionPublishListing)

	// A pending sibling task should be swept up by the finalizer.
	tk := task.New(j.ID, 1, task.KindRelayed, "ebay", "POST", "/items")
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := e.Execute(ctx, j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := st.GetJob(ctx, 1, j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.CancelRequested {
		t.Fatal("finalizer must clear the cancellation flag")
	}
	child, _ := st.GetTask(ctx, 1, tk.ID)
	if child.Status != task.StatusCancelled {
		t.Fatalf("pending child task should be cancelled, got %s", child.Status)
	}
}

func TestExecute_Paused(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	r := job.NewRegistry()
	r.Register(job.ActionImportListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		return []byte(`{"page":3}`), job.ErrPaused
	})

	e := newExecutor(t, st, r)
	j := claimed(t, st, 1, job.ActionImportListing)

	if err := e.Execute(ctx, j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := st.GetJob(ctx, 1, j.ID)
	if got.Status != job.StatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
	if string(got.Result) != `{"page":3}` {
		t.Fatalf("partial progress not persisted: %s", got.Result)
	}
	if got.CompletedAt != nil {
		t.Fatal("paused job must not carry a terminal timestamp")
	}
}

func TestExecute_ExternalCancellationWinsRace(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	r := job.NewRegistry()
	r.Register(job.ActionPublishListing, func(ctx context.Context, j *job.Job) ([]byte, error) {
		// Cancellation lands terminally while the handler is still
		// running and never checks a checkpoint.
		stored, err := st.GetJob(ctx, j.TenantID, j.ID)
		if err != nil {
			return nil, err
		}
		stored.Status = job.StatusCancelled
		if err := st.UpdateJob(ctx, stored); err != nil {
			return nil, err
		}
		return []byte(`"late success"`), nil
	})

	e := newExecutor(t, st, r)
	j := claimed(t, st, 1, job.ActionPublishListing)

	if err := e.Execute(ctx, j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := st.GetJob(ctx, 1, j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("persisted cancellation must stay authoritative, got %s", got.Status)
	}
}
