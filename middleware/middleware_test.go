package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/crosslist/relister/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() *job.Job {
	return job.New(1, job.ActionPublishListing, 0, nil, time.Hour)
}

// ---------------------------------------------------------------------------
// Chain
// ---------------------------------------------------------------------------

func TestChain_Order(t *testing.T) {
	var trace []string
	mk := func(name string) Middleware {
		return func(ctx context.Context, j *job.Job, next Handler) error {
			trace = append(trace, name+":in")
			err := next(ctx)
			trace = append(trace, name+":out")
			return err
		}
	}

	chain := Chain(mk("outer"), mk("inner"))
	err := chain(context.Background(), testJob(), func(ctx context.Context) error {
		trace = append(trace, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"outer:in", "inner:in", "handler", "inner:out", "outer:out"}
	if len(trace) != len(want) {
		t.Fatalf("trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace %v, want %v", trace, want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := Chain()
	called := false
	err := chain(context.Background(), testJob(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("empty chain should call the handler directly: called=%v err=%v", called, err)
	}
}

// ---------------------------------------------------------------------------
// Recover
// ---------------------------------------------------------------------------

func TestRecover_ConvertsPanic(t *testing.T) {
	mw := Recover(testLogger())
	err := mw(context.Background(), testJob(), func(ctx context.Context) error {
		panic("handler exploded")
	})
	if err == nil {
		t.Fatal("panic should surface as an error")
	}
}

func TestRecover_PassesErrorThrough(t *testing.T) {
	mw := Recover(testLogger())
	want := errors.New("plain failure")
	err := mw(context.Background(), testJob(), func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

// ---------------------------------------------------------------------------
// Timeout
// ---------------------------------------------------------------------------

func TestTimeout_EnforcesDeadline(t *testing.T) {
	mw := Timeout(testLogger(), 20*time.Millisecond)
	err := mw(context.Background(), testJob(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTimeout_ZeroDisablesDeadline(t *testing.T) {
	mw := Timeout(testLogger(), 0)
	err := mw(context.Background(), testJob(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			return errors.New("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("zero timeout should not set a deadline: %v", err)
	}
}
