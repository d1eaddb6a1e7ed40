package job

import (
	"context"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Checkpoint
// ---------------------------------------------------------------------------

func TestCheckpoint_NoCheckFuncInstalled(t *testing.T) {
	if err := Checkpoint(context.Background()); err != nil {
		t.Fatalf("bare context should pass the checkpoint, got %v", err)
	}
}

func TestCheckpoint_FlagClear(t *testing.T) {
	ctx := WithCheckpoint(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if err := Checkpoint(ctx); err != nil {
		t.Fatalf("clear flag should pass, got %v", err)
	}
}

func TestCheckpoint_FlagSet(t *testing.T) {
	ctx := WithCheckpoint(context.Background(), func(ctx context.Context) (bool, error) {
		return true, nil
	})
	if err := Checkpoint(ctx); !errors.Is(err, ErrCancelRequested) {
		t.Fatalf("expected ErrCancelRequested, got %v", err)
	}
}

func TestCheckpoint_ReadFailureSwallowed(t *testing.T) {
	ctx := WithCheckpoint(context.Background(), func(ctx context.Context) (bool, error) {
		return false, errors.New("connection reset")
	})
	if err := Checkpoint(ctx); err != nil {
		t.Fatalf("flag read failure must not abort the job, got %v", err)
	}
}

func TestCheckpoint_ContextCancelledWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = WithCheckpoint(ctx, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	cancel()

	if err := Checkpoint(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
