package job

import (
	"context"
	"errors"
)

// ErrCancelRequested is returned by Checkpoint when the job's
// cooperative cancellation flag has been observed. Handlers should
// persist partial progress, stop issuing external calls, and return
// this error (or one wrapping it) so the executor can finalize the job
// as cancelled.
var ErrCancelRequested = errors.New("job: cancel requested")

// ErrPaused is returned by a handler that wants to suspend the job
// with partial progress persisted. The executor finalizes the job as
// paused instead of failed; it may be resumed or cancelled later.
var ErrPaused = errors.New("job: paused")

// checkpointKey is the context key for the checkpoint function.
type checkpointKey struct{}

// CheckFunc reads the job's persisted cancel_requested flag.
type CheckFunc func(ctx context.Context) (bool, error)

// WithCheckpoint attaches a cancellation checkpoint to the context.
// The executor installs this before invoking the handler.
func WithCheckpoint(ctx context.Context, fn CheckFunc) context.Context {
	return context.WithValue(ctx, checkpointKey{}, fn)
}

// Checkpoint polls the cooperative cancellation flag. Handlers call it
// at natural checkpoints — every N processed sub-items, every page
// fetched. Returns ErrCancelRequested when cancellation was observed,
// nil when the job may continue. Read failures are swallowed: a flaky
// flag read must not abort an otherwise healthy job.
func Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fn, ok := ctx.Value(checkpointKey{}).(CheckFunc)
	if !ok {
		return nil
	}

	cancelled, err := fn(ctx)
	if err != nil {
		return nil
	}
	if cancelled {
		return ErrCancelRequested
	}
	return nil
}
