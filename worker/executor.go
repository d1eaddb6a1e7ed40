// Package worker provides per-tenant job execution — a ClientWorker
// that owns all jobs for one tenant under nested concurrency bounds,
// and an Executor that runs a single job through middleware and the
// registered action handler with retries and cooperative cancellation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/backoff"
	"github.com/crosslist/relister/ext"
	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/middleware"
	"github.com/crosslist/relister/task"
)

// Executor runs a single job through middleware and the registered
// action handler, then handles retry logic, cancellation finalization,
// state updates, and lifecycle events.
type Executor struct {
	registry   *job.Registry
	jobs       job.Store
	tasks      task.Store
	locks      job.AdvisoryLocker
	backoff    backoff.Strategy
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	jobs job.Store,
	tasks task.Store,
	locks job.AdvisoryLocker,
	bo backoff.Strategy,
	extensions *ext.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		jobs:       jobs,
		tasks:      tasks,
		locks:      locks,
		backoff:    bo,
		extensions: extensions,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs an already-claimed (running) job to a terminal state.
// Transient handler failures are retried in place with backoff up to
// the job's retry budget; the state machine never leaves running until
// the outcome is known. A cancellation observed at a checkpoint routes
// to the mark-cancelled finalizer instead.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Action)
	if !ok {
		return e.finalizeFailed(ctx, j, fmt.Errorf("%w: %q", relister.ErrUnknownAction, j.Action))
	}

	// Hold the advisory job lock for the duration of the run so a
	// canceller's signal attempt observes a live owner. Best-effort.
	release, lockErr := e.locks.HoldJobLock(ctx, j.TenantID, j.ID)
	if lockErr != nil {
		e.logger.Warn("advisory lock unavailable, cancellation degrades to flag polling",
			slog.String("job_id", j.ID.String()),
			slog.String("error", lockErr.Error()),
		)
	} else {
		defer release()
	}

	// Install the cooperative-cancellation checkpoint for the handler.
	ctx = job.WithCheckpoint(ctx, func(ctx context.Context) (bool, error) {
		return e.jobs.CancelRequested(ctx, j.TenantID, j.ID)
	})

	e.extensions.EmitJobStarted(ctx, j)
	start := time.Now()

	var (
		result  []byte
		execErr error
	)
	for {
		terminal := func(ctx context.Context) error {
			var herr error
			result, herr = handler(ctx, j)
			return herr
		}

		execErr = e.mw(ctx, j, terminal)
		if execErr == nil {
			break
		}
		if errors.Is(execErr, job.ErrCancelRequested) {
			return e.finalizeCancelled(ctx, j, result)
		}
		if errors.Is(execErr, job.ErrPaused) {
			return e.finalizePaused(ctx, j, result)
		}
		if ctx.Err() != nil {
			// Deadline or shutdown; no further attempts possible.
			break
		}

		j.RetryCount++
		if j.RetryCount > j.MaxRetries {
			break
		}

		delay := e.backoff.Delay(j.RetryCount)
		e.persistRetry(ctx, j)
		e.extensions.EmitJobRetrying(ctx, j, j.RetryCount, delay)
		e.logger.Info("job attempt failed, retrying",
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", j.RetryCount),
			slog.Int("max_retries", j.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", execErr.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return e.finalizeFailed(ctx, j, ctx.Err())
		}

		// A cancellation may have landed while we slept.
		if cpErr := job.Checkpoint(ctx); cpErr != nil {
			if errors.Is(cpErr, job.ErrCancelRequested) {
				return e.finalizeCancelled(ctx, j, result)
			}
			return e.finalizeFailed(ctx, j, cpErr)
		}
	}

	if execErr != nil {
		return e.finalizeFailed(ctx, j, execErr)
	}
	return e.finalizeCompleted(ctx, j, result, time.Since(start))
}

// persistRetry records the bumped retry counter and last error without
// leaving the running state. Failures are logged only; the in-memory
// counter still governs the loop.
func (e *Executor) persistRetry(ctx context.Context, j *job.Job) {
	if err := e.jobs.UpdateJob(ctx, j); err != nil {
		e.logger.Warn("failed to persist retry count",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// finalizeCompleted marks the job completed with its result. If the
// cancellation API won the race and the row is already terminal, the
// persisted status stays authoritative and the outcome is reported as
// cancelled.
func (e *Executor) finalizeCompleted(ctx context.Context, j *job.Job, result []byte, elapsed time.Duration) error {
	now := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.Result = result
	j.CompletedAt = &now

	if err := e.jobs.UpdateJob(ctx, j); err != nil {
		if errors.Is(err, relister.ErrJobTerminal) || errors.Is(err, relister.ErrInvalidTransition) {
			e.logger.Info("job finished after external cancellation, keeping persisted status",
				slog.String("job_id", j.ID.String()),
			)
			return nil
		}
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// finalizeCancelled is the mark-job-cancelled finalizer: it persists
// partial progress, clears the cancel flag, cancels still-pending child
// tasks, and records the terminal state. The advisory lock is released
// by the deferred release in Execute.
func (e *Executor) finalizeCancelled(ctx context.Context, j *job.Job, partial []byte) error {
	now := time.Now().UTC()
	j.Status = job.StatusCancelled
	j.CancelRequested = false
	j.CompletedAt = &now
	if len(partial) > 0 {
		j.Result = partial
	}

	if err := e.jobs.UpdateJob(ctx, j); err != nil && !errors.Is(err, relister.ErrJobTerminal) {
		e.logger.Error("failed to finalize cancelled job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if n, err := e.tasks.CancelPendingForJob(ctx, j.TenantID, j.ID); err != nil {
		e.logger.Warn("failed to cancel pending tasks",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		e.logger.Info("cancelled pending tasks",
			slog.String("job_id", j.ID.String()),
			slog.Int("count", n),
		)
	}

	e.extensions.EmitJobCancelled(ctx, j)
	return nil
}

// finalizePaused suspends the job without a terminal timestamp so it
// can be resumed later.
func (e *Executor) finalizePaused(ctx context.Context, j *job.Job, partial []byte) error {
	j.Status = job.StatusPaused
	if len(partial) > 0 {
		j.Result = partial
	}

	if err := e.jobs.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to pause job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("job paused", slog.String("job_id", j.ID.String()))
	return nil
}

// finalizeFailed records a terminal failure after the retry budget is
// exhausted.
func (e *Executor) finalizeFailed(ctx context.Context, j *job.Job, handlerErr error) error {
	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.LastError = handlerErr.Error()
	j.CompletedAt = &now

	if err := e.jobs.UpdateJob(ctx, j); err != nil {
		if errors.Is(err, relister.ErrJobTerminal) || errors.Is(err, relister.ErrInvalidTransition) {
			return nil
		}
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobFailed(ctx, j, handlerErr)

	e.logger.Warn("job failed after exhausting retries",
		slog.String("job_id", j.ID.String()),
		slog.String("action", string(j.Action)),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}
