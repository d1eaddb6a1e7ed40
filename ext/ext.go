// Package ext defines the extension system for relister. Extensions
// are notified of lifecycle events (job enqueued, task delivered,
// worker retired, etc.) and can react to them — logging, metrics,
// audit trails.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully created.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, delay time.Duration) error
}

// JobCancelled is called when a job reaches the cancelled state,
// whether synchronously (pending) or cooperatively (running).
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobExpired is called when the expiration sweep retires an unstarted
// job.
type JobExpired interface {
	OnJobExpired(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskDelivered is called when a task is claimed by an external
// executor through the long-polling queue.
type TaskDelivered interface {
	OnTaskDelivered(ctx context.Context, t *task.Task) error
}

// TaskResolved is called when a task result is accepted (success or
// failure).
type TaskResolved interface {
	OnTaskResolved(ctx context.Context, t *task.Task) error
}

// ──────────────────────────────────────────────────
// Worker and dispatcher hooks
// ──────────────────────────────────────────────────

// WorkerStarted is called when the dispatcher creates a tenant worker.
type WorkerStarted interface {
	OnWorkerStarted(ctx context.Context, tenantID int64) error
}

// WorkerRetired is called when the janitor removes an idle or aged
// worker.
type WorkerRetired interface {
	OnWorkerRetired(ctx context.Context, tenantID int64, age, idle time.Duration) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
