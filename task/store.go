package task

import (
	"context"
	"time"

	"github.com/crosslist/relister/id"
)

// Store defines the persistence contract for tasks.
type Store interface {
	// CreateTask persists a new task in pending state.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask retrieves a task by ID within the tenant's partition.
	GetTask(ctx context.Context, tenantID int64, taskID id.TaskID) (*Task, error)

	// ClaimPending atomically selects up to limit pending relayed
	// tasks for delivery and flips them to processing with a started
	// timestamp in the same statement, so two concurrent claims can
	// never both receive the same task. At most one task per
	// marketplace is claimed, and marketplaces that already have a
	// task in flight are skipped. Tasks are ordered by creation time.
	ClaimPending(ctx context.Context, tenantID int64, limit int) ([]*Task, error)

	// SetExecuteDelay stores the delay computed for a task at the
	// moment it was selected for delivery.
	SetExecuteDelay(ctx context.Context, tenantID int64, taskID id.TaskID, delay time.Duration) error

	// CompleteTask stores the result and marks the task success.
	// Calling it on an already-terminal task is a no-op returning the
	// stored task (idempotent result submission).
	CompleteTask(ctx context.Context, tenantID int64, taskID id.TaskID, result []byte) (*Task, error)

	// FailTask stores the error and marks the task failed. Idempotent
	// on terminal tasks, like CompleteTask.
	FailTask(ctx context.Context, tenantID int64, taskID id.TaskID, message, details string) (*Task, error)

	// CancelPendingForJob marks every still-pending task of a job
	// cancelled. Used when the parent job is cancelled.
	CancelPendingForJob(ctx context.Context, tenantID int64, jobID id.JobID) (int, error)

	// TasksForJob returns all tasks belonging to a job, ordered by
	// creation time.
	TasksForJob(ctx context.Context, tenantID int64, jobID id.JobID) ([]*Task, error)

	// HasPending reports whether the tenant has undelivered pending
	// relayed tasks.
	HasPending(ctx context.Context, tenantID int64) (bool, error)

	// RequeueStale returns processing tasks whose delivery is older
	// than the grace period to pending, so work is not silently lost
	// when an executor disconnects mid-poll. Returns the requeued
	// tasks.
	RequeueStale(ctx context.Context, grace time.Duration) ([]*Task, error)
}
