package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/task"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobEnqueuedEntry struct {
	name string
	hook JobEnqueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type jobExpiredEntry struct {
	name string
	hook JobExpired
}

type taskDeliveredEntry struct {
	name string
	hook TaskDelivered
}

type taskResolvedEntry struct {
	name string
	hook TaskResolved
}

type workerStartedEntry struct {
	name string
	hook WorkerStarted
}

type workerRetiredEntry struct {
	name string
	hook WorkerRetired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobEnqueued   []jobEnqueuedEntry
	jobStarted    []jobStartedEntry
	jobCompleted  []jobCompletedEntry
	jobFailed     []jobFailedEntry
	jobRetrying   []jobRetryingEntry
	jobCancelled  []jobCancelledEntry
	jobExpired    []jobExpiredEntry
	taskDelivered []taskDeliveredEntry
	taskResolved  []taskResolvedEntry
	workerStarted []workerStartedEntry
	workerRetired []workerRetiredEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, jobEnqueuedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(JobExpired); ok {
		r.jobExpired = append(r.jobExpired, jobExpiredEntry{name, h})
	}
	if h, ok := e.(TaskDelivered); ok {
		r.taskDelivered = append(r.taskDelivered, taskDeliveredEntry{name, h})
	}
	if h, ok := e.(TaskResolved); ok {
		r.taskResolved = append(r.taskResolved, taskResolvedEntry{name, h})
	}
	if h, ok := e.(WorkerStarted); ok {
		r.workerStarted = append(r.workerStarted, workerStartedEntry{name, h})
	}
	if h, ok := e.(WorkerRetired); ok {
		r.workerRetired = append(r.workerRetired, workerRetiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		if err := e.hook.OnJobEnqueued(ctx, j); err != nil {
			r.logHookError("OnJobEnqueued", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, delay time.Duration) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, delay); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// EmitJobExpired notifies all extensions that implement JobExpired.
func (r *Registry) EmitJobExpired(ctx context.Context, j *job.Job) {
	for _, e := range r.jobExpired {
		if err := e.hook.OnJobExpired(ctx, j); err != nil {
			r.logHookError("OnJobExpired", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskDelivered notifies all extensions that implement TaskDelivered.
func (r *Registry) EmitTaskDelivered(ctx context.Context, t *task.Task) {
	for _, e := range r.taskDelivered {
		if err := e.hook.OnTaskDelivered(ctx, t); err != nil {
			r.logHookError("OnTaskDelivered", e.name, err)
		}
	}
}

// EmitTaskResolved notifies all extensions that implement TaskResolved.
func (r *Registry) EmitTaskResolved(ctx context.Context, t *task.Task) {
	for _, e := range r.taskResolved {
		if err := e.hook.OnTaskResolved(ctx, t); err != nil {
			r.logHookError("OnTaskResolved", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Worker and dispatcher event emitters
// ──────────────────────────────────────────────────

// EmitWorkerStarted notifies all extensions that implement WorkerStarted.
func (r *Registry) EmitWorkerStarted(ctx context.Context, tenantID int64) {
	for _, e := range r.workerStarted {
		if err := e.hook.OnWorkerStarted(ctx, tenantID); err != nil {
			r.logHookError("OnWorkerStarted", e.name, err)
		}
	}
}

// EmitWorkerRetired notifies all extensions that implement WorkerRetired.
func (r *Registry) EmitWorkerRetired(ctx context.Context, tenantID int64, age, idle time.Duration) {
	for _, e := range r.workerRetired {
		if err := e.hook.OnWorkerRetired(ctx, tenantID, age, idle); err != nil {
			r.logHookError("OnWorkerRetired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
