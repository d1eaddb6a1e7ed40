// Package audit bridges relister lifecycle events to an audit trail
// backend. Every cancellation, expiry, and failure leaves a structured
// record of who did what to which listing job, which tenants care
// about when an expected relist never happened.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/crosslist/relister/ext"
	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.JobEnqueued   = (*Extension)(nil)
	_ ext.JobStarted    = (*Extension)(nil)
	_ ext.JobCompleted  = (*Extension)(nil)
	_ ext.JobFailed     = (*Extension)(nil)
	_ ext.JobRetrying   = (*Extension)(nil)
	_ ext.JobCancelled  = (*Extension)(nil)
	_ ext.JobExpired    = (*Extension)(nil)
	_ ext.TaskDelivered = (*Extension)(nil)
	_ ext.TaskResolved  = (*Extension)(nil)
	_ ext.WorkerStarted = (*Extension)(nil)
	_ ext.WorkerRetired = (*Extension)(nil)
)

// Recorder is the interface audit backends must implement. Defined
// locally so this package does not depend on any particular audit
// store — callers inject the concrete backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is one audit trail entry.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	TenantID   int64          `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// SlogRecorder records audit events as structured log lines. The
// default backend when no external audit store is wired.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, event *Event) error {
		logger.InfoContext(ctx, "audit",
			slog.String("action", event.Action),
			slog.String("resource", event.Resource),
			slog.String("resource_id", event.ResourceID),
			slog.Int64("tenant_id", event.TenantID),
			slog.String("outcome", event.Outcome),
			slog.String("severity", event.Severity),
			slog.Any("metadata", event.Metadata),
		)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges relister lifecycle events to an audit trail
// backend. Each lifecycle hook emits a structured audit event through
// the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the
// provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, j.TenantID, nil,
		"action_code", string(j.Action),
		"priority", j.Priority,
	)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, j.TenantID, nil,
		"action_code", string(j.Action),
	)
}

// OnJobCompleted implements ext.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, j.TenantID, nil,
		"action_code", string(j.Action),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, j.TenantID, jobErr,
		"action_code", string(j.Action),
		"retry_count", j.RetryCount,
		"max_retries", j.MaxRetries,
	)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, delay time.Duration) error {
	return e.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, j.TenantID, nil,
		"action_code", string(j.Action),
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
	)
}

// OnJobCancelled implements ext.JobCancelled.
func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCancelled, SeverityWarning, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, j.TenantID, nil,
		"action_code", string(j.Action),
	)
}

// OnJobExpired implements ext.JobExpired.
func (e *Extension) OnJobExpired(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobExpired, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, j.TenantID, nil,
		"action_code", string(j.Action),
		"expired_at", j.ExpiresAt.Format(time.RFC3339),
	)
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskDelivered implements ext.TaskDelivered.
func (e *Extension) OnTaskDelivered(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskDelivered, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, t.TenantID, nil,
		"job_id", t.JobID.String(),
		"marketplace", t.Marketplace,
		"verb", t.Verb,
		"execute_delay_ms", t.ExecuteDelay.Milliseconds(),
	)
}

// OnTaskResolved implements ext.TaskResolved.
func (e *Extension) OnTaskResolved(ctx context.Context, t *task.Task) error {
	outcome := OutcomeSuccess
	severity := SeverityInfo
	if t.Status != task.StatusSuccess {
		outcome = OutcomeFailure
		severity = SeverityWarning
	}
	return e.record(ctx, ActionTaskResolved, severity, outcome,
		ResourceTask, t.ID.String(), CategoryTask, t.TenantID, nil,
		"job_id", t.JobID.String(),
		"marketplace", t.Marketplace,
		"status", string(t.Status),
	)
}

// ── Worker lifecycle hooks ──────────────────────────

// OnWorkerStarted implements ext.WorkerStarted.
func (e *Extension) OnWorkerStarted(ctx context.Context, tenantID int64) error {
	return e.record(ctx, ActionWorkerStarted, SeverityInfo, OutcomeSuccess,
		ResourceWorker, strconv.FormatInt(tenantID, 10), CategoryWorker, tenantID, nil,
	)
}

// OnWorkerRetired implements ext.WorkerRetired.
func (e *Extension) OnWorkerRetired(ctx context.Context, tenantID int64, age, idle time.Duration) error {
	return e.record(ctx, ActionWorkerRetired, SeverityInfo, OutcomeSuccess,
		ResourceWorker, strconv.FormatInt(tenantID, 10), CategoryWorker, tenantID, nil,
		"age_ms", age.Milliseconds(),
		"idle_ms", idle.Milliseconds(),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	tenantID int64,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		TenantID:   tenantID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
