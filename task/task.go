// Package task defines the HTTP-shaped sub-operations of a job and
// their persistence contract. Tasks marked as relayed are delivered to
// the tenant's external executor through the long-polling queue;
// direct tasks are executed by the backend itself.
package task

import (
	"time"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/id"
)

// Kind distinguishes who executes a task.
type Kind string

const (
	// KindDirect tasks are executed by the backend process.
	KindDirect Kind = "direct"
	// KindRelayed tasks are delivered to the tenant's external
	// executor via long polling.
	KindRelayed Kind = "relayed"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending means the task awaits delivery to an executor.
	StatusPending Status = "pending"
	// StatusProcessing means exactly one executor holds the task.
	StatusProcessing Status = "processing"
	// StatusSuccess means the task completed and its result is stored.
	StatusSuccess Status = "success"
	// StatusFailed means the task failed; the owning job decides
	// retry policy.
	StatusFailed Status = "failed"
	// StatusCancelled means the parent job was cancelled before the
	// task was delivered.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the task admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one HTTP-shaped sub-operation of a job.
type Task struct {
	relister.Entity

	ID       id.TaskID `json:"id"`
	JobID    id.JobID  `json:"job_id"`
	TenantID int64     `json:"tenant_id"`
	Kind     Kind      `json:"kind"`

	// Marketplace is the logical sub-channel (ebay, etsy, vinted…).
	// The delivery queue returns at most one pending task per
	// marketplace per poll so one slow external call cannot starve
	// unrelated work.
	Marketplace string `json:"marketplace"`

	Verb    string            `json:"verb"`
	Target  string            `json:"target"`
	Params  map[string]string `json:"params,omitempty"`
	Payload []byte            `json:"payload,omitempty"`

	// ExecuteDelay is the randomized anti-automation delay the
	// executor must wait before issuing the underlying call. Assigned
	// exactly once, when the task is selected for delivery, and never
	// recomputed.
	ExecuteDelay time.Duration `json:"execute_delay"`

	Status       Status `json:"status"`
	Result       []byte `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a pending task belonging to the given job.
func New(j id.JobID, tenantID int64, kind Kind, marketplace, verb, target string) *Task {
	return &Task{
		Entity:      relister.NewEntity(),
		ID:          id.NewTaskID(),
		JobID:       j,
		TenantID:    tenantID,
		Kind:        kind,
		Marketplace: marketplace,
		Verb:        verb,
		Target:      target,
		Status:      StatusPending,
	}
}
