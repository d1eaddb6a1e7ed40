package job

import (
	"time"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be picked up by its
	// tenant's worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusPaused means execution is suspended and may resume.
	StatusPaused Status = "paused"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed and will not be retried.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was explicitly cancelled.
	StatusCancelled Status = "cancelled"
	// StatusExpired means the job sat unstarted past its deadline.
	StatusExpired Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
// Terminal jobs are immutable and retained for audit.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// transitions encodes the job state machine. Statuses absent from the
// map are terminal.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusExpired},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:  {StatusRunning, StatusCancelled, StatusExpired},
}

// CanTransition reports whether moving from one status to another is a
// legal step of the job state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Action is the closed set of marketplace operations a job can perform.
type Action string

const (
	ActionPublishListing Action = "publish_listing"
	ActionSyncListing    Action = "sync_listing"
	ActionDeleteListing  Action = "delete_listing"
	ActionRelistListing  Action = "relist_listing"
	ActionImportListing  Action = "import_listing"
)

// Actions lists every supported action code.
func Actions() []Action {
	return []Action{
		ActionPublishListing,
		ActionSyncListing,
		ActionDeleteListing,
		ActionRelistListing,
		ActionImportListing,
	}
}

// Valid reports whether the action code is one of the supported
// operations.
func (a Action) Valid() bool {
	for _, known := range Actions() {
		if a == known {
			return true
		}
	}
	return false
}

// Job represents one discrete unit of tenant work, tracked through the
// state machine to a terminal outcome. Jobs are never physically
// deleted; terminal rows are retained for audit and statistics.
type Job struct {
	relister.Entity

	ID       id.JobID `json:"id"`
	TenantID int64    `json:"tenant_id"`
	Action   Action   `json:"action"`
	Status   Status   `json:"status"`

	// Priority orders dequeue within one tenant's pending list.
	// Lower values are more urgent.
	Priority int `json:"priority"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// CancelRequested is the cooperative cancellation flag. It is set
	// by the canceller and polled by the executing worker at
	// checkpoints.
	CancelRequested bool `json:"cancel_requested"`

	Payload   []byte `json:"payload,omitempty"`
	Result    []byte `json:"result,omitempty"`
	LastError string `json:"last_error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExpiresAt is always CreatedAt plus the configured TTL.
	ExpiresAt time.Time `json:"expires_at"`
}

// New creates a pending job for the given tenant with ExpiresAt set
// from the TTL.
func New(tenantID int64, action Action, priority int, payload []byte, ttl time.Duration) *Job {
	j := &Job{
		Entity:     relister.NewEntity(),
		ID:         id.NewJobID(),
		TenantID:   tenantID,
		Action:     action,
		Status:     StatusPending,
		Priority:   priority,
		MaxRetries: 3,
		Payload:    payload,
	}
	j.ExpiresAt = j.CreatedAt.Add(ttl)
	return j
}
