package job

import (
	"context"
	"time"

	"github.com/crosslist/relister/id"
)

// Store defines the persistence contract for jobs. Implementations
// partition rows per tenant; every call is scoped by the tenant id
// carried on the job (or passed explicitly).
type Store interface {
	// CreateJob persists a new job in pending state.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID within the tenant's partition.
	GetJob(ctx context.Context, tenantID int64, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job. Implementations
	// must reject writes that would mutate a terminal row except for
	// clearing CancelRequested during finalization.
	UpdateJob(ctx context.Context, j *Job) error

	// ClaimJob transitions a pending job to running and stamps
	// StartedAt in one atomic step. Returns false if the job was no
	// longer pending (already claimed, cancelled, or expired).
	ClaimJob(ctx context.Context, tenantID int64, jobID id.JobID) (*Job, bool, error)

	// PendingJobs returns up to limit pending jobs for one tenant,
	// ordered by priority (lower first) then creation time.
	PendingJobs(ctx context.Context, tenantID int64, limit int) ([]*Job, error)

	// RunningJobs returns up to limit jobs currently marked running
	// for one tenant, oldest first. Used at startup to reclaim work
	// orphaned by a crashed process.
	RunningJobs(ctx context.Context, tenantID int64, limit int) ([]*Job, error)

	// TenantsWithOpenJobs returns the tenant ids that have jobs in
	// pending or running state. Used for crash-recovery bootstrap.
	TenantsWithOpenJobs(ctx context.Context) ([]int64, error)

	// CancelRequested reads only the cooperative-cancellation flag for
	// a job. Cheap enough to call at every checkpoint.
	CancelRequested(ctx context.Context, tenantID int64, jobID id.JobID) (bool, error)

	// ExpireOverdue sweeps pending and paused jobs whose ExpiresAt is
	// before now to expired, across all tenants. Returns the expired
	// jobs.
	ExpireOverdue(ctx context.Context, now time.Time) ([]*Job, error)

	// CountByStatus returns the number of jobs in the given status for
	// one tenant. A zero tenantID counts across all tenants.
	CountByStatus(ctx context.Context, tenantID int64, status Status) (int64, error)
}
