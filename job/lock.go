package job

import (
	"context"

	"github.com/crosslist/relister/id"
)

// AdvisoryLocker wraps database session-scoped advisory locks keyed by
// job identifier. The locks carry no data; they exist so a canceller in
// another process can signal intent to a running worker without ever
// blocking on a row lock the worker holds.
type AdvisoryLocker interface {
	// HoldJobLock acquires the session lock for a job at execution
	// start. The returned release func is called by the finalizer. A
	// failed acquisition is not fatal; cancellation degrades to pure
	// flag polling.
	HoldJobLock(ctx context.Context, tenantID int64, jobID id.JobID) (release func(), err error)

	// SignalCancel momentarily takes and releases the advisory lock
	// for a job to signal cancellation intent. Must never block: if the
	// lock is held by the running worker the attempt returns
	// immediately.
	SignalCancel(ctx context.Context, tenantID int64, jobID id.JobID) error
}
