// Package store defines the composite persistence contract for the
// relister engine. Each subsystem (job, task, advisory locking, change
// notification) defines its own interface; a single backend implements
// all of them.
package store

import (
	"context"

	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/task"
)

// Notification is one decoded database change event: a job was
// inserted into a tenant schema.
type Notification struct {
	JobID  string `json:"job_id"`
	Schema string `json:"schema"`
}

// Listener surfaces job-creation notifications from the backend. The
// returned channel closes when ctx is cancelled or the listener shuts
// down.
type Listener interface {
	Notifications(ctx context.Context) (<-chan Notification, error)
}

// Store is the composite interface the dispatcher operates on.
type Store interface {
	// Migrate applies schema migrations.
	Migrate(ctx context.Context) error
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error

	job.Store
	job.AdvisoryLocker
	task.Store
	Listener
}
