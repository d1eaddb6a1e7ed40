// Package relister provides a multi-tenant background-job execution
// engine for marketplace automation (publishing, syncing, deleting
// listings). Many independent tenants share one backend process; each
// tenant's work is rate-limited, isolated from other tenants' failures,
// and optionally relayed through an untrusted, intermittently-connected
// external executor (a browser extension the tenant controls) that can
// only be polled, never pushed to.
//
// # Quick Start
//
//	st := memory.New()
//	d, err := engine.New(st, relister.DefaultConfig())
//
// # Architecture
//
// The relational database is the single source of truth for job state.
// Job creation raises a NOTIFY; the dispatcher's listener lazily creates
// one ClientWorker per tenant, bounded by a global and a per-tenant
// semaphore. Tasks destined for the external executor are delivered via
// a long-polling queue with per-marketplace fairness and adaptive
// execution delays. Cancellation is cooperative: a persisted flag is
// signalled through an advisory lock and observed by the executing
// worker at checkpoints.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package relister
