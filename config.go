package relister

import "time"

// Config holds configuration for the job dispatcher.
type Config struct {
	// GlobalMaxConcurrent is the total number of jobs the process may
	// run at once, across all tenants.
	GlobalMaxConcurrent int

	// PerTenantMaxConcurrent limits simultaneous jobs for one tenant.
	PerTenantMaxConcurrent int

	// TenantJobRate is the sustained job starts per second allowed for
	// one tenant. Zero disables tenant rate limiting.
	TenantJobRate float64

	// TenantJobBurst is the burst size for the tenant rate limiter.
	// Defaults to 1 when TenantJobRate is set.
	TenantJobBurst int

	// WorkerIdleTimeout is how long a worker may sit without activity
	// before the janitor considers it idle.
	WorkerIdleTimeout time.Duration

	// WorkerMaxAge is the maximum lifetime of a worker. Workers older
	// than this with no active jobs are retired by the janitor.
	WorkerMaxAge time.Duration

	// JanitorInterval is how often the janitor sweeps the worker map.
	JanitorInterval time.Duration

	// ExpireInterval is how often overdue pending/paused jobs are swept
	// to expired and stale in-flight tasks are reclaimed.
	ExpireInterval time.Duration

	// StaleTaskGrace is how long a delivered task may stay processing
	// without a result before it is returned to pending.
	StaleTaskGrace time.Duration

	// JobTTL is the lifetime of a job; ExpiresAt is set to creation
	// time plus JobTTL.
	JobTTL time.Duration

	// JobTimeout is the default per-job execution deadline. Zero
	// disables the deadline.
	JobTimeout time.Duration

	// PollInterval is the worker's fallback poll interval when no
	// notification arrives.
	PollInterval time.Duration

	// ShutdownTimeout bounds the grace period given to each worker
	// during dispatcher shutdown.
	ShutdownTimeout time.Duration

	// NotifyChannel is the database notification channel for new jobs.
	NotifyChannel string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		GlobalMaxConcurrent:    50,
		PerTenantMaxConcurrent: 3,
		WorkerIdleTimeout:      10 * time.Minute,
		WorkerMaxAge:           2 * time.Hour,
		JanitorInterval:        time.Minute,
		ExpireInterval:         time.Minute,
		StaleTaskGrace:         5 * time.Minute,
		JobTTL:                 24 * time.Hour,
		JobTimeout:             10 * time.Minute,
		PollInterval:           5 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		NotifyChannel:          "relister_jobs",
	}
}
