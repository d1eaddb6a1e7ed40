package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/job"
)

const jobColumns = `
	id, action, status, priority, retry_count, max_retries,
	cancel_requested, payload, result, last_error,
	started_at, completed_at, expires_at, created_at, updated_at`

// CreateJob persists a new job, provisioning the tenant schema on
// first use. The insert trigger delivers the NOTIFY wakeup.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if err := s.ensureTenant(ctx, j.TenantID); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.jobs (
			id, action, status, priority, retry_count, max_retries,
			cancel_requested, payload, result, last_error,
			started_at, completed_at, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`, schemaName(j.TenantID)),
		j.ID.String(), string(j.Action), string(j.Status),
		j.Priority, j.RetryCount, j.MaxRetries,
		j.CancelRequested, j.Payload, j.Result, j.LastError,
		j.StartedAt, j.CompletedAt, j.ExpiresAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", relister.ErrJobAlreadyExists, j.ID)
		}
		return fmt.Errorf("relister/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID within the tenant's partition.
func (s *Store) GetJob(ctx context.Context, tenantID int64, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.jobs WHERE id = $1`, jobColumns, schemaName(tenantID)),
		jobID.String(),
	)

	j, err := scanJob(row, tenantID)
	if err != nil {
		if isNoRows(err) || isMissingSchema(err) {
			return nil, fmt.Errorf("%w: %s", relister.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("relister/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job. The WHERE clause
// enforces the state machine in the same statement as the write: only
// rows whose current status equals the new status, or may legally
// transition to it, are touched. The single exception a terminal row
// accepts is the cancellation finalizer clearing cancel_requested,
// and that write changes nothing else.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	sources := legalSources(j.Status)

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.jobs SET
			action = $2, status = $3, priority = $4,
			retry_count = $5, max_retries = $6, cancel_requested = $7,
			payload = $8, result = $9, last_error = $10,
			started_at = $11, completed_at = $12, expires_at = $13,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($14)`, schemaName(j.TenantID)),
		j.ID.String(), string(j.Action), string(j.Status), j.Priority,
		j.RetryCount, j.MaxRetries, j.CancelRequested,
		j.Payload, j.Result, j.LastError,
		j.StartedAt, j.CompletedAt, j.ExpiresAt,
		sources,
	)
	if err != nil {
		if isMissingSchema(err) {
			return fmt.Errorf("%w: %s", relister.ErrJobNotFound, j.ID)
		}
		return fmt.Errorf("relister/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if j.Status == job.StatusCancelled && !j.CancelRequested {
			return s.clearCancelFlag(ctx, j)
		}
		return s.classifyRejectedUpdate(ctx, j)
	}
	return nil
}

// clearCancelFlag is the one write a terminal row accepts: the
// cancellation finalizer clearing cancel_requested on an
// already-cancelled job. No other column is touched.
func (s *Store) clearCancelFlag(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.jobs SET cancel_requested = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'cancelled'`, schemaName(j.TenantID)),
		j.ID.String(),
	)
	if err != nil {
		if isMissingSchema(err) {
			return fmt.Errorf("%w: %s", relister.ErrJobNotFound, j.ID)
		}
		return fmt.Errorf("relister/postgres: clear cancel flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyRejectedUpdate(ctx, j)
	}
	return nil
}

// classifyRejectedUpdate turns a zero-row guarded update into the
// precise sentinel: not found, terminal, or illegal transition.
func (s *Store) classifyRejectedUpdate(ctx context.Context, j *job.Job) error {
	var status string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT status FROM %s.jobs WHERE id = $1`, schemaName(j.TenantID)),
		j.ID.String(),
	).Scan(&status)
	if err != nil {
		if isNoRows(err) || isMissingSchema(err) {
			return fmt.Errorf("%w: %s", relister.ErrJobNotFound, j.ID)
		}
		return fmt.Errorf("relister/postgres: classify rejected update: %w", err)
	}
	if job.Status(status).Terminal() {
		return fmt.Errorf("%w: %s is %s", relister.ErrJobTerminal, j.ID, status)
	}
	return fmt.Errorf("%w: %s -> %s", relister.ErrInvalidTransition, status, j.Status)
}

// legalSources returns the statuses a row may hold for a write setting
// it to the given status: every status that may transition to it, plus
// the status itself while it is non-terminal. Terminal rows are only
// reachable through the narrow flag-clear statement in UpdateJob.
func legalSources(to job.Status) []string {
	all := []job.Status{
		job.StatusPending, job.StatusRunning, job.StatusPaused,
		job.StatusCompleted, job.StatusFailed, job.StatusCancelled, job.StatusExpired,
	}
	var sources []string
	if !to.Terminal() {
		sources = append(sources, string(to))
	}
	for _, from := range all {
		if job.CanTransition(from, to) {
			sources = append(sources, string(from))
		}
	}
	return sources
}

// ClaimJob flips a pending job to running and stamps StartedAt in one
// guarded statement, so two workers can never both claim it.
func (s *Store) ClaimJob(ctx context.Context, tenantID int64, jobID id.JobID) (*job.Job, bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s.jobs
		SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING %s`, schemaName(tenantID), jobColumns),
		jobID.String(),
	)

	j, err := scanJob(row, tenantID)
	if err != nil {
		if isNoRows(err) {
			// Not pending anymore, or never existed.
			if _, getErr := s.GetJob(ctx, tenantID, jobID); getErr != nil {
				return nil, false, getErr
			}
			return nil, false, nil
		}
		if isMissingSchema(err) {
			return nil, false, fmt.Errorf("%w: %s", relister.ErrJobNotFound, jobID)
		}
		return nil, false, fmt.Errorf("relister/postgres: claim job: %w", err)
	}
	return j, true, nil
}

// PendingJobs returns up to limit pending jobs for one tenant, most
// urgent (lowest priority value) and oldest first.
func (s *Store) PendingJobs(ctx context.Context, tenantID int64, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.jobs
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT $1`, jobColumns, schemaName(tenantID)),
		limit,
	)
	if err != nil {
		if isMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("relister/postgres: pending jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows, tenantID)
}

// RunningJobs lists jobs stuck in running state, oldest first. Only
// the startup reclamation pass reads this.
func (s *Store) RunningJobs(ctx context.Context, tenantID int64, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.jobs
		WHERE status = 'running'
		ORDER BY created_at ASC
		LIMIT $1`, jobColumns, schemaName(tenantID)),
		limit,
	)
	if err != nil {
		if isMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("relister/postgres: running jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows, tenantID)
}

// TenantsWithOpenJobs scans every tenant schema for pending or running
// jobs. Used once at startup for crash recovery.
func (s *Store) TenantsWithOpenJobs(ctx context.Context) ([]int64, error) {
	tenants, err := s.tenantSchemas(ctx)
	if err != nil {
		return nil, err
	}

	var open []int64
	for _, tenantID := range tenants {
		var exists bool
		err := s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT EXISTS(SELECT 1 FROM %s.jobs WHERE status IN ('pending', 'running'))`,
			schemaName(tenantID)),
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("relister/postgres: scan open jobs for tenant %d: %w", tenantID, err)
		}
		if exists {
			open = append(open, tenantID)
		}
	}
	return open, nil
}

// CancelRequested reads only the cooperative-cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, tenantID int64, jobID id.JobID) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT cancel_requested FROM %s.jobs WHERE id = $1`, schemaName(tenantID)),
		jobID.String(),
	).Scan(&flag)
	if err != nil {
		if isNoRows(err) || isMissingSchema(err) {
			return false, fmt.Errorf("%w: %s", relister.ErrJobNotFound, jobID)
		}
		return false, fmt.Errorf("relister/postgres: cancel requested: %w", err)
	}
	return flag, nil
}

// ExpireOverdue sweeps overdue pending and paused jobs to expired
// across every tenant schema.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) ([]*job.Job, error) {
	tenants, err := s.tenantSchemas(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*job.Job
	for _, tenantID := range tenants {
		rows, qerr := s.pool.Query(ctx, fmt.Sprintf(`
			UPDATE %s.jobs
			SET status = 'expired', completed_at = $1, updated_at = NOW()
			WHERE status IN ('pending', 'paused') AND expires_at <= $1
			RETURNING %s`, schemaName(tenantID), jobColumns),
			now,
		)
		if qerr != nil {
			return nil, fmt.Errorf("relister/postgres: expire overdue for tenant %d: %w", tenantID, qerr)
		}
		jobs, cerr := collectJobs(rows, tenantID)
		rows.Close()
		if cerr != nil {
			return nil, cerr
		}
		expired = append(expired, jobs...)
	}
	return expired, nil
}

// CountByStatus counts jobs in a status for one tenant, or across all
// tenants when tenantID is zero.
func (s *Store) CountByStatus(ctx context.Context, tenantID int64, status job.Status) (int64, error) {
	tenants := []int64{tenantID}
	if tenantID == 0 {
		all, err := s.tenantSchemas(ctx)
		if err != nil {
			return 0, err
		}
		tenants = all
	}

	var total int64
	for _, t := range tenants {
		var n int64
		err := s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s.jobs WHERE status = $1`, schemaName(t)),
			string(status),
		).Scan(&n)
		if err != nil {
			if isMissingSchema(err) {
				continue
			}
			return 0, fmt.Errorf("relister/postgres: count by status: %w", err)
		}
		total += n
	}
	return total, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row, tenantID int64) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		actionStr string
		statusStr string
	)
	err := row.Scan(
		&idStr, &actionStr, &statusStr, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.CancelRequested, &j.Payload, &j.Result, &j.LastError,
		&j.StartedAt, &j.CompletedAt, &j.ExpiresAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.TenantID = tenantID
	j.Action = job.Action(actionStr)
	j.Status = job.Status(statusStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("relister/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows, tenantID int64) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows, tenantID)
		if err != nil {
			return nil, fmt.Errorf("relister/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relister/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
