package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/task"
)

const taskColumns = `
	id, job_id, kind, marketplace, verb, target, params, payload,
	execute_delay, status, result, error_message, error_details,
	started_at, completed_at, created_at, updated_at`

// CreateTask persists a new task.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if err := s.ensureTenant(ctx, t.TenantID); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.tasks (
			id, job_id, kind, marketplace, verb, target, params, payload,
			execute_delay, status, result, error_message, error_details,
			started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17
		)`, schemaName(t.TenantID)),
		t.ID.String(), t.JobID.String(), string(t.Kind), t.Marketplace,
		t.Verb, t.Target, t.Params, t.Payload,
		t.ExecuteDelay.Nanoseconds(), string(t.Status), t.Result,
		t.ErrorMessage, t.ErrorDetails,
		t.StartedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", relister.ErrTaskAlreadyExists, t.ID)
		}
		return fmt.Errorf("relister/postgres: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID within the tenant's partition.
func (s *Store) GetTask(ctx context.Context, tenantID int64, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.tasks WHERE id = $1`, taskColumns, schemaName(tenantID)),
		taskID.String(),
	)

	t, err := scanTask(row, tenantID)
	if err != nil {
		if isNoRows(err) || isMissingSchema(err) {
			return nil, fmt.Errorf("%w: %s", relister.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("relister/postgres: get task: %w", err)
	}
	return t, nil
}

// ClaimPending selects up to limit pending relayed tasks, at most one
// per marketplace, skipping marketplaces that already have a task in
// flight, and flips them to processing in the same statement. The
// guard on status in the final UPDATE keeps concurrent claims from
// ever both winning a task.
func (s *Store) ClaimPending(ctx context.Context, tenantID int64, limit int) ([]*task.Task, error) {
	schema := schemaName(tenantID)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		WITH ranked AS (
			SELECT id, created_at,
			       ROW_NUMBER() OVER (PARTITION BY marketplace ORDER BY created_at ASC) AS rn
			FROM %[1]s.tasks
			WHERE status = 'pending'
			  AND kind = 'relayed'
			  AND marketplace NOT IN (
			      SELECT DISTINCT marketplace FROM %[1]s.tasks WHERE status = 'processing'
			  )
		),
		picked AS (
			SELECT id FROM ranked
			WHERE rn = 1
			ORDER BY created_at ASC
			LIMIT $1
		)
		UPDATE %[1]s.tasks t
		SET status = 'processing', started_at = NOW(), updated_at = NOW()
		FROM picked
		WHERE t.id = picked.id AND t.status = 'pending'
		RETURNING %[2]s`, schema, qualifyColumns("t", taskColumns)),
		limit,
	)
	if err != nil {
		if isMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("relister/postgres: claim pending tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows, tenantID)
}

// SetExecuteDelay stores the delay chosen at delivery. The guard keeps
// the first assignment; a redelivered task keeps its original pacing.
func (s *Store) SetExecuteDelay(ctx context.Context, tenantID int64, taskID id.TaskID, delay time.Duration) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.tasks SET execute_delay = $2, updated_at = NOW()
		WHERE id = $1 AND execute_delay = 0`, schemaName(tenantID)),
		taskID.String(), delay.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("relister/postgres: set execute delay: %w", err)
	}
	return nil
}

// CompleteTask stores the result and marks the task success.
func (s *Store) CompleteTask(ctx context.Context, tenantID int64, taskID id.TaskID, result []byte) (*task.Task, error) {
	return s.resolveTask(ctx, tenantID, taskID, `
		UPDATE %s.tasks
		SET status = 'success', result = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING %s`,
		result,
	)
}

// FailTask stores the error and marks the task failed.
func (s *Store) FailTask(ctx context.Context, tenantID int64, taskID id.TaskID, message, details string) (*task.Task, error) {
	return s.resolveTask(ctx, tenantID, taskID, `
		UPDATE %s.tasks
		SET status = 'failed', error_message = $2, error_details = $3,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING %s`,
		message, details,
	)
}

// resolveTask runs a guarded terminal update. A zero-row result on an
// existing terminal task returns the stored row unchanged, making
// result submission idempotent.
func (s *Store) resolveTask(ctx context.Context, tenantID int64, taskID id.TaskID, query string, args ...any) (*task.Task, error) {
	queryArgs := append([]any{taskID.String()}, args...)
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(query, schemaName(tenantID), taskColumns),
		queryArgs...,
	)

	t, err := scanTask(row, tenantID)
	if err != nil {
		if isNoRows(err) {
			return s.GetTask(ctx, tenantID, taskID)
		}
		if isMissingSchema(err) {
			return nil, fmt.Errorf("%w: %s", relister.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("relister/postgres: resolve task: %w", err)
	}
	return t, nil
}

// CancelPendingForJob marks every still-pending task of a job
// cancelled.
func (s *Store) CancelPendingForJob(ctx context.Context, tenantID int64, jobID id.JobID) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.tasks
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND status = 'pending'`, schemaName(tenantID)),
		jobID.String(),
	)
	if err != nil {
		if isMissingSchema(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("relister/postgres: cancel pending tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// TasksForJob returns all tasks of a job, oldest first.
func (s *Store) TasksForJob(ctx context.Context, tenantID int64, jobID id.JobID) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.tasks
		WHERE job_id = $1
		ORDER BY created_at ASC`, taskColumns, schemaName(tenantID)),
		jobID.String(),
	)
	if err != nil {
		if isMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("relister/postgres: tasks for job: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows, tenantID)
}

// HasPending reports whether the tenant has undelivered relayed tasks.
func (s *Store) HasPending(ctx context.Context, tenantID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s.tasks WHERE status = 'pending' AND kind = 'relayed')`,
		schemaName(tenantID)),
	).Scan(&exists)
	if err != nil {
		if isMissingSchema(err) {
			return false, nil
		}
		return false, fmt.Errorf("relister/postgres: has pending: %w", err)
	}
	return exists, nil
}

// RequeueStale returns processing tasks delivered longer than grace
// ago to pending across every tenant schema.
func (s *Store) RequeueStale(ctx context.Context, grace time.Duration) ([]*task.Task, error) {
	tenants, err := s.tenantSchemas(ctx)
	if err != nil {
		return nil, err
	}

	var requeued []*task.Task
	for _, tenantID := range tenants {
		rows, qerr := s.pool.Query(ctx, fmt.Sprintf(`
			UPDATE %s.tasks
			SET status = 'pending', started_at = NULL, updated_at = NOW()
			WHERE status = 'processing'
			  AND started_at < NOW() - make_interval(secs => $1)
			RETURNING %s`, schemaName(tenantID), taskColumns),
			grace.Seconds(),
		)
		if qerr != nil {
			return nil, fmt.Errorf("relister/postgres: requeue stale for tenant %d: %w", tenantID, qerr)
		}
		tasks, cerr := collectTasks(rows, tenantID)
		rows.Close()
		if cerr != nil {
			return nil, cerr
		}
		requeued = append(requeued, tasks...)
	}
	return requeued, nil
}

// scanTask scans a single task row.
func scanTask(row pgx.Row, tenantID int64) (*task.Task, error) {
	var (
		t       task.Task
		idStr   string
		jobStr  string
		kindStr string
		status  string
		delayNs int64
	)
	err := row.Scan(
		&idStr, &jobStr, &kindStr, &t.Marketplace, &t.Verb, &t.Target,
		&t.Params, &t.Payload,
		&delayNs, &status, &t.Result, &t.ErrorMessage, &t.ErrorDetails,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TenantID = tenantID
	t.Kind = task.Kind(kindStr)
	t.Status = task.Status(status)
	t.ExecuteDelay = time.Duration(delayNs)

	parsedID, parseErr := id.ParseTaskID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("relister/postgres: parse task id %q: %w", idStr, parseErr)
	}
	t.ID = parsedID

	parsedJob, parseErr := id.ParseJobID(jobStr)
	if parseErr != nil {
		return nil, fmt.Errorf("relister/postgres: parse job id %q: %w", jobStr, parseErr)
	}
	t.JobID = parsedJob

	return &t, nil
}

// collectTasks collects all tasks from query rows.
func collectTasks(rows pgx.Rows, tenantID int64) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows, tenantID)
		if err != nil {
			return nil, fmt.Errorf("relister/postgres: scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relister/postgres: iterate task rows: %w", err)
	}
	return tasks, nil
}

// qualifyColumns prefixes each column in a comma-separated list with a
// table alias, for RETURNING clauses on aliased updates.
func qualifyColumns(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
