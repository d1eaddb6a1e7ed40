// Package taskqueue serves relayed tasks to client extensions over a
// long-polling contract and accepts their results. It is the bridge
// between server-side job handlers, which enqueue relayed tasks and
// block on their outcomes, and browser-side executors, which poll for
// work and report back.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/ext"
	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/job"
	"github.com/crosslist/relister/ratelimit"
	"github.com/crosslist/relister/task"
)

const (
	// MaxWait caps how long one Fetch call may hold the connection.
	MaxWait = 60 * time.Second

	// MaxLimit caps how many tasks one Fetch call may deliver.
	MaxLimit = 25

	// pollStep is the sleep between claim attempts inside one Fetch.
	pollStep = 500 * time.Millisecond

	// emptyPollInterval is the backoff the client is told to wait
	// before polling again after an empty fetch.
	emptyPollInterval = 2 * time.Second
)

// DeliveredTask is the wire form of a claimed task as seen by an
// external executor. The anti-automation delay is expressed in
// milliseconds; the executor must wait it out before issuing the
// underlying marketplace call.
type DeliveredTask struct {
	ID          id.TaskID         `json:"id"`
	JobID       id.JobID          `json:"job_id"`
	Marketplace string            `json:"marketplace"`
	Verb        string            `json:"verb"`
	Target      string            `json:"target"`
	Params      map[string]string `json:"params,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`

	ExecuteDelayMS int64 `json:"execute_delay_ms"`
}

// wireTask projects the internal task onto its delivery form.
func wireTask(t *task.Task) *DeliveredTask {
	return &DeliveredTask{
		ID:             t.ID,
		JobID:          t.JobID,
		Marketplace:    t.Marketplace,
		Verb:           t.Verb,
		Target:         t.Target,
		Params:         t.Params,
		Payload:        t.Payload,
		ExecuteDelayMS: t.ExecuteDelay.Milliseconds(),
	}
}

// FetchResponse is the delivery envelope returned to polling clients.
type FetchResponse struct {
	Tasks []*DeliveredTask `json:"tasks"`

	// NextPollIntervalMS tells the client how long to wait before the
	// next poll: zero when tasks were delivered, a backoff otherwise.
	NextPollIntervalMS int64 `json:"next_poll_interval_ms"`

	// HasPendingTasks reports whether undelivered tasks remain after
	// this fetch, so a client can keep polling eagerly.
	HasPendingTasks bool `json:"has_pending_tasks"`
}

// Queue delivers relayed tasks to polling clients and records their
// results.
type Queue struct {
	tasks      task.Store
	policy     *ratelimit.Policy
	extensions *ext.Registry
	logger     *slog.Logger
}

// New creates a Queue. A nil policy falls back to the default delay
// policy.
func New(tasks task.Store, policy *ratelimit.Policy, extensions *ext.Registry, logger *slog.Logger) *Queue {
	if policy == nil {
		policy = ratelimit.Default()
	}
	return &Queue{
		tasks:      tasks,
		policy:     policy,
		extensions: extensions,
		logger:     logger,
	}
}

// Fetch long-polls for pending relayed tasks belonging to the tenant.
// It claims up to limit tasks (at most one per marketplace per call),
// stamps each with its anti-automation delay, and returns them. When
// nothing is pending it keeps retrying until the timeout elapses or
// the context is cancelled, then returns an empty response carrying a
// backoff interval. timeout is clamped to MaxWait, limit to
// [1, MaxLimit].
func (q *Queue) Fetch(ctx context.Context, tenantID int64, timeout time.Duration, limit int) (*FetchResponse, error) {
	if timeout <= 0 || timeout > MaxWait {
		timeout = MaxWait
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	deadline := time.Now().Add(timeout)
	for {
		claimed, err := q.tasks.ClaimPending(ctx, tenantID, limit)
		if err != nil {
			return nil, fmt.Errorf("taskqueue: claim pending: %w", err)
		}
		if len(claimed) > 0 {
			return q.deliver(ctx, tenantID, claimed)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return q.emptyResponse(ctx, tenantID), nil
		}
		step := pollStep
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return q.emptyResponse(ctx, tenantID), nil
		case <-time.After(step):
		}
	}
}

// emptyResponse builds the empty long-poll reply, telling the client
// how soon to come back.
func (q *Queue) emptyResponse(ctx context.Context, tenantID int64) *FetchResponse {
	pending := false
	if ctx.Err() == nil {
		if has, err := q.tasks.HasPending(ctx, tenantID); err == nil {
			pending = has
		}
	}
	return &FetchResponse{
		Tasks:              []*DeliveredTask{},
		NextPollIntervalMS: emptyPollInterval.Milliseconds(),
		HasPendingTasks:    pending,
	}
}

// deliver stamps each claimed task with its execution delay exactly
// once and emits the delivery hook. The delay is computed at delivery
// so it reflects the moment the client will act, and persisted so a
// redelivered task keeps its original pacing.
func (q *Queue) deliver(ctx context.Context, tenantID int64, claimed []*task.Task) (*FetchResponse, error) {
	delivered := make([]*DeliveredTask, 0, len(claimed))
	for _, t := range claimed {
		if t.ExecuteDelay == 0 {
			delay := q.policy.Delay(t.Target, t.Verb)
			if err := q.tasks.SetExecuteDelay(ctx, tenantID, t.ID, delay); err != nil {
				q.logger.Warn("failed to persist task delay",
					slog.String("task_id", t.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			t.ExecuteDelay = delay
		}
		delivered = append(delivered, wireTask(t))
		q.extensions.EmitTaskDelivered(ctx, t)
		q.logger.Debug("task delivered",
			slog.String("task_id", t.ID.String()),
			slog.String("marketplace", t.Marketplace),
			slog.Duration("delay", t.ExecuteDelay),
		)
	}

	pending, err := q.tasks.HasPending(ctx, tenantID)
	if err != nil {
		pending = false
	}
	return &FetchResponse{
		Tasks:           delivered,
		HasPendingTasks: pending,
	}, nil
}

// Result is a client-reported task outcome.
type Result struct {
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails string          `json:"error_details,omitempty"`
}

// SubmitResult records a task outcome. Results for already-terminal
// tasks are accepted and discarded, so a client retrying a result
// submission after a network hiccup gets a success response rather
// than an error. Unknown task ids return ErrTaskNotFound.
func (q *Queue) SubmitResult(ctx context.Context, tenantID int64, taskID id.TaskID, res Result) (*task.Task, error) {
	var (
		t   *task.Task
		err error
	)
	if res.Success {
		t, err = q.tasks.CompleteTask(ctx, tenantID, taskID, res.Result)
	} else {
		t, err = q.tasks.FailTask(ctx, tenantID, taskID, res.ErrorMessage, res.ErrorDetails)
	}
	if err != nil {
		if errors.Is(err, relister.ErrTaskNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("taskqueue: record result: %w", err)
	}

	q.extensions.EmitTaskResolved(ctx, t)
	q.logger.Debug("task resolved",
		slog.String("task_id", taskID.String()),
		slog.String("status", string(t.Status)),
	)
	return t, nil
}

// AwaitTasks blocks until every task of the job reaches a terminal
// state, polling the store. Handlers that fan a job out into relayed
// tasks call this to wait for the browser side; the cooperative
// cancellation checkpoint runs between polling rounds, so a cancelled
// job stops waiting at the next round. Returns the terminal tasks
// oldest first.
func (q *Queue) AwaitTasks(ctx context.Context, tenantID int64, jobID id.JobID, interval time.Duration) ([]*task.Task, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for {
		if err := job.Checkpoint(ctx); err != nil {
			return nil, err
		}

		tasks, err := q.tasks.TasksForJob(ctx, tenantID, jobID)
		if err != nil {
			return nil, err
		}
		allDone := len(tasks) > 0
		for _, t := range tasks {
			if !t.Status.Terminal() {
				allDone = false
				break
			}
		}
		if allDone {
			return tasks, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
