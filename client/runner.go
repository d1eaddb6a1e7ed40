package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/crosslist/relister/taskqueue"
)

// TaskHandler executes one delivered task against the marketplace and
// returns the result payload, or an error that becomes the task's
// failure record.
type TaskHandler func(ctx context.Context, t *taskqueue.DeliveredTask) (json.RawMessage, error)

// Runner is an external executor loop: it long-polls the task feed,
// honors each task's anti-automation delay, runs the handler, and
// reports results. One Runner serves one tenant.
type Runner struct {
	client  *Client
	handler TaskHandler
	logger  *slog.Logger

	pollTimeout time.Duration
	limit       int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollTimeout sets the long-poll timeout per fetch.
func WithPollTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pollTimeout = d }
}

// WithLimit sets how many tasks one fetch may claim.
func WithLimit(n int) RunnerOption {
	return func(r *Runner) { r.limit = n }
}

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a Runner over a client and a task handler.
func NewRunner(c *Client, handler TaskHandler, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:      c,
		handler:     handler,
		logger:      slog.Default(),
		pollTimeout: 30 * time.Second,
		limit:       5,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until the context is cancelled. Fetch errors back off and
// retry; task failures are reported to the server, never fatal to the
// loop.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := r.client.FetchTasks(ctx, r.pollTimeout, r.limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("task fetch failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, t := range resp.Tasks {
			r.execute(ctx, t)
		}

		if len(resp.Tasks) == 0 && resp.NextPollIntervalMS > 0 && !resp.HasPendingTasks {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(resp.NextPollIntervalMS) * time.Millisecond):
			}
		}
	}
}

// execute waits out the task's delivery delay, runs the handler, and
// submits the outcome.
func (r *Runner) execute(ctx context.Context, t *taskqueue.DeliveredTask) {
	if t.ExecuteDelayMS > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(t.ExecuteDelayMS) * time.Millisecond):
		}
	}

	result, err := r.handler(ctx, t)

	res := taskqueue.Result{Success: err == nil, Result: result}
	if err != nil {
		res.ErrorMessage = err.Error()
	}

	if subErr := r.client.SubmitResult(ctx, t.ID.String(), res); subErr != nil {
		r.logger.Error("result submission failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", subErr.Error()),
		)
		return
	}

	r.logger.Debug("task executed",
		slog.String("task_id", t.ID.String()),
		slog.String("marketplace", t.Marketplace),
		slog.Bool("success", err == nil),
	)
}
