package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/crosslist/relister/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace, so one
// tenant's broken handler can never take down the shared process.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("job handler panicked",
					slog.String("action", string(j.Action)),
					slog.String("job_id", j.ID.String()),
					slog.Int64("tenant_id", j.TenantID),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in action %s: %v", j.Action, r)
			}
		}()
		return next(ctx)
	}
}
