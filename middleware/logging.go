package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosslist/relister/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("job started",
			slog.String("action", string(j.Action)),
			slog.String("job_id", j.ID.String()),
			slog.Int64("tenant_id", j.TenantID),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job failed",
				slog.String("action", string(j.Action)),
				slog.String("job_id", j.ID.String()),
				slog.Int64("tenant_id", j.TenantID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("action", string(j.Action)),
				slog.String("job_id", j.ID.String()),
				slog.Int64("tenant_id", j.TenantID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
