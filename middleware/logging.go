package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookline/dispatch/job"
)

// Logging returns middleware that logs every attempt and exposes a
// logger carrying the job's attributes through job.Logger(ctx).
// attempt_number is the 1-based attempt in progress.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		l := logger.With(
			slog.String("kind", j.Kind),
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt_number", j.Attempt+1),
			slog.Int("max_attempts", j.MaxAttempts),
		)
		l.Debug("job attempt started")

		start := time.Now()
		err := next(job.WithLogger(ctx, l))
		elapsed := time.Since(start)

		if err != nil {
			l.Warn("job attempt failed",
				slog.Duration("elapsed", elapsed),
				slog.String("outcome", outcome(err)),
				slog.String("error", err.Error()),
			)
		} else {
			l.Info("job attempt succeeded", slog.Duration("elapsed", elapsed))
		}
		return err
	}
}
