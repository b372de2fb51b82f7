package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs run start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, run *Run, next Handler) error {
		logger.Info("workflow run started",
			slog.String("workflow_id", run.WorkflowID),
			slog.String("handler_id", run.HandlerID),
			slog.Int("failures", run.Failures),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("workflow run failed",
				slog.String("workflow_id", run.WorkflowID),
				slog.String("handler_id", run.HandlerID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("workflow run completed",
				slog.String("workflow_id", run.WorkflowID),
				slog.String("handler_id", run.HandlerID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
