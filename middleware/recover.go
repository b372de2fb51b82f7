package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that recovers from panics in the handler
// chain. A panic becomes an ordinary handler failure, so the instance
// enters the retry state machine instead of killing the worker. The
// panic and stack trace are logged.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, run *Run, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("workflow handler panicked",
					slog.String("workflow_id", run.WorkflowID),
					slog.String("handler_id", run.HandlerID),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in workflow %s: %v", run.WorkflowID, r)
			}
		}()
		return next(ctx)
	}
}
