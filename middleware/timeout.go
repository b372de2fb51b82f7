package middleware

import (
	"context"
	"time"
)

// Timeout returns middleware that enforces a per-run execution
// deadline. A zero duration disables the deadline. Note the lease is a
// liveness parameter, not a correctness one: a handler past its lease
// is not interrupted by the engine, so this middleware is the way to
// bound handlers that must not outlive their usefulness.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *Run, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
