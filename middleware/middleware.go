// Package middleware provides composable middleware around workflow
// handler execution. Middleware wraps handler calls synchronously and
// can modify execution (recover from panics, log, enforce deadlines,
// add tracing).
package middleware

import "context"

// Run describes the handler run being wrapped.
type Run struct {
	// WorkflowID identifies the instance being executed.
	WorkflowID string
	// HandlerID names the handler.
	HandlerID string
	// Failures is the instance's failure count before this run.
	Failures int
}

// Handler is the terminal function that executes the workflow handler.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the run being executed, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, run *Run, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, tracing) executes as:
//
//	logging → recover → tracing → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, run *Run, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, run, prev)
			}
		}
		return h(ctx)
	}
}
