package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ferromir/bluestreak"
	"github.com/ferromir/bluestreak/backoff"
	"github.com/ferromir/bluestreak/middleware"
)

// ErrorCallback is invoked after a handler failure has been recorded.
// It is advisory: panics inside it are swallowed.
type ErrorCallback func(workflowID string, err error)

// Runner executes a single claimed instance: it resolves the handler,
// builds the run Context, invokes the handler through the middleware
// chain, and transitions the instance to finished, failed, or aborted.
type Runner struct {
	store           bluestreak.Store
	registry        *Registry
	clock           bluestreak.Clock
	timeoutInterval time.Duration
	maxFailures     int
	retryDelay      backoff.Strategy
	chain           middleware.Middleware
	errorCallback   ErrorCallback
	logger          *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock sets the runner's clock.
func WithClock(c bluestreak.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithTimeoutInterval sets the lease length granted via the Context's
// step refreshes.
func WithTimeoutInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeoutInterval = d }
}

// WithMaxFailures sets the failure budget. Zero or negative means
// unbounded retries.
func WithMaxFailures(n int) RunnerOption {
	return func(r *Runner) { r.maxFailures = n }
}

// WithRetryDelay sets the strategy computing how long a failed instance
// waits before it becomes claimable again.
func WithRetryDelay(s backoff.Strategy) RunnerOption {
	return func(r *Runner) { r.retryDelay = s }
}

// WithMiddleware sets the middleware chain applied around every handler
// invocation.
func WithMiddleware(mws ...middleware.Middleware) RunnerOption {
	return func(r *Runner) { r.chain = middleware.Chain(mws...) }
}

// WithErrorCallback sets the advisory failure callback.
func WithErrorCallback(cb ErrorCallback) RunnerOption {
	return func(r *Runner) { r.errorCallback = cb }
}

// NewRunner creates a runner.
func NewRunner(store bluestreak.Store, registry *Registry, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:           store,
		registry:        registry,
		clock:           bluestreak.SystemClock(),
		timeoutInterval: 10 * time.Second,
		retryDelay:      backoff.NewConstant(time.Second),
		chain:           middleware.Chain(),
		logger:          logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one claimed instance to its next state. Handler failure
// is recovered locally: the instance is marked failed or aborted and
// Run returns nil. The only errors Run returns are the two
// infrastructure errors, *bluestreak.WorkflowNotFoundError and
// *bluestreak.HandlerNotFoundError, which are fatal to polling.
func (r *Runner) Run(ctx context.Context, workflowID string) error {
	data, err := r.store.FindRunData(ctx, workflowID)
	if err != nil {
		var nf *bluestreak.WorkflowNotFoundError
		if errors.As(err, &nf) {
			return err
		}
		// A transient store fault: the lease will lapse and the instance
		// will be re-claimed.
		r.logger.Error("run data lookup failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	handler, ok := r.registry.Get(data.HandlerID)
	if !ok {
		return &bluestreak.HandlerNotFoundError{HandlerID: data.HandlerID}
	}

	run := &middleware.Run{
		WorkflowID: workflowID,
		HandlerID:  data.HandlerID,
		Failures:   data.Failures,
	}

	var result []byte
	handlerErr := r.chain(ctx, run, func(hctx context.Context) error {
		c := NewContext(hctx, workflowID, r.store, r.clock, r.timeoutInterval, r.logger)
		out, herr := handler(c, data.Input)
		if herr != nil {
			return herr
		}
		result = out
		return nil
	})

	if handlerErr != nil {
		r.recordFailure(ctx, workflowID, data.Failures, handlerErr)
		return nil
	}

	if finErr := r.store.MarkFinished(ctx, workflowID, result); finErr != nil {
		r.logger.Error("failed to mark workflow finished",
			slog.String("workflow_id", workflowID),
			slog.String("error", finErr.Error()),
		)
	}
	return nil
}

// recordFailure bumps the failure count, decides failed vs aborted, and
// schedules the retry instant.
func (r *Runner) recordFailure(ctx context.Context, workflowID string, priorFailures int, handlerErr error) {
	failures := priorFailures + 1
	status := bluestreak.StatusFailed
	if r.maxFailures > 0 && failures > r.maxFailures {
		status = bluestreak.StatusAborted
	}
	retryAt := r.clock.Now().Add(r.retryDelay.Delay(failures))

	if err := r.store.MarkFailure(ctx, workflowID, status, retryAt, failures); err != nil {
		r.logger.Error("failed to record workflow failure",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Warn("workflow run failed",
		slog.String("workflow_id", workflowID),
		slog.String("status", string(status)),
		slog.Int("failures", failures),
		slog.String("error", handlerErr.Error()),
	)

	if r.errorCallback != nil {
		r.notify(workflowID, handlerErr)
	}
}

// notify invokes the error callback, swallowing its panics.
func (r *Runner) notify(workflowID string, handlerErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("error callback panicked",
				slog.String("workflow_id", workflowID),
				slog.Any("panic", rec),
			)
		}
	}()
	r.errorCallback(workflowID, handlerErr)
}
