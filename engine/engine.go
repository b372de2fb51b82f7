// Package engine wires the subsystems into the client façade: start
// workflow instances, wait on their results, register handlers and
// schedules, and poll. It sits above every subsystem package the same
// way the root package sits below them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferromir/bluestreak"
	"github.com/ferromir/bluestreak/backoff"
	"github.com/ferromir/bluestreak/cron"
	"github.com/ferromir/bluestreak/middleware"
	mongostore "github.com/ferromir/bluestreak/store/mongo"
	"github.com/ferromir/bluestreak/worker"
	"github.com/ferromir/bluestreak/workflow"
)

// Engine is the externally-visible surface of bluestreak. Create one
// with New, call Init before anything touching the store, register
// handlers before Poll, and Close when done.
type Engine struct {
	cfg      bluestreak.Config
	store    bluestreak.Store
	registry *workflow.Registry
	clock    bluestreak.Clock
	logger   *slog.Logger

	errorCallback workflow.ErrorCallback
	shouldStop    func() bool
	mws           []middleware.Middleware
	retryDelay    backoff.Strategy

	scheduler *cron.Scheduler
}

// New creates an Engine with the given options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      bluestreak.DefaultConfig(),
		registry: workflow.NewRegistry(),
		clock:    bluestreak.SystemClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.retryDelay == nil {
		e.retryDelay = backoff.NewConstant(e.cfg.WaitRetryInterval)
	}
	return e, nil
}

// Init opens the store connection (unless one was injected) and
// creates the indexes.
func (e *Engine) Init(ctx context.Context) error {
	if e.store == nil {
		s, err := mongostore.Connect(ctx, e.cfg.DBURL, e.cfg.DBName, mongostore.WithLogger(e.logger))
		if err != nil {
			return err
		}
		e.store = s
	}
	return e.store.Migrate(ctx)
}

// Close releases the store connection.
func (e *Engine) Close(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.Close(ctx)
}

// Store returns the engine's store. Nil before Init unless injected.
func (e *Engine) Store() bluestreak.Store { return e.store }

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() bluestreak.Config { return e.cfg }

// Start creates a new workflow instance claimable immediately. The
// input is JSON-marshaled and stored on the instance. Returns
// *bluestreak.AlreadyStartedError if the workflow id exists.
func (e *Engine) Start(ctx context.Context, workflowID, handlerID string, input any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("bluestreak: marshal input for workflow %q: %w", workflowID, err)
	}
	return e.store.InsertInstance(ctx, workflowID, handlerID, data, e.clock.Now())
}

// Wait probes the instance until it finishes, up to retries times with
// the given pause between probes. On finished the result is unmarshaled
// into out (which may be nil to discard it). Returns
// *bluestreak.WorkflowNotFoundError if the instance is missing,
// *bluestreak.AbortedError if it has been aborted, and
// *bluestreak.WaitTimeoutError once the retry budget is exhausted.
func (e *Engine) Wait(ctx context.Context, workflowID string, retries int, pause time.Duration, out any) error {
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		sr, err := e.store.FindStatusAndResult(ctx, workflowID)
		if err != nil {
			return err
		}
		switch sr.Status {
		case bluestreak.StatusFinished:
			if out == nil || len(sr.Result) == 0 {
				return nil
			}
			if decErr := json.Unmarshal(sr.Result, out); decErr != nil {
				return fmt.Errorf("bluestreak: decode result for workflow %q: %w", workflowID, decErr)
			}
			return nil
		case bluestreak.StatusAborted:
			return &bluestreak.AbortedError{WorkflowID: workflowID}
		}
	}
	return &bluestreak.WaitTimeoutError{WorkflowID: workflowID}
}

// RegisterHandler registers a type-erased handler under the given id.
// Registration must happen before Poll.
func (e *Engine) RegisterHandler(handlerID string, h workflow.Handler) {
	e.registry.Register(handlerID, h)
}

// Register wraps a typed handler and registers it on the engine.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T, R any](e *Engine, handlerID string, fn func(c *workflow.Context, input T) (R, error)) {
	workflow.Register(e.registry, handlerID, fn)
}

// RegisterSchedule persists a cron schedule that starts an instance of
// the given handler on every firing. Call after Init. The scheduler
// runs alongside Poll once at least one schedule is registered.
func (e *Engine) RegisterSchedule(ctx context.Context, name, expr, handlerID string, input any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("bluestreak: marshal input for schedule %q: %w", name, err)
	}
	if e.scheduler == nil {
		e.scheduler = cron.NewScheduler(e.store, e.startRaw, e.logger, cron.WithClock(e.clock))
	}
	return e.scheduler.Register(ctx, name, expr, handlerID, data)
}

// startRaw is the cron scheduler's StartFunc.
func (e *Engine) startRaw(ctx context.Context, workflowID, handlerID string, input []byte) error {
	return e.store.InsertInstance(ctx, workflowID, handlerID, input, e.clock.Now())
}

// Poll runs the claim loop until the stop predicate fires, the context
// is cancelled, or a runner hits an infrastructure error (a missing
// instance or an unregistered handler), which terminates the loop and
// is returned. Handler failures never terminate the loop. If schedules
// are registered, the cron scheduler runs for the duration of the poll.
func (e *Engine) Poll(ctx context.Context) error {
	runner := workflow.NewRunner(e.store, e.registry, e.logger,
		workflow.WithClock(e.clock),
		workflow.WithTimeoutInterval(e.cfg.TimeoutInterval),
		workflow.WithMaxFailures(e.cfg.MaxFailures),
		workflow.WithRetryDelay(e.retryDelay),
		workflow.WithMiddleware(e.mws...),
		workflow.WithErrorCallback(e.errorCallback),
	)
	poller := worker.NewPoller(e.store, runner, e.logger,
		worker.WithClock(e.clock),
		worker.WithTimeoutInterval(e.cfg.TimeoutInterval),
		worker.WithPollInterval(e.cfg.PollInterval),
		worker.WithShouldStop(e.shouldStop),
	)

	if e.scheduler != nil {
		if err := e.scheduler.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = e.scheduler.Stop(ctx) }()
	}

	return poller.Poll(ctx)
}

// ListAborted returns operator-facing projections of aborted instances.
func (e *Engine) ListAborted(ctx context.Context, limit, offset int) ([]*bluestreak.InstanceInfo, error) {
	return e.store.ListInstances(ctx, bluestreak.StatusAborted, limit, offset)
}

// Restart returns an aborted instance to idle with a zeroed failure
// count, making it claimable immediately. Step and nap records are kept,
// so the replay resumes from recorded work. Returns
// *bluestreak.WorkflowNotFoundError if the instance is missing and
// bluestreak.ErrNotAborted if it is in any other status.
func (e *Engine) Restart(ctx context.Context, workflowID string) error {
	return e.store.ResetInstance(ctx, workflowID, e.clock.Now())
}
