package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferromir/bluestreak"
)

// Context is the execution context passed to workflow handlers. It is
// bound to one workflow id for one run and exposes the two durable
// operations, Step and Sleep. Everything else a handler does must live
// inside a Step.
type Context struct {
	ctx             context.Context
	workflowID      string
	store           bluestreak.Store
	clock           bluestreak.Clock
	timeoutInterval time.Duration
	logger          *slog.Logger
}

// NewContext creates a run context. This is called by the runner, not
// by users.
func NewContext(
	ctx context.Context,
	workflowID string,
	store bluestreak.Store,
	clock bluestreak.Clock,
	timeoutInterval time.Duration,
	logger *slog.Logger,
) *Context {
	return &Context{
		ctx:             ctx,
		workflowID:      workflowID,
		store:           store,
		clock:           clock,
		timeoutInterval: timeoutInterval,
		logger:          logger,
	}
}

// Context returns the underlying context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// WorkflowID returns the id of the instance being executed.
func (c *Context) WorkflowID() string { return c.workflowID }

// Step executes a named step at most once per recorded output. If an
// output is already recorded for this step id, it is returned without
// invoking fn. Otherwise fn runs, its result is persisted (insert-only,
// so a concurrent duplicate never overwrites), and the worker's lease
// is refreshed.
//
// The query, fn, persist, and lease refresh are not atomic. A crash
// between fn and persist re-runs fn on the next replay; a crash between
// persist and the lease refresh replays from the recorded output. fn
// must therefore tolerate at-least-once execution of its external
// effects; at-most-once holds only for the recorded output.
//
// A failure of fn propagates unchanged and records nothing.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Step[T any](c *Context, stepID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	data, err := c.store.FindStepOutput(c.ctx, c.workflowID, stepID)
	if err != nil {
		return zero, fmt.Errorf("workflow %s: find step %q: %w", c.workflowID, stepID, err)
	}
	if data != nil {
		var cached T
		if decErr := json.Unmarshal(data, &cached); decErr != nil {
			return zero, fmt.Errorf("workflow %s: decode step %q: %w", c.workflowID, stepID, decErr)
		}
		c.logger.Debug("returning recorded step output",
			slog.String("workflow_id", c.workflowID),
			slog.String("step_id", stepID),
		)
		return cached, nil
	}

	result, stepErr := fn(c.ctx)
	if stepErr != nil {
		return zero, stepErr
	}

	out, encErr := json.Marshal(result)
	if encErr != nil {
		return zero, fmt.Errorf("workflow %s: encode step %q: %w", c.workflowID, stepID, encErr)
	}
	if putErr := c.store.PutStepOutput(c.ctx, c.workflowID, stepID, out); putErr != nil {
		return zero, fmt.Errorf("workflow %s: record step %q: %w", c.workflowID, stepID, putErr)
	}

	if leaseErr := c.store.ExtendLease(c.ctx, c.workflowID, c.clock.Now().Add(c.timeoutInterval)); leaseErr != nil {
		return zero, fmt.Errorf("workflow %s: extend lease after step %q: %w", c.workflowID, stepID, leaseErr)
	}

	return result, nil
}

// Sleep pauses the workflow durably. The wake instant is computed and
// persisted on first entry; replays sleep only for whatever remains of
// the original pause, and return immediately once it has passed. On
// first entry the lease is extended past the wake instant so the claim
// loop cannot hand the instance to another worker mid-sleep.
func (c *Context) Sleep(napID string, d time.Duration) error {
	wake, err := c.store.FindNapWake(c.ctx, c.workflowID, napID)
	if err != nil {
		return fmt.Errorf("workflow %s: find nap %q: %w", c.workflowID, napID, err)
	}

	if wake != nil {
		remaining := wake.Sub(c.clock.Now())
		if remaining <= 0 {
			return nil
		}
		c.logger.Debug("resuming recorded nap",
			slog.String("workflow_id", c.workflowID),
			slog.String("nap_id", napID),
			slog.Duration("remaining", remaining),
		)
		return c.suspend(remaining)
	}

	wakeUpAt := c.clock.Now().Add(d)
	if putErr := c.store.PutNapWake(c.ctx, c.workflowID, napID, wakeUpAt); putErr != nil {
		return fmt.Errorf("workflow %s: record nap %q: %w", c.workflowID, napID, putErr)
	}
	if leaseErr := c.store.ExtendLease(c.ctx, c.workflowID, wakeUpAt.Add(c.timeoutInterval)); leaseErr != nil {
		return fmt.Errorf("workflow %s: extend lease for nap %q: %w", c.workflowID, napID, leaseErr)
	}

	return c.suspend(d)
}

// suspend blocks cooperatively for d or until the run context is done.
func (c *Context) suspend(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}
