// Package worker contains the poller: the scheduling loop that claims
// due workflow instances from the store and dispatches them to the
// runner without awaiting them.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferromir/bluestreak"
	"github.com/ferromir/bluestreak/id"
	"github.com/ferromir/bluestreak/workflow"
)

// Poller repeatedly asks the store to claim one ready instance. A
// claimed instance is dispatched fire-and-forget; when nothing is due
// the poller idles for the poll interval. Multiple pollers may run
// against the same store; the atomic claim is the only coordination.
type Poller struct {
	store           bluestreak.Store
	runner          *workflow.Runner
	clock           bluestreak.Clock
	timeoutInterval time.Duration
	pollInterval    time.Duration
	shouldStop      func() bool
	workerID        id.ID
	logger          *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock sets the poller's clock.
func WithClock(c bluestreak.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithTimeoutInterval sets the lease length granted on claim.
func WithTimeoutInterval(d time.Duration) Option {
	return func(p *Poller) { p.timeoutInterval = d }
}

// WithPollInterval sets how long the poller idles when nothing is due.
func WithPollInterval(d time.Duration) Option {
	return func(p *Poller) { p.pollInterval = d }
}

// WithShouldStop sets the stop predicate, checked once per loop
// iteration. Without one the poller runs until its context is
// cancelled or an infrastructure error occurs.
func WithShouldStop(fn func() bool) Option {
	return func(p *Poller) { p.shouldStop = fn }
}

// NewPoller creates a poller.
func NewPoller(store bluestreak.Store, runner *workflow.Runner, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		store:           store,
		runner:          runner,
		clock:           bluestreak.SystemClock(),
		timeoutInterval: 10 * time.Second,
		pollInterval:    5 * time.Second,
		workerID:        id.NewWorkerID(),
		logger:          logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the poller's unique worker identifier.
func (p *Poller) WorkerID() id.ID { return p.workerID }

// Poll runs the claim loop until the stop predicate fires, the context
// is cancelled, or a runner surfaces an infrastructure error. Dispatch
// is fire-and-forget: claims proceed while prior runs are in flight,
// and Poll drains in-flight runs before returning. The first
// infrastructure error wins; handler failures never terminate the loop.
func (p *Poller) Poll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.logger.Info("poller starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Duration("poll_interval", p.pollInterval),
	)

	g.Go(func() error {
		return p.loop(gctx, g)
	})

	err := g.Wait()
	p.logger.Info("poller stopped", slog.String("worker_id", p.workerID.String()))
	return err
}

func (p *Poller) loop(ctx context.Context, g *errgroup.Group) error {
	for {
		if p.shouldStop != nil && p.shouldStop() {
			return nil
		}
		select {
		case <-ctx.Done():
			// A cancelled group means an infrastructure error already won;
			// returning nil keeps that error first.
			return nil
		default:
		}

		now := p.clock.Now()
		workflowID, err := p.store.ClaimDue(ctx, now, now.Add(p.timeoutInterval))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.idle(ctx)
			continue
		}

		if workflowID == "" {
			p.idle(ctx)
			continue
		}

		p.logger.Debug("claimed workflow",
			slog.String("worker_id", p.workerID.String()),
			slog.String("workflow_id", workflowID),
		)

		g.Go(func() error {
			return p.runner.Run(ctx, workflowID)
		})
	}
}

// idle sleeps for the poll interval or until the context is done.
func (p *Poller) idle(ctx context.Context) {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
