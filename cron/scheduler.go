// Package cron starts workflow instances on persisted schedules. Each
// schedule carries a cron expression, a handler id, and an input; on
// every firing the scheduler starts a fresh instance whose id encodes
// the schedule name and the firing instant, so a double fire collides
// into an already-started error and is dropped.
//
// There is no leader: concurrent schedulers coordinate only through the
// store's atomic per-entry claim, the same discipline workers use for
// instances.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ferromir/bluestreak"
	"github.com/ferromir/bluestreak/id"
)

// StartFunc is the callback the scheduler uses to start workflow
// instances. The engine provides the implementation; the indirection
// keeps this package below the façade.
type StartFunc func(ctx context.Context, workflowID, handlerID string, input []byte) error

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-entry claims. A crashed scheduler's
// claim lapses after this long and another scheduler fires the entry.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithClock sets the scheduler's clock.
func WithClock(c bluestreak.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// Scheduler fires due schedules on a tick loop.
type Scheduler struct {
	store       bluestreak.Store
	start       StartFunc
	clock       bluestreak.Clock
	schedulerID id.ID
	logger      *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration

	// parsed caches parsed cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(store bluestreak.Store, start StartFunc, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		start:        start,
		clock:        bluestreak.SystemClock(),
		schedulerID:  id.NewSchedulerID(),
		logger:       logger,
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates the expression and persists the schedule with its
// first firing instant. Re-registering a name replaces the entry.
func (s *Scheduler) Register(ctx context.Context, name, expr, handlerID string, input []byte) error {
	sched, err := s.getOrParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("bluestreak/cron: parse schedule %q: %w", name, err)
	}
	return s.store.UpsertSchedule(ctx, &bluestreak.Schedule{
		Name:      name,
		Expr:      expr,
		HandlerID: handlerID,
		Input:     input,
		NextRunAt: sched.Next(s.clock.Now()),
	})
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("cron scheduler started",
		slog.String("scheduler_id", s.schedulerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick goroutine.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick claims and fires due entries until none remain.
func (s *Scheduler) tick() {
	ctx := context.Background()

	for {
		now := s.clock.Now()
		entry, err := s.store.ClaimDueSchedule(ctx, now, now.Add(s.lockTTL))
		if err != nil {
			s.logger.Error("claim schedule error", slog.String("error", err.Error()))
			return
		}
		if entry == nil {
			return
		}
		s.fire(ctx, entry, now)
	}
}

// fire starts the instance for one claimed entry and advances its
// schedule. On a start failure the lock is left to lapse so the entry
// retries.
func (s *Scheduler) fire(ctx context.Context, entry *bluestreak.Schedule, now time.Time) {
	workflowID := fmt.Sprintf("%s@%d", entry.Name, entry.NextRunAt.UnixMilli())

	err := s.start(ctx, workflowID, entry.HandlerID, entry.Input)
	if err != nil {
		var started *bluestreak.AlreadyStartedError
		if !errors.As(err, &started) {
			s.logger.Error("schedule start error",
				slog.String("schedule", entry.Name),
				slog.String("workflow_id", workflowID),
				slog.String("error", err.Error()),
			)
			return
		}
		// Another scheduler fired this instant first; advance anyway.
	}

	sched, parseErr := s.getOrParseSchedule(entry.Expr)
	if parseErr != nil {
		s.logger.Error("parse schedule error",
			slog.String("schedule", entry.Name),
			slog.String("expr", entry.Expr),
			slog.String("error", parseErr.Error()),
		)
		return
	}

	if err := s.store.CompleteSchedule(ctx, entry.Name, now, sched.Next(now)); err != nil {
		s.logger.Error("complete schedule error",
			slog.String("schedule", entry.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("schedule fired",
		slog.String("schedule", entry.Name),
		slog.String("workflow_id", workflowID),
		slog.String("handler_id", entry.HandlerID),
	)
}

// getOrParseSchedule caches parsed cron expressions.
func (s *Scheduler) getOrParseSchedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
