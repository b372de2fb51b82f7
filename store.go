package bluestreak

import (
	"context"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	// StatusIdle means the instance has been created and never claimed.
	StatusIdle Status = "idle"
	// StatusRunning means a worker holds (or held) a lease on the instance.
	StatusRunning Status = "running"
	// StatusFailed means the last run failed and the instance is waiting
	// out its retry delay.
	StatusFailed Status = "failed"
	// StatusAborted means the failure budget was exceeded. Terminal for
	// the poller; an operator may restart.
	StatusAborted Status = "aborted"
	// StatusFinished means the handler returned a result. Terminal.
	StatusFinished Status = "finished"
)

// RunData is the projection of an instance a runner needs to execute it.
type RunData struct {
	HandlerID string
	Input     []byte
	Failures  int
}

// StatusAndResult is the projection Wait probes.
type StatusAndResult struct {
	Status Status
	Result []byte
}

// InstanceInfo is the operator-facing projection of an instance.
type InstanceInfo struct {
	WorkflowID string
	HandlerID  string
	Status     Status
	Failures   int
	TimeoutAt  time.Time
}

// Schedule is a persisted cron entry that starts workflow instances.
type Schedule struct {
	// Name uniquely identifies the schedule.
	Name string
	// Expr is a cron expression (5-field or @every descriptor).
	Expr string
	// HandlerID names the handler each fired instance runs.
	HandlerID string
	// Input is the raw input every fired instance receives.
	Input []byte
	// NextRunAt is the next firing instant.
	NextRunAt time.Time
	// LastRunAt is the most recent firing, if any.
	LastRunAt *time.Time
	// LockedUntil guards a firing in progress against double delivery.
	LockedUntil *time.Time
}

// Store is the persistence contract for the engine. One backend
// implements the instance, step, nap, and schedule collections.
//
// Opaque payloads (input, output, result) travel as raw JSON. A nil
// slice from a Find means "no record"; recorded values are never nil
// because JSON encoding produces at least "null".
type Store interface {
	// Migrate creates the collections' indexes.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close(ctx context.Context) error

	// InsertInstance creates an idle instance claimable from now.
	// Returns *AlreadyStartedError if the workflow id exists.
	InsertInstance(ctx context.Context, workflowID, handlerID string, input []byte, now time.Time) error

	// ClaimDue atomically selects one instance with status in
	// {idle, running, failed} and timeoutAt before now, marks it running
	// with a lease until the given instant, and returns its workflow id.
	// Returns "" when no instance is due.
	ClaimDue(ctx context.Context, now, until time.Time) (string, error)

	// FindRunData returns the execution projection of an instance.
	// Returns *WorkflowNotFoundError if absent.
	FindRunData(ctx context.Context, workflowID string) (*RunData, error)

	// FindStatusAndResult returns the wait projection of an instance.
	// Returns *WorkflowNotFoundError if absent.
	FindStatusAndResult(ctx context.Context, workflowID string) (*StatusAndResult, error)

	// MarkFinished stores the result and moves the instance to finished.
	MarkFinished(ctx context.Context, workflowID string, result []byte) error

	// MarkFailure records a failed run. Status must be failed or aborted.
	MarkFailure(ctx context.Context, workflowID string, status Status, timeoutAt time.Time, failures int) error

	// ExtendLease pushes the instance's timeoutAt forward.
	ExtendLease(ctx context.Context, workflowID string, timeoutAt time.Time) error

	// FindStepOutput returns the recorded output of a step, or nil if the
	// step has never completed.
	FindStepOutput(ctx context.Context, workflowID, stepID string) ([]byte, error)

	// PutStepOutput records a step output. Insert-only: if a record
	// already exists it is left untouched.
	PutStepOutput(ctx context.Context, workflowID, stepID string, output []byte) error

	// FindNapWake returns the recorded wake instant of a nap, or nil if
	// the nap has never been entered.
	FindNapWake(ctx context.Context, workflowID, napID string) (*time.Time, error)

	// PutNapWake records a nap's wake instant. Insert-only.
	PutNapWake(ctx context.Context, workflowID, napID string, wakeUpAt time.Time) error

	// ListInstances returns instance projections, optionally filtered by
	// status (empty means all), ordered by timeoutAt.
	ListInstances(ctx context.Context, status Status, limit, offset int) ([]*InstanceInfo, error)

	// ResetInstance returns an aborted instance to idle with zero
	// failures, claimable from now. Returns *WorkflowNotFoundError if the
	// instance is absent and ErrNotAborted if it is in any other status.
	ResetInstance(ctx context.Context, workflowID string, now time.Time) error

	// UpsertSchedule creates or replaces a schedule by name.
	UpsertSchedule(ctx context.Context, s *Schedule) error

	// ClaimDueSchedule atomically locks one schedule whose NextRunAt is
	// at or before now and whose lock has lapsed, until the given instant.
	// Returns nil when no schedule is due.
	ClaimDueSchedule(ctx context.Context, now, lockUntil time.Time) (*Schedule, error)

	// CompleteSchedule stamps a firing and releases the lock.
	CompleteSchedule(ctx context.Context, name string, lastRun, nextRun time.Time) error
}
