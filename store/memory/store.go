// Package memory provides a fully in-memory Store. Safe for concurrent
// access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ferromir/bluestreak"
)

// Ensure Store implements the persistence contract at compile time.
var _ bluestreak.Store = (*Store)(nil)

type instance struct {
	workflowID string
	handlerID  string
	input      []byte
	failures   int
	status     bluestreak.Status
	timeoutAt  time.Time
	result     []byte
}

// Store is an in-memory implementation of bluestreak.Store.
type Store struct {
	mu sync.Mutex

	instances map[string]*instance
	steps     map[string][]byte    // key: workflowID + "\x00" + stepID
	naps      map[string]time.Time // key: workflowID + "\x00" + napID
	schedules map[string]*bluestreak.Schedule
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		instances: make(map[string]*instance),
		steps:     make(map[string][]byte),
		naps:      make(map[string]time.Time),
		schedules: make(map[string]*bluestreak.Schedule),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close(_ context.Context) error { return nil }

func recordKey(workflowID, recordID string) string {
	return workflowID + "\x00" + recordID
}

// InsertInstance creates an idle instance claimable from now.
func (m *Store) InsertInstance(_ context.Context, workflowID, handlerID string, input []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[workflowID]; exists {
		return &bluestreak.AlreadyStartedError{WorkflowID: workflowID}
	}
	m.instances[workflowID] = &instance{
		workflowID: workflowID,
		handlerID:  handlerID,
		input:      input,
		status:     bluestreak.StatusIdle,
		timeoutAt:  now,
	}
	return nil
}

// ClaimDue selects the due candidate with the earliest timeoutAt
// (deterministic under test), marks it running, and leases it.
func (m *Store) ClaimDue(_ context.Context, now, until time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *instance
	for _, inst := range m.instances {
		switch inst.status {
		case bluestreak.StatusIdle, bluestreak.StatusRunning, bluestreak.StatusFailed:
		default:
			continue
		}
		if !inst.timeoutAt.Before(now) {
			continue
		}
		if best == nil || inst.timeoutAt.Before(best.timeoutAt) ||
			(inst.timeoutAt.Equal(best.timeoutAt) && inst.workflowID < best.workflowID) {
			best = inst
		}
	}
	if best == nil {
		return "", nil
	}

	best.status = bluestreak.StatusRunning
	best.timeoutAt = until
	return best.workflowID, nil
}

// FindRunData returns the execution projection of an instance.
func (m *Store) FindRunData(_ context.Context, workflowID string) (*bluestreak.RunData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[workflowID]
	if !ok {
		return nil, &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	input := make([]byte, len(inst.input))
	copy(input, inst.input)
	return &bluestreak.RunData{
		HandlerID: inst.handlerID,
		Input:     input,
		Failures:  inst.failures,
	}, nil
}

// FindStatusAndResult returns the wait projection of an instance.
func (m *Store) FindStatusAndResult(_ context.Context, workflowID string) (*bluestreak.StatusAndResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[workflowID]
	if !ok {
		return nil, &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	var result []byte
	if inst.result != nil {
		result = make([]byte, len(inst.result))
		copy(result, inst.result)
	}
	return &bluestreak.StatusAndResult{Status: inst.status, Result: result}, nil
}

// MarkFinished stores the result and moves the instance to finished.
func (m *Store) MarkFinished(_ context.Context, workflowID string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[workflowID]
	if !ok {
		return &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	inst.status = bluestreak.StatusFinished
	inst.result = result
	return nil
}

// MarkFailure records a failed run.
func (m *Store) MarkFailure(_ context.Context, workflowID string, status bluestreak.Status, timeoutAt time.Time, failures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[workflowID]
	if !ok {
		return &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	inst.status = status
	inst.timeoutAt = timeoutAt
	inst.failures = failures
	return nil
}

// ExtendLease pushes the instance's timeoutAt forward.
func (m *Store) ExtendLease(_ context.Context, workflowID string, timeoutAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[workflowID]
	if !ok {
		return &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	inst.timeoutAt = timeoutAt
	return nil
}

// FindStepOutput returns the recorded output of a step, or nil.
func (m *Store) FindStepOutput(_ context.Context, workflowID, stepID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.steps[recordKey(workflowID, stepID)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PutStepOutput records a step output. Insert-only.
func (m *Store) PutStepOutput(_ context.Context, workflowID, stepID string, output []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(workflowID, stepID)
	if _, exists := m.steps[key]; exists {
		return nil
	}
	stored := make([]byte, len(output))
	copy(stored, output)
	m.steps[key] = stored
	return nil
}

// FindNapWake returns the recorded wake instant of a nap, or nil.
func (m *Store) FindNapWake(_ context.Context, workflowID, napID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wake, ok := m.naps[recordKey(workflowID, napID)]
	if !ok {
		return nil, nil
	}
	w := wake
	return &w, nil
}

// PutNapWake records a nap's wake instant. Insert-only.
func (m *Store) PutNapWake(_ context.Context, workflowID, napID string, wakeUpAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(workflowID, napID)
	if _, exists := m.naps[key]; exists {
		return nil
	}
	m.naps[key] = wakeUpAt
	return nil
}

// ListInstances returns instance projections ordered by timeoutAt.
func (m *Store) ListInstances(_ context.Context, status bluestreak.Status, limit, offset int) ([]*bluestreak.InstanceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]*bluestreak.InstanceInfo, 0, len(m.instances))
	for _, inst := range m.instances {
		if status != "" && inst.status != status {
			continue
		}
		infos = append(infos, &bluestreak.InstanceInfo{
			WorkflowID: inst.workflowID,
			HandlerID:  inst.handlerID,
			Status:     inst.status,
			Failures:   inst.failures,
			TimeoutAt:  inst.timeoutAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].TimeoutAt.Equal(infos[j].TimeoutAt) {
			return infos[i].TimeoutAt.Before(infos[j].TimeoutAt)
		}
		return infos[i].WorkflowID < infos[j].WorkflowID
	})

	if offset > 0 {
		if offset >= len(infos) {
			return nil, nil
		}
		infos = infos[offset:]
	}
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// ResetInstance returns an aborted instance to idle with zero failures.
func (m *Store) ResetInstance(_ context.Context, workflowID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[workflowID]
	if !ok {
		return &bluestreak.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	if inst.status != bluestreak.StatusAborted {
		return bluestreak.ErrNotAborted
	}
	inst.status = bluestreak.StatusIdle
	inst.failures = 0
	inst.timeoutAt = now
	return nil
}

// UpsertSchedule creates or replaces a schedule by name.
func (m *Store) UpsertSchedule(_ context.Context, s *bluestreak.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.schedules[s.Name] = &cp
	return nil
}

// ClaimDueSchedule locks one due schedule until the given instant.
func (m *Store) ClaimDueSchedule(_ context.Context, now, lockUntil time.Time) (*bluestreak.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *bluestreak.Schedule
	for _, s := range m.schedules {
		if s.NextRunAt.After(now) {
			continue
		}
		if s.LockedUntil != nil && s.LockedUntil.After(now) {
			continue
		}
		if best == nil || s.NextRunAt.Before(best.NextRunAt) ||
			(s.NextRunAt.Equal(best.NextRunAt) && s.Name < best.Name) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}

	lu := lockUntil
	best.LockedUntil = &lu
	cp := *best
	return &cp, nil
}

// CompleteSchedule stamps a firing and releases the lock.
func (m *Store) CompleteSchedule(_ context.Context, name string, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[name]
	if !ok {
		return fmt.Errorf("bluestreak/memory: schedule %q not found", name)
	}
	lr := lastRun
	s.LastRunAt = &lr
	s.NextRunAt = nextRun
	s.LockedUntil = nil
	return nil
}
