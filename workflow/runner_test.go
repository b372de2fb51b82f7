package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ferromir/bluestreak"
	"github.com/ferromir/bluestreak/backoff"
	"github.com/ferromir/bluestreak/middleware"
	"github.com/ferromir/bluestreak/store/memory"
	"github.com/ferromir/bluestreak/workflow"
)

const waitRetryInterval = time.Second

func newTestRunner(t *testing.T, opts ...workflow.RunnerOption) (*workflow.Runner, *workflow.Registry, *memory.Store, *fakeClock) {
	t.Helper()
	s := memory.New()
	reg := workflow.NewRegistry()
	clock := newFakeClock(epoch)
	base := []workflow.RunnerOption{
		workflow.WithClock(clock),
		workflow.WithTimeoutInterval(timeoutInterval),
		workflow.WithRetryDelay(backoff.NewConstant(waitRetryInterval)),
	}
	runner := workflow.NewRunner(s, reg, discardLogger(), append(base, opts...)...)
	return runner, reg, s, clock
}

func mustStart(t *testing.T, s *memory.Store, workflowID, handlerID string, input []byte) {
	t.Helper()
	if err := s.InsertInstance(context.Background(), workflowID, handlerID, input, epoch); err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}
}

func statusOf(t *testing.T, s *memory.Store, workflowID string) *bluestreak.StatusAndResult {
	t.Helper()
	sr, err := s.FindStatusAndResult(context.Background(), workflowID)
	if err != nil {
		t.Fatalf("FindStatusAndResult: %v", err)
	}
	return sr
}

func TestRunnerSuccess(t *testing.T) {
	runner, reg, s, _ := newTestRunner(t)

	workflow.Register(reg, "h", func(_ *workflow.Context, _ map[string]int) (string, error) {
		return "ok", nil
	})
	mustStart(t, s, "w1", "h", []byte(`{"x":1}`))

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sr := statusOf(t, s, "w1")
	if sr.Status != bluestreak.StatusFinished {
		t.Errorf("status = %q, want %q", sr.Status, bluestreak.StatusFinished)
	}
	if string(sr.Result) != `"ok"` {
		t.Errorf("result = %s, want %q", sr.Result, `"ok"`)
	}
}

func TestRunnerHandlerFailure(t *testing.T) {
	runner, reg, s, _ := newTestRunner(t)

	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("intentional failure")
	})
	mustStart(t, s, "w1", "h", nil)

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("Run should recover handler failure, got: %v", err)
	}

	sr := statusOf(t, s, "w1")
	if sr.Status != bluestreak.StatusFailed {
		t.Errorf("status = %q, want %q", sr.Status, bluestreak.StatusFailed)
	}

	data, err := s.FindRunData(context.Background(), "w1")
	if err != nil {
		t.Fatalf("FindRunData: %v", err)
	}
	if data.Failures != 1 {
		t.Errorf("failures = %d, want 1", data.Failures)
	}

	// The instance becomes claimable again after the retry interval.
	infos, err := s.ListInstances(context.Background(), bluestreak.StatusFailed, 0, 0)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("failed instances = %d, want 1", len(infos))
	}
	if want := epoch.Add(waitRetryInterval); !infos[0].TimeoutAt.Equal(want) {
		t.Errorf("timeoutAt = %v, want %v", infos[0].TimeoutAt, want)
	}
}

func TestRunnerRetryThenSucceed(t *testing.T) {
	runner, reg, s, clock := newTestRunner(t)

	attempts := 0
	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient")
		}
		return []byte(`"ok"`), nil
	})
	mustStart(t, s, "w1", "h", nil)

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if sr := statusOf(t, s, "w1"); sr.Status != bluestreak.StatusFailed {
		t.Fatalf("status after first run = %q, want failed", sr.Status)
	}

	// The poller re-claims once the retry instant has passed.
	clock.Advance(waitRetryInterval + time.Millisecond)
	now := clock.Now()
	claimed, err := s.ClaimDue(context.Background(), now, now.Add(timeoutInterval))
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if claimed != "w1" {
		t.Fatalf("claimed = %q, want w1", claimed)
	}

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	sr := statusOf(t, s, "w1")
	if sr.Status != bluestreak.StatusFinished {
		t.Errorf("status = %q, want finished", sr.Status)
	}
	if string(sr.Result) != `"ok"` {
		t.Errorf("result = %s, want %q", sr.Result, `"ok"`)
	}
	data, err := s.FindRunData(context.Background(), "w1")
	if err != nil {
		t.Fatalf("FindRunData: %v", err)
	}
	if data.Failures != 1 {
		t.Errorf("failures = %d, want 1", data.Failures)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRunnerAbortsBeyondMaxFailures(t *testing.T) {
	runner, reg, s, _ := newTestRunner(t, workflow.WithMaxFailures(3))

	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("always fails")
	})
	mustStart(t, s, "w1", "h", nil)
	// The instance already burned three failures.
	if err := s.MarkFailure(context.Background(), "w1", bluestreak.StatusFailed, epoch, 3); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sr := statusOf(t, s, "w1")
	if sr.Status != bluestreak.StatusAborted {
		t.Errorf("status = %q, want aborted", sr.Status)
	}
	data, err := s.FindRunData(context.Background(), "w1")
	if err != nil {
		t.Fatalf("FindRunData: %v", err)
	}
	if data.Failures != 4 {
		t.Errorf("failures = %d, want 4", data.Failures)
	}

	// Aborted instances are dormant: no further claim.
	now := epoch.Add(time.Hour)
	claimed, err := s.ClaimDue(context.Background(), now, now.Add(timeoutInterval))
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if claimed != "" {
		t.Errorf("claimed aborted instance %q", claimed)
	}
}

func TestRunnerUnboundedRetriesNeverAbort(t *testing.T) {
	runner, reg, s, _ := newTestRunner(t) // no max failures

	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("always fails")
	})
	mustStart(t, s, "w1", "h", nil)
	if err := s.MarkFailure(context.Background(), "w1", bluestreak.StatusFailed, epoch, 100); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sr := statusOf(t, s, "w1"); sr.Status != bluestreak.StatusFailed {
		t.Errorf("status = %q, want failed (never aborted)", sr.Status)
	}
}

func TestRunnerMissingHandlerIsFatal(t *testing.T) {
	runner, _, s, _ := newTestRunner(t)

	mustStart(t, s, "w1", "missing", nil)

	err := runner.Run(context.Background(), "w1")
	var hnf *bluestreak.HandlerNotFoundError
	if !errors.As(err, &hnf) {
		t.Fatalf("err = %v, want *HandlerNotFoundError", err)
	}
	if hnf.HandlerID != "missing" {
		t.Errorf("HandlerID = %q, want %q", hnf.HandlerID, "missing")
	}
}

func TestRunnerMissingInstanceIsFatal(t *testing.T) {
	runner, _, _, _ := newTestRunner(t)

	err := runner.Run(context.Background(), "ghost")
	var wnf *bluestreak.WorkflowNotFoundError
	if !errors.As(err, &wnf) {
		t.Fatalf("err = %v, want *WorkflowNotFoundError", err)
	}
	if wnf.WorkflowID != "ghost" {
		t.Errorf("WorkflowID = %q, want %q", wnf.WorkflowID, "ghost")
	}
}

func TestRunnerErrorCallback(t *testing.T) {
	var gotID string
	var gotErr error
	cb := func(workflowID string, err error) {
		gotID = workflowID
		gotErr = err
	}
	runner, reg, s, _ := newTestRunner(t, workflow.WithErrorCallback(cb))

	handlerErr := errors.New("handler exploded")
	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return nil, handlerErr
	})
	mustStart(t, s, "w1", "h", nil)

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotID != "w1" {
		t.Errorf("callback workflow id = %q, want w1", gotID)
	}
	if !errors.Is(gotErr, handlerErr) {
		t.Errorf("callback err = %v, want %v", gotErr, handlerErr)
	}
}

func TestRunnerErrorCallbackPanicSwallowed(t *testing.T) {
	cb := func(string, error) { panic("callback bug") }
	runner, reg, s, _ := newTestRunner(t, workflow.WithErrorCallback(cb))

	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("failure")
	})
	mustStart(t, s, "w1", "h", nil)

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sr := statusOf(t, s, "w1"); sr.Status != bluestreak.StatusFailed {
		t.Errorf("status = %q, want failed", sr.Status)
	}
}

func TestRunnerRecoverMiddlewareTurnsPanicIntoFailure(t *testing.T) {
	runner, reg, s, _ := newTestRunner(t,
		workflow.WithMiddleware(middleware.Recover(discardLogger())),
	)

	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		panic("handler bug")
	})
	mustStart(t, s, "w1", "h", nil)

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sr := statusOf(t, s, "w1"); sr.Status != bluestreak.StatusFailed {
		t.Errorf("status = %q, want failed", sr.Status)
	}
}

func TestRunnerStepReplayAcrossRetries(t *testing.T) {
	runner, reg, s, clock := newTestRunner(t)

	step1Calls, step2Calls, attempts := 0, 0, 0
	reg.Register("h", func(c *workflow.Context, _ []byte) ([]byte, error) {
		attempts++
		if _, err := workflow.Step(c, "step-1", func(_ context.Context) (string, error) {
			step1Calls++
			return "one", nil
		}); err != nil {
			return nil, err
		}
		if attempts == 1 {
			return nil, errors.New("crash between steps")
		}
		out, err := workflow.Step(c, "step-2", func(_ context.Context) (string, error) {
			step2Calls++
			return "two", nil
		})
		if err != nil {
			return nil, err
		}
		return []byte(`"` + out + `"`), nil
	})
	mustStart(t, s, "w1", "h", nil)

	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	clock.Advance(waitRetryInterval + time.Millisecond)
	if err := runner.Run(context.Background(), "w1"); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if step1Calls != 1 {
		t.Errorf("step-1 executions = %d, want 1 (replayed from record)", step1Calls)
	}
	if step2Calls != 1 {
		t.Errorf("step-2 executions = %d, want 1", step2Calls)
	}
	sr := statusOf(t, s, "w1")
	if sr.Status != bluestreak.StatusFinished {
		t.Errorf("status = %q, want finished", sr.Status)
	}
	if string(sr.Result) != `"two"` {
		t.Errorf("result = %s, want %q", sr.Result, `"two"`)
	}
}
