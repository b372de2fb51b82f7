package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ferromir/bluestreak"
	"github.com/ferromir/bluestreak/engine"
	"github.com/ferromir/bluestreak/store/memory"
	"github.com/ferromir/bluestreak/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stopWhenTerminal returns a poll stop predicate that fires once the
// given instance is terminal (or gone).
func stopWhenTerminal(s *memory.Store, workflowID string) func() bool {
	return func() bool {
		sr, err := s.FindStatusAndResult(context.Background(), workflowID)
		if err != nil {
			return true
		}
		return sr.Status == bluestreak.StatusFinished || sr.Status == bluestreak.StatusAborted
	}
}

// newTestEngine builds an engine over a memory store with intervals
// scaled down for tests; polling stops once stopWID is terminal.
func newTestEngine(t *testing.T, stopWID string, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	base := []engine.Option{
		engine.WithStore(s),
		engine.WithLogger(discardLogger()),
		engine.WithTimeoutInterval(200 * time.Millisecond),
		engine.WithPollInterval(5 * time.Millisecond),
		engine.WithWaitRetryInterval(5 * time.Millisecond),
		engine.WithShouldStop(stopWhenTerminal(s, stopWID)),
	}
	e, err := engine.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, s
}

// pollAndWait runs Poll to completion under a safety deadline.
func pollAndWait(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

func TestStartPollWait(t *testing.T) {
	e, _ := newTestEngine(t, "w1")

	type input struct {
		X int `json:"x"`
	}
	engine.Register(e, "greet", func(_ *workflow.Context, in input) (string, error) {
		if in.X != 1 {
			return "", errors.New("unexpected input")
		}
		return "ok", nil
	})

	if err := e.Start(context.Background(), "w1", "greet", input{X: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pollAndWait(t, e)

	var result string
	if err := e.Wait(context.Background(), "w1", 5, time.Millisecond, &result); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want %q", result, "ok")
	}
}

func TestStartDuplicate(t *testing.T) {
	e, _ := newTestEngine(t, "w1")

	if err := e.Start(context.Background(), "w1", "h", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := e.Start(context.Background(), "w1", "h", nil)
	var dup *bluestreak.AlreadyStartedError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want *AlreadyStartedError", err)
	}
	if dup.WorkflowID != "w1" {
		t.Errorf("WorkflowID = %q, want w1", dup.WorkflowID)
	}
}

func TestWaitMissingWorkflow(t *testing.T) {
	e, _ := newTestEngine(t, "w1")

	err := e.Wait(context.Background(), "ghost", 3, time.Millisecond, nil)
	var nf *bluestreak.WorkflowNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *WorkflowNotFoundError", err)
	}
}

func TestWaitTimesOut(t *testing.T) {
	e, _ := newTestEngine(t, "w1")

	// The instance exists but nothing ever runs it.
	if err := e.Start(context.Background(), "w1", "h", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := e.Wait(context.Background(), "w1", 3, time.Millisecond, nil)
	var to *bluestreak.WaitTimeoutError
	if !errors.As(err, &to) {
		t.Fatalf("err = %v, want *WaitTimeoutError", err)
	}
	if to.WorkflowID != "w1" {
		t.Errorf("WorkflowID = %q, want w1", to.WorkflowID)
	}
}

func TestAbortedLifecycle(t *testing.T) {
	e, s := newTestEngine(t, "w1", engine.WithMaxFailures(2))

	attempts := 0
	e.RegisterHandler("explode", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		attempts++
		return nil, errors.New("always fails")
	})

	if err := e.Start(context.Background(), "w1", "explode", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pollAndWait(t, e)

	// maxFailures=2: runs fail at counts 1 and 2, the third exceeds the
	// budget and aborts with failures=3.
	err := e.Wait(context.Background(), "w1", 5, time.Millisecond, nil)
	var aborted *bluestreak.AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("Wait err = %v, want *AbortedError", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	infos, err := e.ListAborted(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ListAborted: %v", err)
	}
	if len(infos) != 1 || infos[0].WorkflowID != "w1" {
		t.Fatalf("aborted = %+v, want just w1", infos)
	}
	if infos[0].Failures != 3 {
		t.Errorf("failures = %d, want 3", infos[0].Failures)
	}

	// Operator restart: back to idle, failures zeroed.
	if err := e.Restart(context.Background(), "w1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	idle, err := s.ListInstances(context.Background(), bluestreak.StatusIdle, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 || idle[0].Failures != 0 {
		t.Errorf("after restart = %+v, want idle with 0 failures", idle)
	}

	// A second restart finds it not aborted.
	if err := e.Restart(context.Background(), "w1"); !errors.Is(err, bluestreak.ErrNotAborted) {
		t.Errorf("second Restart err = %v, want ErrNotAborted", err)
	}
	var nf *bluestreak.WorkflowNotFoundError
	if err := e.Restart(context.Background(), "ghost"); !errors.As(err, &nf) {
		t.Errorf("Restart(ghost) err = %v, want *WorkflowNotFoundError", err)
	}
}

func TestErrorCallbackObservesFailures(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	e, _ := newTestEngine(t, "w1",
		engine.WithMaxFailures(1),
		engine.WithErrorCallback(func(workflowID string, _ error) {
			mu.Lock()
			seen = append(seen, workflowID)
			mu.Unlock()
		}),
	)

	e.RegisterHandler("explode", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	if err := e.Start(context.Background(), "w1", "explode", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pollAndWait(t, e)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("error callback never invoked")
	}
	for _, wid := range seen {
		if wid != "w1" {
			t.Errorf("callback saw %q, want w1", wid)
		}
	}
}

func TestDurableSleep(t *testing.T) {
	e, s := newTestEngine(t, "w1")

	engine.Register(e, "nap", func(c *workflow.Context, _ struct{}) (string, error) {
		if err := c.Sleep("n1", 20*time.Millisecond); err != nil {
			return "", err
		}
		return "rested", nil
	})

	if err := e.Start(context.Background(), "w1", "nap", struct{}{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pollAndWait(t, e)

	var result string
	if err := e.Wait(context.Background(), "w1", 5, time.Millisecond, &result); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result != "rested" {
		t.Errorf("result = %q, want %q", result, "rested")
	}

	// The wake instant is recorded: a replay would not sleep again.
	wake, err := s.FindNapWake(context.Background(), "w1", "n1")
	if err != nil {
		t.Fatalf("FindNapWake: %v", err)
	}
	if wake == nil {
		t.Error("no nap record persisted")
	}
}

func TestStepsRecordAcrossPollRetries(t *testing.T) {
	e, s := newTestEngine(t, "w1")

	var mu sync.Mutex
	chargeCalls, attempts := 0, 0
	engine.Register(e, "pay", func(c *workflow.Context, _ struct{}) (string, error) {
		mu.Lock()
		attempts++
		attempt := attempts
		mu.Unlock()

		receipt, err := workflow.Step(c, "charge", func(_ context.Context) (string, error) {
			mu.Lock()
			chargeCalls++
			mu.Unlock()
			return "r_1", nil
		})
		if err != nil {
			return "", err
		}
		if attempt == 1 {
			return "", errors.New("crash after charge")
		}
		return receipt, nil
	})

	if err := e.Start(context.Background(), "w1", "pay", struct{}{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pollAndWait(t, e)

	var result string
	if err := e.Wait(context.Background(), "w1", 5, time.Millisecond, &result); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result != "r_1" {
		t.Errorf("result = %q, want the recorded receipt", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if chargeCalls != 1 {
		t.Errorf("charge executed %d times, want 1 (replayed from record)", chargeCalls)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}

	data, err := s.FindStepOutput(context.Background(), "w1", "charge")
	if err != nil {
		t.Fatalf("FindStepOutput: %v", err)
	}
	if string(data) != `"r_1"` {
		t.Errorf("recorded output = %s, want %q", data, `"r_1"`)
	}
}
