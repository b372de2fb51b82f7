package workflow_test

import (
	"testing"

	"github.com/ferromir/bluestreak/workflow"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := workflow.NewRegistry()

	reg.Register("h1", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return []byte(`1`), nil
	})

	h, ok := reg.Get("h1")
	if !ok {
		t.Fatal("handler not found after Register")
	}
	out, err := h(nil, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(out) != `1` {
		t.Errorf("output = %s, want 1", out)
	}

	if _, ok := reg.Get("absent"); ok {
		t.Error("Get returned true for unregistered id")
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := workflow.NewRegistry()

	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return []byte(`"old"`), nil
	})
	reg.Register("h", func(_ *workflow.Context, _ []byte) ([]byte, error) {
		return []byte(`"new"`), nil
	})

	h, _ := reg.Get("h")
	out, _ := h(nil, nil)
	if string(out) != `"new"` {
		t.Errorf("output = %s, want the replacement handler's", out)
	}
}

func TestRegistryNames(t *testing.T) {
	reg := workflow.NewRegistry()
	reg.Register("a", nil)
	reg.Register("b", nil)

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries", names)
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("names = %v, want a and b", names)
	}
}

func TestRegisterTypedWrapsJSON(t *testing.T) {
	reg := workflow.NewRegistry()

	type in struct {
		N int `json:"n"`
	}
	type out struct {
		Doubled int `json:"doubled"`
	}

	workflow.Register(reg, "double", func(_ *workflow.Context, input in) (out, error) {
		return out{Doubled: input.N * 2}, nil
	})

	h, ok := reg.Get("double")
	if !ok {
		t.Fatal("typed handler not registered")
	}
	result, err := h(nil, []byte(`{"n":21}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(result) != `{"doubled":42}` {
		t.Errorf("result = %s, want {\"doubled\":42}", result)
	}
}

func TestRegisterTypedEmptyInput(t *testing.T) {
	reg := workflow.NewRegistry()

	workflow.Register(reg, "h", func(_ *workflow.Context, input struct{}) (string, error) {
		return "ran", nil
	})

	h, _ := reg.Get("h")
	result, err := h(nil, nil)
	if err != nil {
		t.Fatalf("handler with empty input: %v", err)
	}
	if string(result) != `"ran"` {
		t.Errorf("result = %s, want %q", result, `"ran"`)
	}
}

func TestRegisterTypedBadInput(t *testing.T) {
	reg := workflow.NewRegistry()

	workflow.Register(reg, "h", func(_ *workflow.Context, input int) (int, error) {
		return input, nil
	})

	h, _ := reg.Get("h")
	if _, err := h(nil, []byte(`"not a number"`)); err == nil {
		t.Error("expected unmarshal error for mistyped input")
	}
}
