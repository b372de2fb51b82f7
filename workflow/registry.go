package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Handler is a type-erased workflow handler: it receives the run's
// Context and the instance's raw JSON input, and returns the raw JSON
// result. The typed form is wrapped into this at registration time.
type Handler func(c *Context, input []byte) ([]byte, error)

// Registry maps handler ids to handlers. Registration happens before
// polling begins; lookups are safe against concurrent dispatches.
// There is no removal.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register inserts a handler under the given id, replacing any
// previous registration.
func (r *Registry) Register(handlerID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerID] = h
}

// Get returns the handler for the given id. Returns false if none is
// registered.
func (r *Registry) Get(handlerID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerID]
	return h, ok
}

// Names returns all registered handler ids.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Register wraps a typed handler in a closure that JSON-unmarshals the
// input into T and marshals the result from R, then registers it.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T, R any](r *Registry, handlerID string, fn func(c *Context, input T) (R, error)) {
	h := func(c *Context, input []byte) ([]byte, error) {
		var t T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t); err != nil {
				return nil, fmt.Errorf("unmarshal input for handler %q: %w", handlerID, err)
			}
		}
		result, err := fn(c, t)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result for handler %q: %w", handlerID, err)
		}
		return data, nil
	}
	r.Register(handlerID, h)
}
