package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased action handler. It receives the job
// being executed and returns the result payload to persist on success.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, j *Job) ([]byte, error)

// Registry maps action codes to type-erased handler functions. The
// lookup table is built at startup; dispatch is a map lookup, not
// reflection. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Action]HandlerFunc
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Action]HandlerFunc),
	}
}

// Definition is a typed action definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Action is the action code this handler executes.
	Action Action

	// Handler processes the decoded payload for one job and returns
	// the result payload.
	Handler func(ctx context.Context, j *Job, payload T) ([]byte, error)
}

// NewDefinition creates a typed action definition.
func NewDefinition[T any](action Action, handler func(ctx context.Context, j *Job, payload T) ([]byte, error)) *Definition[T] {
	return &Definition[T]{Action: action, Handler: handler}
}

// RegisterDefinition registers a typed action definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, j *Job) ([]byte, error) {
		var t T
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &t); err != nil {
				return nil, fmt.Errorf("unmarshal payload for action %q: %w", def.Action, err)
			}
		}
		return def.Handler(ctx, j, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Action] = handler
}

// Register registers a raw handler for an action code.
func (r *Registry) Register(action Action, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

// Get returns the handler for the given action code.
// Returns false if no handler is registered.
func (r *Registry) Get(action Action) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// Actions returns all registered action codes.
func (r *Registry) Actions() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]Action, 0, len(r.handlers))
	for a := range r.handlers {
		actions = append(actions, a)
	}
	return actions
}
