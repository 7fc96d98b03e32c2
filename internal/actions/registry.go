// Package actions provides the name-keyed registry of side-effecting
// action handlers invoked by the workflow runner.
package actions

import (
	"fmt"
	"sync"

	"github.com/leadwave/automations/internal/engine"
)

// Registry maps action type names to handlers. It is populated at
// process start and safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]engine.Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]engine.Handler)}
}

// Register adds a handler under the given action type name.
func (r *Registry) Register(actionType string, h engine.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Resolve returns the handler for an action type name.
func (r *Registry) Resolve(actionType string) (engine.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Names returns all registered action type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// ValidateActionTypes checks every given action type has a registered
// handler: an unknown name is a configuration error surfaced at
// validation time, not a runtime panic.
func (r *Registry) ValidateActionTypes(types []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range types {
		if _, ok := r.handlers[t]; !ok {
			return fmt.Errorf("actions: unknown action type %q", t)
		}
	}
	return nil
}
