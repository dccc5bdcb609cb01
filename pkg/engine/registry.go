package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps resource type names to handlers.
// Registration is only allowed until the registry is frozen; the converger freezes it
// before the first node runs, after which lookups take no lock.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	frozen   atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a resource type.
func (r *Registry) Register(typeName string, handler Handler) error {
	if typeName == "" {
		return NewPermanentError("resource type name is empty", nil).WithCode(ErrCodeValidation)
	}
	if handler == nil {
		return NewPermanentError(fmt.Sprintf("handler for %q is nil", typeName), nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return NewPermanentError(
			fmt.Sprintf("cannot register %q: registry is frozen", typeName),
			nil,
		).WithCode(ErrCodeRegistryFrozen)
	}

	if _, exists := r.handlers[typeName]; exists {
		return NewConflictError(
			fmt.Sprintf("resource type %q is already registered", typeName),
			nil,
		).WithCode(ErrCodeValidation)
	}

	r.handlers[typeName] = handler
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(typeName string, handler Handler) {
	if err := r.Register(typeName, handler); err != nil {
		panic(err)
	}
}

// Lookup resolves a resource type to its handler.
// A miss returns an undefined type error carrying the type name.
func (r *Registry) Lookup(typeName string) (Handler, error) {
	var (
		h  Handler
		ok bool
	)
	if r.frozen.Load() {
		h, ok = r.handlers[typeName]
	} else {
		r.mu.Lock()
		h, ok = r.handlers[typeName]
		r.mu.Unlock()
	}
	if !ok {
		return nil, NewUndefinedTypeError(typeName)
	}
	return h, nil
}

// Freeze prevents further registration. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
