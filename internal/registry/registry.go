// internal/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

var (
	// ErrUnknownCapability is returned when no handler serves an intent.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrDuplicateCapability is returned when an intent that was not declared
	// multi-bindable is bound a second time.
	ErrDuplicateCapability = errors.New("duplicate capability")
	// ErrFrozen is returned for registrations after Freeze.
	ErrFrozen = errors.New("registry is frozen")
)

// Registry maps intents to handlers and owns the hard capability grant
// table used by the UEBA scorer's least-privilege override. It is populated
// once at startup, frozen, and read concurrently afterwards.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	frozen    bool
	bindings  map[schemas.Intent][]schemas.Handler
	multiBind map[schemas.Intent]bool
	grants    map[string]map[string]struct{} // handlerID -> tool set
}

// Option configures a registration.
type Option func(*registration)

type registration struct {
	multiBind bool
	tools     []string
}

// MultiBindable marks every intent of this handler as fan-out capable:
// later handlers may bind the same intent and resolution returns all of
// them in registration order.
func MultiBindable() Option {
	return func(r *registration) { r.multiBind = true }
}

// WithGrantedTools records the hard allow-list of tools this handler may
// invoke. The grant is fixed at registration and independent of the learned
// baseline.
func WithGrantedTools(tools ...string) Option {
	return func(r *registration) { r.tools = append(r.tools, tools...) }
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		bindings:  make(map[schemas.Intent][]schemas.Handler),
		multiBind: make(map[schemas.Intent]bool),
		grants:    make(map[string]map[string]struct{}),
	}
}

// Register binds every intent the handler declares.
func (r *Registry) Register(h schemas.Handler, opts ...Option) error {
	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("cannot register %q: %w", h.ID(), ErrFrozen)
	}

	for _, intent := range h.Intents() {
		existing := r.bindings[intent]
		if len(existing) > 0 && !(r.multiBind[intent] && reg.multiBind) {
			return fmt.Errorf("intent %q already bound to %q: %w", intent, existing[0].ID(), ErrDuplicateCapability)
		}
		r.bindings[intent] = append(r.bindings[intent], h)
		if reg.multiBind {
			r.multiBind[intent] = true
		}
	}

	if len(reg.tools) > 0 {
		set, ok := r.grants[h.ID()]
		if !ok {
			set = make(map[string]struct{})
			r.grants[h.ID()] = set
		}
		for _, tool := range reg.tools {
			set[tool] = struct{}{}
		}
	}

	r.logger.Info("Handler registered",
		zap.String("handler_id", h.ID()),
		zap.Int("intents", len(h.Intents())),
		zap.Int("granted_tools", len(reg.tools)))
	return nil
}

// Freeze makes the registry immutable. Further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the handlers bound to intent in registration order.
func (r *Registry) Resolve(intent schemas.Intent) ([]schemas.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers, ok := r.bindings[intent]
	if !ok || len(handlers) == 0 {
		return nil, fmt.Errorf("intent %q: %w", intent, ErrUnknownCapability)
	}
	out := make([]schemas.Handler, len(handlers))
	copy(out, handlers)
	return out, nil
}

// ToolGranted reports whether the handler was granted the tool at
// registration. hasGrants is false when no grant table exists for the
// handler, in which case the caller cannot apply least-privilege checks.
func (r *Registry) ToolGranted(handlerID, tool string) (granted, hasGrants bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.grants[handlerID]
	if !ok {
		return false, false
	}
	_, granted = set[tool]
	return granted, true
}

// GrantedTools returns the sorted grant list for a handler, for reporting.
func (r *Registry) GrantedTools(handlerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.grants[handlerID]
	if !ok {
		return nil
	}
	tools := make([]string, 0, len(set))
	for tool := range set {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}
