package capability

import (
	"sort"
	"sync"

	"github.com/floworc/floworc/pkg/schema"
)

// Registry is the thread-safe lookup table for injected capabilities.
// The engine resolves agents, fleets, and validators by name at node
// execution time, so registration can happen any time before a run starts.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]Agent
	fleets     map[string]Fleet
	validators map[string]Validator
	notifier   ApprovalNotifier
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:     make(map[string]Agent),
		fleets:     make(map[string]Fleet),
		validators: make(map[string]Validator),
	}
}

// RegisterAgent adds an agent. Returns error on duplicate name.
func (r *Registry) RegisterAgent(a Agent) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeConfig, "agent is nil")
	}
	name := a.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeConfig, "agent name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", name)
	}
	r.agents[name] = a
	return nil
}

// RegisterFleet adds a fleet. Returns error on duplicate name.
func (r *Registry) RegisterFleet(f Fleet) error {
	if f == nil {
		return schema.NewError(schema.ErrCodeConfig, "fleet is nil")
	}
	name := f.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeConfig, "fleet name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fleets[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "fleet %q already registered", name)
	}
	r.fleets[name] = f
	return nil
}

// RegisterValidator adds a named validator. Returns error on duplicate name.
func (r *Registry) RegisterValidator(v Validator) error {
	if v == nil {
		return schema.NewError(schema.ErrCodeConfig, "validator is nil")
	}
	name := v.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeConfig, "validator name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "validator %q already registered", name)
	}
	r.validators[name] = v
	return nil
}

// SetNotifier installs the approval notifier. A nil notifier is allowed;
// approval nodes then wait silently for external decisions.
func (r *Registry) SetNotifier(n ApprovalNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Agent retrieves an agent by name.
func (r *Registry) Agent(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", name)
	}
	return a, nil
}

// Fleet retrieves a fleet by name.
func (r *Registry) Fleet(name string) (Fleet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.fleets[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "fleet %q not registered", name)
	}
	return f, nil
}

// Validator retrieves a named validator.
func (r *Registry) Validator(name string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "validator %q not registered", name)
	}
	return v, nil
}

// Notifier returns the installed approval notifier, or nil.
func (r *Registry) Notifier() ApprovalNotifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifier
}

// AgentNames returns the registered agent names, sorted.
func (r *Registry) AgentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
