package state

import (
	"sort"
	"sync"
)

// Store holds the mutable state of a single run. All merges go through the
// field reducers and the result is validated before it becomes visible, so
// readers never observe a state that violates the declared schema.
// Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	state     State
	registry  *Registry
	validator *Validator
}

// NewStore seeds a Store with the initial state and validates it.
func NewStore(initial State, registry *Registry, validator *Validator) (*Store, error) {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	st := deepCopyMap(initial)
	if st == nil {
		st = State{}
	}
	if err := validator.Validate(st); err != nil {
		return nil, err
	}
	return &Store{state: st, registry: registry, validator: validator}, nil
}

// Apply merges a partial update into the state, one field at a time through
// that field's reducer, validates the result, and returns a snapshot of the
// post-merge state. The state is unchanged when the merge or validation
// fails. Fields are merged in sorted key order so errors are deterministic.
func (s *Store) Apply(delta map[string]any) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(delta) == 0 {
		return deepCopyMap(s.state), nil
	}

	next := deepCopyMap(s.state)
	for _, field := range sortedKeys(delta) {
		merged, err := s.registry.Merge(field, next[field], deepCopyValue(delta[field]))
		if err != nil {
			return nil, err
		}
		next[field] = merged
	}

	if err := s.validator.Validate(next); err != nil {
		return nil, err
	}

	s.state = next
	return deepCopyMap(next), nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyMap(s.state)
}

// Restore replaces the state wholesale, as when resuming from a checkpoint.
// The replacement is validated first.
func (s *Store) Restore(st State) error {
	next := deepCopyMap(st)
	if next == nil {
		next = State{}
	}
	if err := s.validator.Validate(next); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
