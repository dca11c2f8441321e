package expressions

import (
	"strings"

	"github.com/floworc/floworc/pkg/schema"
)

// Scope holds the data a condition or interpolation can see: the current
// run state, outputs of completed nodes, the payload of the event that
// resumed the run, and the approval decision when routing out of a gate.
type Scope struct {
	State    map[string]any
	Outputs  map[string]map[string]any // node ID -> output
	Event    map[string]any
	Decision schema.Decision
}

// NewScope builds a scope over a state snapshot.
func NewScope(state map[string]any) *Scope {
	return &Scope{State: state}
}

// WithOutput returns a copy of the scope with a node's output registered.
// The receiver is not modified.
func (s *Scope) WithOutput(nodeID string, output map[string]any) *Scope {
	out := *s
	outputs := make(map[string]map[string]any, len(s.Outputs)+1)
	for id, o := range s.Outputs {
		outputs[id] = o
	}
	outputs[nodeID] = output
	out.Outputs = outputs
	return &out
}

// WithEvent returns a copy of the scope carrying a resume event payload.
func (s *Scope) WithEvent(event map[string]any) *Scope {
	out := *s
	out.Event = event
	return &out
}

// WithDecision returns a copy of the scope carrying an approval decision.
func (s *Scope) WithDecision(d schema.Decision) *Scope {
	out := *s
	out.Decision = d
	return &out
}

// Env builds the expression environment. State fields are exposed as
// top-level variables so conditions read as `score >= 0.8`. Reserved roots
// come last and shadow state fields of the same name:
//   - state:    the full state map
//   - node:     completed node outputs keyed by node ID
//   - event:    the resume event payload
//   - decision: the approval decision keyword
//   - approved / rejected / timeout: decision booleans for gate edges
func (s *Scope) Env() map[string]any {
	env := make(map[string]any, len(s.State)+8)
	for k, v := range s.State {
		env[k] = v
	}

	env["state"] = nonNilMap(s.State)
	env["node"] = s.outputsAsAny()
	env["event"] = nonNilMap(s.Event)

	if s.Decision != "" && s.Decision != schema.DecisionPending {
		env["decision"] = string(s.Decision)
		env["approved"] = s.Decision == schema.DecisionApproved
		env["rejected"] = s.Decision == schema.DecisionRejected
		env["timeout"] = s.Decision == schema.DecisionTimedOut
	}

	return env
}

// ValidatorData builds the data map for CEL and jq validators. The output
// under validation sits alongside the usual roots.
func (s *Scope) ValidatorData(output map[string]any) map[string]any {
	return map[string]any{
		"state":  nonNilMap(s.State),
		"node":   s.outputsAsAny(),
		"event":  nonNilMap(s.Event),
		"output": nonNilMap(output),
	}
}

// Resolve looks up a dot-delimited path. The first segment selects the
// root: `event` and `state` are reserved, a completed node ID followed by
// `output` reads that node's output, and anything else is a state path.
func (s *Scope) Resolve(path string) (any, error) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "empty reference path")
	}

	switch head := segments[0]; {
	case head == "event":
		return traversePath(nonNilMap(s.Event), segments[1:], path)
	case head == "state":
		return traversePath(nonNilMap(s.State), segments[1:], path)
	default:
		if output, ok := s.Outputs[head]; ok && len(segments) > 1 && segments[1] == "output" {
			return traversePath(nonNilMap(output), segments[2:], path)
		}
		return traversePath(nonNilMap(s.State), segments, path)
	}
}

func (s *Scope) outputsAsAny() map[string]any {
	out := make(map[string]any, len(s.Outputs))
	for id, o := range s.Outputs {
		out[id] = o
	}
	return out
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// traversePath navigates into nested maps using the remaining segments.
func traversePath(root any, segments []string, full string) (any, error) {
	current := root
	for _, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q", full)
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, full, current)
		}
		val, ok := obj[seg]
		if !ok {
			available := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, full, strings.Join(available, ", ")).
				WithDetails(map[string]any{"path": full, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
