package state

import (
	"dario.cat/mergo"

	"github.com/floworc/floworc/pkg/schema"
)

// State is the typed data flowing through a run: field name to JSON value.
type State = map[string]any

// Registry resolves the merge strategy for each state field.
// Fields without an explicit entry use overwrite, as do unknown keys
// introduced by node outputs.
type Registry struct {
	strategies map[string]schema.ReducerKind
}

// NewRegistry builds a Registry from the spec's per-field reducer map.
func NewRegistry(strategies map[string]schema.ReducerKind) *Registry {
	r := &Registry{strategies: make(map[string]schema.ReducerKind, len(strategies))}
	for field, kind := range strategies {
		r.strategies[field] = kind
	}
	return r
}

// Strategy returns the reducer kind for a field.
func (r *Registry) Strategy(field string) schema.ReducerKind {
	if kind, ok := r.strategies[field]; ok {
		return kind
	}
	return schema.ReducerOverwrite
}

// Commutative reports whether concurrent writes to the field merge
// independently of arrival order. Parallel branches writing the same
// field should use a commutative reducer.
func (r *Registry) Commutative(field string) bool {
	switch r.Strategy(field) {
	case schema.ReducerAppend, schema.ReducerMerge, schema.ReducerSum:
		return true
	default:
		return false
	}
}

// Merge combines the current value of a field with an update according to
// the field's strategy and returns the merged value.
func (r *Registry) Merge(field string, current, update any) (any, error) {
	switch r.Strategy(field) {
	case schema.ReducerAppend:
		return mergeAppend(current, update), nil
	case schema.ReducerMerge:
		return mergeObjects(field, current, update)
	case schema.ReducerSum:
		return mergeSum(field, current, update)
	default:
		return update, nil
	}
}

// mergeAppend concatenates values as arrays. Scalars are promoted to
// single-element arrays so `append` works on first write.
func mergeAppend(current, update any) any {
	cur := asSlice(current)
	upd := asSlice(update)
	out := make([]any, 0, len(cur)+len(upd))
	out = append(out, cur...)
	out = append(out, upd...)
	return out
}

func asSlice(v any) []any {
	if v == nil {
		return nil
	}
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{v}
}

// mergeObjects deep-merges two objects, update values winning on conflict.
func mergeObjects(field string, current, update any) (any, error) {
	if current == nil {
		return update, nil
	}
	curMap, ok := current.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSchema,
			"field %q: merge reducer requires object values, current is %T", field, current)
	}
	updMap, ok := update.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSchema,
			"field %q: merge reducer requires object values, update is %T", field, update)
	}

	dst := deepCopyMap(curMap)
	if err := mergo.Merge(&dst, updMap, mergo.WithOverride); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema,
			"field %q: merge failed: %s", field, err.Error()).WithCause(err)
	}
	return dst, nil
}

// mergeSum adds numeric values. A nil current counts as zero.
func mergeSum(field string, current, update any) (any, error) {
	cur, ok := asNumber(current)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSchema,
			"field %q: sum reducer requires numeric values, current is %T", field, current)
	}
	upd, ok := asNumber(update)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSchema,
			"field %q: sum reducer requires numeric values, update is %T", field, update)
	}
	return cur + upd, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// deepCopyMap copies a JSON-shaped map so reducer output never aliases
// caller-held values.
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
