package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floworc/floworc/pkg/schema"
)

// Interpolator resolves ${...} references in node input templates against a
// Scope. It is a single substitution pass: no recursion, no nesting, no
// expression evaluation, just dot-path lookup.
type Interpolator struct{}

// NewInterpolator creates an Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// ResolveValue walks a decoded input template and substitutes every ${...}
// token found in its strings. Maps and slices are rebuilt, everything else
// passes through unchanged.
func (ip *Interpolator) ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return ip.ResolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := ip.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := ip.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString substitutes ${...} tokens in a string. A string that is
// exactly one token resolves to the referenced value with its type intact;
// tokens embedded in surrounding text are stringified in place.
func (ip *Interpolator) ResolveString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	// Whole-token reference keeps the resolved type.
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		inner := s[2 : len(s)-1]
		if !strings.Contains(inner, "${") && !strings.Contains(inner, "}") {
			path := strings.TrimSpace(inner)
			if path == "" {
				return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${}")
			}
			return scope.Resolve(path)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${ reference")
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		if path == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${}")
		}
		if strings.Contains(path, "${") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${...} cannot contain ${")
		}

		val, err := scope.Resolve(path)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		i = end + 1
	}

	return result.String(), nil
}

// stringify renders a resolved value for embedding inside a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation reports whether a string contains any ${...} references.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${")
}
