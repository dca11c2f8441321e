package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/floworc/floworc/pkg/schema"
)

// Validator checks merged state against a JSON Schema declared in the
// workflow definition. A nil Validator accepts everything.
type Validator struct {
	compiled *jsonschema.Schema
}

// NewValidator compiles a JSON Schema given as a decoded document.
// A nil shape yields a nil Validator.
func NewValidator(shape map[string]any) (*Validator, error) {
	if shape == nil {
		return nil, nil
	}

	raw, err := json.Marshal(shape)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"state schema is not JSON-encodable: %s", err.Error()).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"state schema: %s", err.Error()).WithCause(err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("state.json", doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"state schema: %s", err.Error()).WithCause(err)
	}
	compiled, err := compiler.Compile("state.json")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"state schema does not compile: %s", err.Error()).WithCause(err)
	}
	return &Validator{compiled: compiled}, nil
}

// Validate reports a schema error naming the offending field. The state is
// normalized through JSON so YAML-decoded integers validate like their
// JSON counterparts.
func (v *Validator) Validate(st State) error {
	if v == nil {
		return nil
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSchema,
			"state is not JSON-encodable: %s", err.Error()).WithCause(err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return schema.NewErrorf(schema.ErrCodeSchema, "state: %s", err.Error()).WithCause(err)
	}

	if err := v.compiled.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := leafCause(ve)
			field := strings.Join(leaf.InstanceLocation, ".")
			if field == "" {
				field = "(root)"
			}
			return schema.NewErrorf(schema.ErrCodeSchema,
				"state field %q: %s", field, leaf.Error()).
				WithDetails(map[string]any{"field": field})
		}
		return schema.NewErrorf(schema.ErrCodeSchema, "state: %s", err.Error()).WithCause(err)
	}
	return nil
}

func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
