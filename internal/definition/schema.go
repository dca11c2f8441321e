package definition

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/floworc/floworc/pkg/schema"
)

// documentSchemaJSON is the JSON Schema every workflow document is checked
// against before the semantic pass. It enforces shape only, field types,
// enum values, and unknown keys; presence and graph consistency belong to
// Validate. Embedded as a constant to avoid filesystem dependencies.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://floworc.dev/schemas/workflow.json",
  "type": "object",
  "properties": {
    "apiVersion": { "type": "string" },
    "kind": { "type": "string" },
    "metadata": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "description": { "type": "string" },
        "labels": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "spec": {
      "type": "object",
      "properties": {
        "state": { "type": "object" },
        "entrypoint": { "type": "string" },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "reducers": {
          "type": "object",
          "additionalProperties": {
            "type": "string",
            "enum": ["overwrite", "append", "merge", "sum"]
          }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "checkpointing": {
          "type": "object",
          "properties": {
            "enabled": { "type": "boolean" },
            "frequency": {
              "type": "string",
              "enum": ["step", "node", "manual"]
            },
            "history": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "recovery": {
          "type": "object",
          "properties": {
            "auto_resume": { "type": "boolean" },
            "skip_completed": { "type": "boolean" }
          },
          "additionalProperties": false
        },
        "errorHandler": { "type": "string" },
        "max_steps_per_run": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["agent", "fleet", "approval", "validation", "parallel", "conditional", "wait", "terminal"]
        },
        "config": { "type": "object" },
        "next": {
          "type": "array",
          "items": { "$ref": "#/$defs/edge" }
        },
        "on_error": {
          "type": "array",
          "items": { "$ref": "#/$defs/edge" }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "type": "string" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "properties": {
        "when": { "type": "string" },
        "to": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "initial_delay": { "type": "string" },
        "max_delay": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

var compileDocumentSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema,
			"workflow schema: %s", err.Error()).WithCause(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("https://floworc.dev/schemas/workflow.json", doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema,
			"workflow schema: %s", err.Error()).WithCause(err)
	}
	compiled, err := compiler.Compile("https://floworc.dev/schemas/workflow.json")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema,
			"workflow schema does not compile: %s", err.Error()).WithCause(err)
	}
	return compiled, nil
})

// checkShape validates a decoded workflow document against the embedded
// JSON Schema. The value is normalized through JSON so YAML-decoded
// scalars validate like their JSON counterparts.
func checkShape(generic any) error {
	compiled, err := compileDocumentSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(generic)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSchema,
			"workflow is not JSON-encodable: %s", err.Error()).WithCause(err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSchema,
			"workflow: %s", err.Error()).WithCause(err)
	}

	if err := compiled.Validate(instance); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			leaf := leafCause(ve)
			field := strings.Join(leaf.InstanceLocation, ".")
			if field == "" {
				field = "(root)"
			}
			return schema.NewErrorf(schema.ErrCodeSchema,
				"workflow field %q: %s", field, leaf.Error()).
				WithDetails(map[string]any{"field": field})
		}
		return schema.NewErrorf(schema.ErrCodeSchema,
			"workflow: %s", err.Error()).WithCause(err)
	}
	return nil
}

func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
