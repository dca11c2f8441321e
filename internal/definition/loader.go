package definition

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/floworc/floworc/pkg/schema"
)

// Load reads a workflow definition file (YAML or JSON; YAML is a superset)
// and returns the validated document.
func Load(path string) (*schema.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"read workflow %q: %s", path, err.Error()).WithCause(err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes and validates a workflow document. Validation is two
// passes: the embedded JSON Schema rejects shape problems (wrong scalar
// types, unknown keys, out-of-enum values), then Validate checks graph
// consistency.
func Parse(raw []byte) (*schema.Document, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"parse workflow: %s", err.Error()).WithCause(err)
	}
	if err := checkShape(generic); err != nil {
		return nil, err
	}

	var doc schema.Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"parse workflow: %s", err.Error()).WithCause(err)
	}

	if result := Validate(&doc); !result.Valid() {
		return nil, result.ToError()
	}
	return &doc, nil
}
