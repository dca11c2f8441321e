package schema

import "encoding/json"

// DecodeConfig maps a step's raw config block onto a typed config struct.
// The round-trip through JSON keeps the snake_case keys of workflow
// documents aligned with the struct tags.
func DecodeConfig(config map[string]any, out any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return NewErrorf(ErrCodeConfig, "step config is not encodable: %s", err.Error()).WithCause(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewErrorf(ErrCodeConfig, "step config does not match its step type: %s", err.Error()).WithCause(err)
	}
	return nil
}
