package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEngine_Name(t *testing.T) {
	assert.Equal(t, "cel", newCEL(t).Name())
}

func TestCELEngine_StateCondition(t *testing.T) {
	e := newCEL(t)

	out, err := e.Evaluate(context.Background(), `state.score >= 0.8`, map[string]any{
		"state": map[string]any{"score": 0.9},
	})
	assert.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_OutputValidation(t *testing.T) {
	e := newCEL(t)

	out, err := e.Evaluate(context.Background(), `has(output.text) && size(string(output.text)) > 0`, map[string]any{
		"output": map[string]any{"text": "hello"},
	})
	assert.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_MissingRootsDefaultToEmptyMaps(t *testing.T) {
	e := newCEL(t)

	out, err := e.Evaluate(context.Background(), `size(event) == 0`, nil)
	assert.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_CompileError(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), `state.`, nil)
	assert.Error(t, err)
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}
