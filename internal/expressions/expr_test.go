package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/floworc/floworc/pkg/schema"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExprEngine_Comparison(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "score >= 0.8", map[string]any{"score": 0.9})
	assert.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "score >= 0.8", map[string]any{"score": 0.5})
	assert.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEngine_BooleanOperators(t *testing.T) {
	e := NewExprEngine()
	env := map[string]any{"approved": true, "attempts": 2}

	out, err := e.Evaluate(context.Background(), "approved and attempts < 3", env)
	assert.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "not approved or attempts > 5", env)
	assert.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEngine_InOperator(t *testing.T) {
	e := NewExprEngine()
	env := map[string]any{"status": "review"}

	out, err := e.Evaluate(context.Background(), `status in ["draft", "review"]`, env)
	assert.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "missing == nil", map[string]any{})
	assert.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "1 +", nil)
	assert.Error(t, err)

	var ferr *schema.FlowError
	assert.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeExpression, ferr.Code)
}

func TestExprEngine_EvaluateBool_RejectsNonBoolean(t *testing.T) {
	e := NewExprEngine()

	_, err := e.EvaluateBool(context.Background(), "1 + 2", map[string]any{})
	assert.Error(t, err)

	var ferr *schema.FlowError
	assert.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeExpression, ferr.Code)
}

func TestExprEngine_CacheReturnsSameResult(t *testing.T) {
	e := NewExprEngine()
	env := map[string]any{"n": 2}

	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(context.Background(), "n * 2", env)
		assert.NoError(t, err)
		assert.Equal(t, 4, out)
	}
}
