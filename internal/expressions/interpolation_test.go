package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/floworc/floworc/pkg/schema"
)

func TestInterpolator_WholeTokenKeepsType(t *testing.T) {
	ip := NewInterpolator()
	scope := NewScope(map[string]any{"count": 3, "tags": []any{"a", "b"}})

	val, err := ip.ResolveString("${count}", scope)
	assert.NoError(t, err)
	assert.Equal(t, 3, val)

	val, err = ip.ResolveString("${tags}", scope)
	assert.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, val)
}

func TestInterpolator_EmbeddedTokenStringifies(t *testing.T) {
	ip := NewInterpolator()
	scope := NewScope(map[string]any{"topic": "caching", "count": 3})

	val, err := ip.ResolveString("write about ${topic} in ${count} parts", scope)
	assert.NoError(t, err)
	assert.Equal(t, "write about caching in 3 parts", val)
}

func TestInterpolator_NodeOutputReference(t *testing.T) {
	ip := NewInterpolator()
	scope := NewScope(nil).WithOutput("draft", map[string]any{"text": "body"})

	val, err := ip.ResolveString("${draft.output.text}", scope)
	assert.NoError(t, err)
	assert.Equal(t, "body", val)
}

func TestInterpolator_EventReference(t *testing.T) {
	ip := NewInterpolator()
	scope := NewScope(nil).WithEvent(map[string]any{"answer": "yes"})

	val, err := ip.ResolveString("${event.answer}", scope)
	assert.NoError(t, err)
	assert.Equal(t, "yes", val)
}

func TestInterpolator_PlainStringPassesThrough(t *testing.T) {
	ip := NewInterpolator()

	val, err := ip.ResolveString("no references here", NewScope(nil))
	assert.NoError(t, err)
	assert.Equal(t, "no references here", val)
}

func TestInterpolator_UnclosedReference(t *testing.T) {
	ip := NewInterpolator()

	_, err := ip.ResolveString("broken ${topic", NewScope(map[string]any{"topic": "x"}))
	assert.Error(t, err)
}

func TestInterpolator_EmptyReference(t *testing.T) {
	ip := NewInterpolator()

	_, err := ip.ResolveString("${}", NewScope(nil))
	assert.Error(t, err)

	var ferr *schema.FlowError
	assert.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeInterpolation, ferr.Code)
}

func TestInterpolator_NestedReferenceRejected(t *testing.T) {
	ip := NewInterpolator()

	_, err := ip.ResolveString("${a${b}}", NewScope(map[string]any{"a": 1, "b": 2}))
	assert.Error(t, err)
}

func TestInterpolator_MissingPathFails(t *testing.T) {
	ip := NewInterpolator()

	_, err := ip.ResolveString("${nope}", NewScope(map[string]any{}))
	assert.Error(t, err)
}

func TestInterpolator_ResolveValueWalksTemplates(t *testing.T) {
	ip := NewInterpolator()
	scope := NewScope(map[string]any{"topic": "queues", "depth": 2})

	template := map[string]any{
		"prompt": "explain ${topic}",
		"options": map[string]any{
			"depth": "${depth}",
		},
		"examples": []any{"${topic}", "fixed"},
		"limit":    10,
	}

	resolved, err := ip.ResolveValue(template, scope)
	assert.NoError(t, err)

	out := resolved.(map[string]any)
	assert.Equal(t, "explain queues", out["prompt"])
	assert.Equal(t, 2, out["options"].(map[string]any)["depth"])
	assert.Equal(t, []any{"queues", "fixed"}, out["examples"])
	assert.Equal(t, 10, out["limit"])
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation("${a}"))
	assert.False(t, HasInterpolation("plain"))
}
