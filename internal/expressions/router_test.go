package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/floworc/floworc/pkg/schema"
)

func TestRouter_FirstTrueWins(t *testing.T) {
	r := NewRouter(NewExprEngine())
	scope := NewScope(map[string]any{"score": 0.9})

	edges := []schema.Edge{
		{When: "score >= 0.8", To: "publish"},
		{When: "score >= 0.5", To: "revise"},
		{To: "reject"},
	}

	to, err := r.Select(context.Background(), "grade", edges, scope)
	assert.NoError(t, err)
	assert.Equal(t, "publish", to)
}

func TestRouter_DeclarationOrderMatters(t *testing.T) {
	r := NewRouter(NewExprEngine())
	scope := NewScope(map[string]any{"score": 0.9})

	// Both conditions hold; the earlier edge is picked.
	edges := []schema.Edge{
		{When: "score >= 0.5", To: "revise"},
		{When: "score >= 0.8", To: "publish"},
	}

	to, err := r.Select(context.Background(), "grade", edges, scope)
	assert.NoError(t, err)
	assert.Equal(t, "revise", to)
}

func TestRouter_DefaultEdgeCatchesAll(t *testing.T) {
	r := NewRouter(NewExprEngine())
	scope := NewScope(map[string]any{"score": 0.1})

	edges := []schema.Edge{
		{When: "score >= 0.8", To: "publish"},
		{To: "reject"},
	}

	to, err := r.Select(context.Background(), "grade", edges, scope)
	assert.NoError(t, err)
	assert.Equal(t, "reject", to)
}

func TestRouter_NoMatchNoDefaultFails(t *testing.T) {
	r := NewRouter(NewExprEngine())
	scope := NewScope(map[string]any{"score": 0.1})

	edges := []schema.Edge{
		{When: "score >= 0.8", To: "publish"},
	}

	_, err := r.Select(context.Background(), "grade", edges, scope)
	assert.Error(t, err)

	var ferr *schema.FlowError
	assert.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeNoRoute, ferr.Code)
	assert.Equal(t, "grade", ferr.NodeID)
	assert.False(t, ferr.IsRetryable())
}

func TestRouter_DecisionKeywordEdges(t *testing.T) {
	r := NewRouter(NewExprEngine())

	edges := []schema.Edge{
		{When: "approved", To: "ship"},
		{When: "rejected", To: "rework"},
		{When: "timeout", To: "escalate"},
	}

	cases := []struct {
		decision schema.Decision
		want     string
	}{
		{schema.DecisionApproved, "ship"},
		{schema.DecisionRejected, "rework"},
		{schema.DecisionTimedOut, "escalate"},
	}

	for _, tc := range cases {
		scope := NewScope(nil).WithDecision(tc.decision)
		to, err := r.Select(context.Background(), "gate", edges, scope)
		assert.NoError(t, err)
		assert.Equal(t, tc.want, to, "decision %s", tc.decision)
	}
}

func TestRouter_NonBooleanConditionFails(t *testing.T) {
	r := NewRouter(NewExprEngine())
	scope := NewScope(map[string]any{"score": 1})

	edges := []schema.Edge{
		{When: "score + 1", To: "anywhere"},
	}

	_, err := r.Select(context.Background(), "grade", edges, scope)
	assert.Error(t, err)
}
