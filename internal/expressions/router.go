package expressions

import (
	"context"

	"github.com/floworc/floworc/pkg/schema"
)

// Router selects the next node from a list of ordered conditional edges.
// Edges are tried in declaration order and the first true condition wins;
// an edge without a condition is the default and always matches.
type Router struct {
	engine *ExprEngine
}

// NewRouter creates a Router backed by an ExprEngine.
func NewRouter(engine *ExprEngine) *Router {
	return &Router{engine: engine}
}

// Select returns the target node ID of the first matching edge. When no
// edge matches and no default exists it fails with a NO_ROUTE error, which
// is not retryable: the graph has no answer for this state.
func (r *Router) Select(ctx context.Context, nodeID string, edges []schema.Edge, scope *Scope) (string, error) {
	env := scope.Env()

	for _, edge := range edges {
		if edge.IsDefault() {
			return edge.To, nil
		}
		match, err := r.engine.EvaluateBool(ctx, edge.When, env)
		if err != nil {
			return "", wrapNodeErr(err, nodeID)
		}
		if match {
			return edge.To, nil
		}
	}

	return "", schema.NewErrorf(schema.ErrCodeNoRoute,
		"no edge matched and no default edge declared").WithNode(nodeID)
}

func wrapNodeErr(err error, nodeID string) error {
	if ferr, ok := err.(*schema.FlowError); ok {
		return ferr.WithNode(nodeID)
	}
	return err
}
