package expressions

import "context"

// Engine evaluates expressions against run data.
// Three implementations: Expr (edge conditions), CEL and GoJQ (validators).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
