package expressions

import "context"

// Engine evaluates expressions within pipeline steps.
// Three implementations: Expr and GoJQ (transform steps), CEL (step conditions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
