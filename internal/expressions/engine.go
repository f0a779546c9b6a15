package expressions

import "context"

// Engine evaluates the embedded source of a code action. Four
// implementations: JS (default runtime), CEL, Expr, and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, source string, data map[string]any) (any, error)
}
