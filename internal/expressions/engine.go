package expressions

import "context"

// Engine evaluates expressions against a data snapshot.
// Three implementations: CEL (step guards), Expr (workflow preconditions), GoJQ (mapping paths).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Names of the top-level variables visible to guards and mapping paths.
const (
	VarVariables   = "variables"
	VarSteps       = "steps"
	VarStepResults = "stepResults"
	VarTrigger     = "trigger"
	VarError       = "error"
)
