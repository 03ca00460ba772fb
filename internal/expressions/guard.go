package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/taskflow/pkg/schema"
)

// Guard evaluates boolean expressions: CEL for step conditions and either
// CEL or expr-lang for workflow-level conditions.
type Guard struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewGuard creates a Guard with fresh engines.
func NewGuard() (*Guard, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Guard{cel: celEngine, expr: NewExprEngine()}, nil
}

func (g *Guard) engine(lang schema.ConditionLanguage) (Engine, error) {
	switch lang {
	case "", schema.ConditionLanguageCEL:
		return g.cel, nil
	case schema.ConditionLanguageExpr:
		return g.expr, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCondition, "unknown condition language %q", lang)
	}
}

// Evaluate runs a CEL guard against scope. Any failure, including a
// non-boolean result, is reported as a CONDITION_ERROR.
func (g *Guard) Evaluate(ctx context.Context, expression string, scope map[string]any) (bool, error) {
	return g.EvaluateIn(ctx, schema.ConditionLanguageCEL, expression, scope)
}

// EvaluateIn runs a guard written in lang.
func (g *Guard) EvaluateIn(ctx context.Context, lang schema.ConditionLanguage, expression string, scope map[string]any) (bool, error) {
	eng, err := g.engine(lang)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, scope)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeCondition) {
			return false, err
		}
		return false, schema.NewConditionError(expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewConditionError(expression, fmt.Errorf("result is %T, not bool", out))
	}
	return b, nil
}

// Check compiles a guard without evaluating it.
func (g *Guard) Check(lang schema.ConditionLanguage, expression string) error {
	switch lang {
	case "", schema.ConditionLanguageCEL:
		return g.cel.Check(expression)
	case schema.ConditionLanguageExpr:
		return g.expr.Check(expression)
	default:
		return schema.NewErrorf(schema.ErrCodeCondition, "unknown condition language %q", lang)
	}
}

// Preconditions evaluates workflow-level conditions in order. The first
// false or failing condition yields a PRECONDITION_FAILED error.
func (g *Guard) Preconditions(ctx context.Context, conditions []schema.Condition, scope map[string]any) error {
	for i, c := range conditions {
		ok, err := g.EvaluateIn(ctx, c.Language, c.Expression, scope)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePreconditionFailed,
				"condition %d could not be evaluated: %s", i, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": c.Expression})
		}
		if !ok {
			desc := c.Description
			if desc == "" {
				desc = c.Expression
			}
			return schema.NewErrorf(schema.ErrCodePreconditionFailed, "condition not met: %s", desc).
				WithDetails(map[string]any{"expression": c.Expression, "index": i})
		}
	}
	return nil
}
