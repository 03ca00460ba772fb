package validation

import (
	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/pkg/schema"
)

// validateDAG builds the execution graph the engine would build. A cycle is
// reported as an issue and also returned as the engine's DEPENDENCY_CYCLE
// error so callers can surface the steps involved.
func validateDAG(def *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	result := &schema.ValidationResult{}

	_, err := engine.ParseDAG(def)
	if err == nil {
		return result, nil
	}

	te := schema.AsTaskflowError(err, schema.ErrCodeValidation)
	result.AddError("steps", te.Code, te.Message)
	if te.Code == schema.ErrCodeDependencyCycle {
		return result, te
	}
	return result, nil
}
