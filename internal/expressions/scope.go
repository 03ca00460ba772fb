package expressions

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/taskflow/pkg/schema"
)

// BuildScope assembles the snapshot guards and mapping paths are evaluated
// against: {variables, steps, stepResults, trigger, error}. The result is
// JSON-shaped and shares no memory with the execution state.
func BuildScope(variables map[string]any, results map[string]*schema.StepResult, trigger schema.TriggerContext, failure map[string]any) (map[string]any, error) {
	steps := make(map[string]any, len(results))
	for id, r := range results {
		entry := map[string]any{
			"status":      string(r.Status),
			"output":      r.Output,
			"retry_count": r.RetryCount,
		}
		if r.Error != nil {
			entry["error"] = map[string]any{"code": r.Error.Code, "message": r.Error.Message}
		}
		if r.SkipReason != "" {
			entry["skip_reason"] = r.SkipReason
		}
		steps[id] = entry
	}

	raw := map[string]any{
		VarVariables: variables,
		VarSteps:     steps,
		VarTrigger:   trigger.AsMap(),
	}
	if failure != nil {
		raw[VarError] = failure
	}

	normalized, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	scope := normalized.(map[string]any)
	scope[VarStepResults] = scope[VarSteps]
	if scope[VarVariables] == nil {
		scope[VarVariables] = map[string]any{}
	}
	return scope, nil
}

// Normalize converts v into plain JSON values (map[string]any, []any,
// float64, string, bool, nil) so every engine sees the same shapes.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}

// NormalizeMap is Normalize for maps; nil yields an empty map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	out, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}
