package validation

import (
	"fmt"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/trigger"
	"github.com/rendis/taskflow/pkg/schema"
)

// maxSensibleRetries is the step retry count above which a warning is raised.
const maxSensibleRetries = 10

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: capabilities registered, depends_on refs valid, fallback rules,
// trigger config, durations, guard and mapping expressions.
func validateSemantic(def *schema.WorkflowDefinition, caps CapabilityLookup, guard *expressions.Guard, mapper *expressions.Mapper) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, caps, guard, mapper, result)
	}

	validateErrorHandling(def, stepIDs, result)
	validateTrigger(def.Trigger, result)

	for i, c := range def.Conditions {
		if guard == nil {
			break
		}
		if err := guard.Check(c.Language, c.Expression); err != nil {
			result.AddWarning(fmt.Sprintf("conditions[%d].expression", i), schema.ErrCodeCondition,
				fmt.Sprintf("condition does not compile: %s", err.Error()))
		}
	}

	if _, err := schema.ParseDuration(def.Timeout); err != nil {
		result.AddError("timeout", schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", def.Timeout))
	}

	return result
}

// validateStepSemantic checks a single step.
func validateStepSemantic(step *schema.Step, path string, stepIDs map[string]bool, caps CapabilityLookup, guard *expressions.Guard, mapper *expressions.Mapper, result *schema.ValidationResult) {
	if caps != nil && !caps.Has(step.Capability) {
		result.AddStepError(step.ID, path+".capability", schema.ErrCodeCapabilityNotFound,
			fmt.Sprintf("capability %q not registered", step.Capability))
	}

	for j, dep := range step.DependsOn {
		if !stepIDs[dep] {
			result.AddStepError(step.ID, fmt.Sprintf("%s.depends_on[%d]", path, j),
				schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}

	if _, err := step.TimeoutDuration(); err != nil {
		result.AddStepError(step.ID, path+".timeout", schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", step.Timeout))
	}
	if _, err := step.RetryDelayDuration(); err != nil {
		result.AddStepError(step.ID, path+".retry_delay", schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", step.RetryDelay))
	}
	if step.Retries > maxSensibleRetries {
		result.AddStepWarning(step.ID, path+".retries", schema.ErrCodeValidation,
			fmt.Sprintf("%d retries is unusually high", step.Retries))
	}

	if step.Condition != "" && guard != nil {
		if err := guard.Check(schema.ConditionLanguageCEL, step.Condition); err != nil {
			result.AddStepWarning(step.ID, path+".condition", schema.ErrCodeCondition,
				fmt.Sprintf("condition does not compile: %s", err.Error()))
		}
	}

	if mapper != nil {
		if err := mapper.Check(step); err != nil {
			result.AddStepError(step.ID, path, schema.ErrCodeMapping, err.Error())
		}
	}
}

// validateErrorHandling checks the workflow-level policy.
func validateErrorHandling(def *schema.WorkflowDefinition, stepIDs map[string]bool, result *schema.ValidationResult) {
	policy := def.ErrorHandling
	fallbackID := policy.FallbackStepID

	switch {
	case policy.EffectiveStrategy() == schema.StrategyFallback && fallbackID == "":
		result.AddError("error_handling.fallback_step_id", schema.ErrCodeValidation,
			"fallback strategy requires a fallback_step_id")
	case fallbackID != "" && !stepIDs[fallbackID]:
		result.AddError("error_handling.fallback_step_id", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q", fallbackID))
	case fallbackID != "" && policy.EffectiveStrategy() != schema.StrategyFallback:
		result.AddWarning("error_handling.fallback_step_id", schema.ErrCodeValidation,
			fmt.Sprintf("fallback step %q is ignored by strategy %q", fallbackID, policy.EffectiveStrategy()))
	}

	if fallbackID != "" && stepIDs[fallbackID] {
		for i, s := range def.Steps {
			if s.ID == fallbackID && len(s.DependsOn) > 0 {
				result.AddStepError(s.ID, fmt.Sprintf("steps[%d].depends_on", i), schema.ErrCodeValidation,
					"the fallback step must not declare dependencies")
			}
			for j, dep := range s.DependsOn {
				if dep == fallbackID {
					result.AddStepError(s.ID, fmt.Sprintf("steps[%d].depends_on[%d]", i, j), schema.ErrCodeValidation,
						fmt.Sprintf("step %q depends on the fallback step", s.ID))
				}
			}
		}
	}

	for _, field := range []struct{ path, value string }{
		{"error_handling.retry_delay", policy.RetryDelay},
		{"error_handling.max_retry_delay", policy.MaxRetryDelay},
	} {
		if _, err := schema.ParseDuration(field.value); err != nil {
			result.AddError(field.path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", field.value))
		}
	}
	if policy.MaxRetries > maxSensibleRetries {
		result.AddWarning("error_handling.max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("%d retries is unusually high", policy.MaxRetries))
	}
}

// validateTrigger checks that the config matching the kind is present and
// well formed.
func validateTrigger(t schema.Trigger, result *schema.ValidationResult) {
	switch t.Kind {
	case schema.TriggerSchedule:
		if t.Schedule == nil || t.Schedule.Cron == "" {
			result.AddError("trigger.schedule.cron", schema.ErrCodeScheduling, "schedule trigger requires a cron expression")
			break
		}
		if err := scheduler.ValidateSpec(t.Schedule.Cron, t.Schedule.Timezone); err != nil {
			result.AddError("trigger.schedule", schema.ErrCodeScheduling, schema.AsTaskflowError(err, schema.ErrCodeScheduling).Message)
		}
	case schema.TriggerPhrase:
		if t.Phrase == nil || len(t.Phrase.Keywords) == 0 {
			result.AddError("trigger.phrase.keywords", schema.ErrCodeValidation, "phrase trigger requires keywords")
			break
		}
		if t.Phrase.MinConfidence < 0 || t.Phrase.MinConfidence > 1 {
			result.AddError("trigger.phrase.min_confidence", schema.ErrCodeValidation, "min_confidence must be within [0, 1]")
		}
	case schema.TriggerErrorSignature:
		if t.ErrorSignature == nil || (len(t.ErrorSignature.ErrorTypes) == 0 && len(t.ErrorSignature.Patterns) == 0) {
			result.AddError("trigger.error_signature", schema.ErrCodeValidation,
				"error_signature trigger requires error_types or patterns")
		}
	}

	for _, p := range trigger.CheckPatterns(t) {
		result.AddError("trigger", schema.ErrCodeValidation, fmt.Sprintf("invalid glob pattern %q", p))
	}
}
