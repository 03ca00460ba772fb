package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].capability", ErrCodeValidation, "capability is required")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].capability", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, "capability is required", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].retries", ErrCodeValidation, "high retry count")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeDependencyCycle, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].capability", ErrCodeValidation, "capability is required")

	err := r.ToError()
	require.NotNil(t, err)

	tfErr, ok := err.(*TaskflowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, tfErr.Code)
	assert.Equal(t, "capability is required", tfErr.Message)
	assert.Equal(t, 1, tfErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	tfErr, ok := err.(*TaskflowError)
	require.True(t, ok)
	assert.Contains(t, tfErr.Message, "2 errors")
	assert.Equal(t, 2, tfErr.Details["error_count"])
	assert.Equal(t, 1, tfErr.Details["warning_count"])
}

func TestValidationResult_HasCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps", ErrCodeDependencyCycle, "cycle")
	r.AddWarning("steps[0].condition", ErrCodeCondition, "does not compile")

	assert.True(t, r.HasCode(ErrCodeDependencyCycle))
	assert.False(t, r.HasCode(ErrCodeCondition), "warnings are not consulted")
}

func TestValidationResult_Code(t *testing.T) {
	r := &ValidationResult{}
	assert.Empty(t, r.Code())

	r.AddError("steps[0].timeout", ErrCodeValidation, "invalid duration")
	assert.Equal(t, ErrCodeValidation, r.Code())

	r.AddError("trigger.schedule", ErrCodeScheduling, "invalid cron")
	assert.Equal(t, ErrCodeScheduling, r.Code())

	r.AddError("steps", ErrCodeDependencyCycle, "cycle a -> b")
	assert.Equal(t, ErrCodeDependencyCycle, r.Code())
}

func TestValidationResult_ToError_DefinitionCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddStepError("fetch", "steps[0].timeout", ErrCodeValidation, "invalid duration \"soon\"")
	r.AddError("trigger.schedule", ErrCodeScheduling, "invalid cron expression \"61 * * * *\"")

	te := r.ToError().(*TaskflowError)
	assert.Equal(t, ErrCodeScheduling, te.Code)
	assert.Equal(t, "invalid cron expression \"61 * * * *\"", te.Message)
	assert.Empty(t, te.StepID)
	assert.Equal(t, 2, te.Details["error_count"])
}

func TestValidationResult_StepIssues(t *testing.T) {
	r := &ValidationResult{}
	r.AddStepError("fetch", "steps[0].capability", ErrCodeCapabilityNotFound, "capability \"http\" not registered")
	r.AddStepWarning("fetch", "steps[0].condition", ErrCodeCondition, "does not compile")
	r.AddStepWarning("store", "steps[1].retries", ErrCodeValidation, "high retry count")

	issues := r.ForStep("fetch")
	require.Len(t, issues, 2)
	assert.Equal(t, SeverityError, issues[0].Severity)
	assert.Equal(t, SeverityWarning, issues[1].Severity)
	assert.Empty(t, r.ForStep("report"))

	te := r.ToError().(*TaskflowError)
	assert.Equal(t, ErrCodeValidation, te.Code, "capability issues are reported as validation errors")
	assert.Equal(t, "fetch", te.StepID)
}
