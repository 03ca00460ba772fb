package schema

import "fmt"

// ValidationSeverity separates issues that reject a definition from advice.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a definition. Path locates the
// field (e.g. "steps[2].timeout"); StepID names the step it belongs to.
type ValidationIssue struct {
	Path     string             `json:"path"`
	StepID   string             `json:"step_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of every validation stage.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// definitionCodes are the structural error codes a rejected definition is
// reported under instead of VALIDATION_ERROR, most specific first.
var definitionCodes = []string{ErrCodeDependencyCycle, ErrCodeScheduling}

// Valid reports whether no error was recorded. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a definition-level error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.AddStepError("", path, code, message)
}

// AddWarning records a definition-level warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.AddStepWarning("", path, code, message)
}

// AddStepError records an error on step stepID.
func (r *ValidationResult) AddStepError(stepID, path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, StepID: stepID, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddStepWarning records a warning on step stepID.
func (r *ValidationResult) AddStepWarning(stepID, path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, StepID: stepID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error carries code.
func (r *ValidationResult) HasCode(code string) bool {
	return r.first(code) != nil
}

// ForStep returns the errors and warnings recorded on stepID.
func (r *ValidationResult) ForStep(stepID string) []ValidationIssue {
	var out []ValidationIssue
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, issue := range list {
			if issue.StepID == stepID {
				out = append(out, issue)
			}
		}
	}
	return out
}

// Code is the code a rejection is reported under: a dependency cycle, then a
// malformed schedule, otherwise VALIDATION_ERROR. It is empty when valid.
func (r *ValidationResult) Code() string {
	if r.Valid() {
		return ""
	}
	for _, code := range definitionCodes {
		if r.HasCode(code) {
			return code
		}
	}
	return ErrCodeValidation
}

// ToError returns nil when valid. Otherwise it returns a TaskflowError under
// Code(), with the message of the issue that decided the code (or an error
// count) and every issue in its details.
func (r *ValidationResult) ToError() error {
	code := r.Code()
	if code == "" {
		return nil
	}

	lead := r.first(code)
	if lead == nil {
		lead = &r.Errors[0]
	}
	msg := lead.Message
	if code == ErrCodeValidation && len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	err := NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
	if len(r.Errors) == 1 || code != ErrCodeValidation {
		err.StepID = lead.StepID
	}
	return err
}

func (r *ValidationResult) first(code string) *ValidationIssue {
	for i := range r.Errors {
		if r.Errors[i].Code == code {
			return &r.Errors[i]
		}
	}
	return nil
}
