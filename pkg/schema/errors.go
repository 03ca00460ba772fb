package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeDependencyCycle    = "DEPENDENCY_CYCLE"
	ErrCodeCondition          = "CONDITION_ERROR"
	ErrCodeStepTimeout        = "STEP_TIMEOUT"
	ErrCodeStepExecution      = "STEP_EXECUTION_ERROR"
	ErrCodeScheduling         = "SCHEDULING_ERROR"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeCapabilityNotFound = "CAPABILITY_NOT_FOUND"
	ErrCodeMapping            = "MAPPING_ERROR"
)

// TaskflowError is the structured error type for all taskflow operations.
type TaskflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *TaskflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TaskflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a step failing with this error may be attempted again.
func (e *TaskflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStepExecution:
		var se *StepExecutionError
		if errors.As(e.Cause, &se) {
			return se.Retryable
		}
		return true
	case ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new TaskflowError.
func NewError(code, message string) *TaskflowError {
	return &TaskflowError{Code: code, Message: message}
}

// NewErrorf creates a new TaskflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *TaskflowError {
	return &TaskflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *TaskflowError) WithStep(stepID string) *TaskflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *TaskflowError) WithCause(err error) *TaskflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TaskflowError) WithDetails(details map[string]any) *TaskflowError {
	e.Details = details
	return e
}

// AsTaskflowError converts any error into a *TaskflowError, wrapping foreign
// errors under fallbackCode.
func AsTaskflowError(err error, fallbackCode string) *TaskflowError {
	if err == nil {
		return nil
	}
	var te *TaskflowError
	if errors.As(err, &te) {
		return te
	}
	var se *StepExecutionError
	if errors.As(err, &se) {
		return NewError(ErrCodeStepExecution, se.Message).
			WithCause(se).
			WithDetails(map[string]any{"capability": se.Capability, "retryable": se.Retryable})
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// HasCode reports whether err is a *TaskflowError carrying code.
func HasCode(err error, code string) bool {
	var te *TaskflowError
	return errors.As(err, &te) && te.Code == code
}

// DependencyCycleError is returned when the dependsOn relation of a
// definition contains a cycle. Each entry of Cycles lists every step of one
// strongly connected component.
type DependencyCycleError struct {
	Cycles [][]string
}

func (e *DependencyCycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		if len(c) == 0 {
			continue
		}
		parts = append(parts, strings.Join(append(append([]string{}, c...), c[0]), " -> "))
	}
	return "dependency cycle detected: " + strings.Join(parts, "; ")
}

// Steps returns every step taking part in a cycle.
func (e *DependencyCycleError) Steps() []string {
	var out []string
	for _, c := range e.Cycles {
		out = append(out, c...)
	}
	return out
}

// NewDependencyCycleError wraps a cycle description into a DEPENDENCY_CYCLE error.
func NewDependencyCycleError(cycles [][]string) *TaskflowError {
	ce := &DependencyCycleError{Cycles: cycles}
	return NewError(ErrCodeDependencyCycle, ce.Error()).
		WithCause(ce).
		WithDetails(map[string]any{"cycles": cycles, "steps": ce.Steps()})
}

// StepExecutionError is returned by a capability that failed to do its work.
// Retryable tells the bridge whether another attempt may succeed.
type StepExecutionError struct {
	Capability string `json:"capability,omitempty"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Cause      error  `json:"-"`
}

func (e *StepExecutionError) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("capability %s: %s", e.Capability, e.Message)
	}
	return e.Message
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// NewStepExecutionError creates a StepExecutionError.
func NewStepExecutionError(capability, message string, retryable bool) *StepExecutionError {
	return &StepExecutionError{Capability: capability, Message: message, Retryable: retryable}
}

// NewConditionError reports a guard expression that could not be evaluated.
func NewConditionError(expression string, cause error) *TaskflowError {
	msg := "condition evaluation failed"
	if cause != nil {
		msg = fmt.Sprintf("condition %q: %s", expression, cause.Error())
	}
	return NewError(ErrCodeCondition, msg).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}

// NewStepTimeoutError reports a step attempt that exceeded its timeout.
func NewStepTimeoutError(stepID string, timeout time.Duration) *TaskflowError {
	return NewErrorf(ErrCodeStepTimeout, "step timed out after %s", timeout).
		WithStep(stepID).
		WithDetails(map[string]any{"timeout": timeout.String()})
}

// NewSchedulingError reports a malformed cron expression or trigger config.
func NewSchedulingError(format string, args ...any) *TaskflowError {
	return NewErrorf(ErrCodeScheduling, format, args...)
}
