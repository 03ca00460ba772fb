package schema

import "time"

// WorkflowExecution is one run of a definition snapshot.
type WorkflowExecution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion string                 `json:"workflow_version,omitempty"`
	Definition      *WorkflowDefinition    `json:"definition,omitempty"`
	Trigger         TriggerContext         `json:"trigger"`
	Variables       map[string]any         `json:"variables"`
	StepResults     map[string]*StepResult `json:"step_results"`
	Status          ExecutionStatus        `json:"status"`
	StartedAt       time.Time              `json:"started_at"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
	Capabilities    []string               `json:"capabilities,omitempty"`
	FailedStepID    string                 `json:"failed_step_id,omitempty"`
	Error           *TaskflowError         `json:"error,omitempty"`
	StepsCompleted  int                    `json:"steps_completed"`
	StepsFailed     int                    `json:"steps_failed"`
	StepsSkipped    int                    `json:"steps_skipped"`
}

// Duration returns the elapsed run time, up to now for running executions.
func (e *WorkflowExecution) Duration() time.Duration {
	if e.EndedAt != nil {
		return e.EndedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

// StepResult is the single logical outcome of one step in one execution.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Status     StepStatus     `json:"status"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	RetryCount int            `json:"retry_count"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *TaskflowError `json:"error,omitempty"`
	Attempts   []Attempt      `json:"attempts,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Fallback   bool           `json:"fallback,omitempty"`
}

// Attempt records one call into a capability.
type Attempt struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Error     string    `json:"error,omitempty"`
}
