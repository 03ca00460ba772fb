package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowDefinition is a registered, reusable task graph.
type WorkflowDefinition struct {
	ID            string              `json:"id" yaml:"id"`
	Name          string              `json:"name" yaml:"name"`
	Description   string              `json:"description,omitempty" yaml:"description,omitempty"`
	Version       string              `json:"version,omitempty" yaml:"version,omitempty"`
	Category      string              `json:"category,omitempty" yaml:"category,omitempty"`
	Tags          []string            `json:"tags,omitempty" yaml:"tags,omitempty"`
	Author        string              `json:"author,omitempty" yaml:"author,omitempty"`
	Trigger       Trigger             `json:"trigger" yaml:"trigger"`
	Steps         []Step              `json:"steps" yaml:"steps"`
	Conditions    []Condition         `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ErrorHandling ErrorHandlingPolicy `json:"error_handling" yaml:"error_handling"`
	// Timeout is the run-level deadline; empty uses the engine default.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxConcurrency caps in-flight steps for one execution; 0 uses the engine default.
	MaxConcurrency int              `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	// InputSchema is a JSON Schema the initial variables of a run must satisfy.
	InputSchema    map[string]any   `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	Metadata       WorkflowMetadata `json:"metadata" yaml:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time        `json:"updated_at" yaml:"-"`
}

// WorkflowMetadata holds values learned from past executions.
type WorkflowMetadata struct {
	EstimatedDurationMs int64   `json:"estimated_duration_ms" yaml:"estimated_duration_ms,omitempty"`
	SuccessRate         float64 `json:"success_rate" yaml:"success_rate,omitempty"`
	RunCount            int     `json:"run_count" yaml:"run_count,omitempty"`
}

// Step is one unit of work delegated to a named capability.
type Step struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Capability string         `json:"capability" yaml:"capability"`
	Input      map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Timeout    string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries    int            `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelay string         `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Condition  string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	// InputMapping binds input keys to paths over {variables, steps, trigger}.
	InputMapping map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	// OutputMapping binds run variables to paths over this step's output.
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	Parallel      bool              `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	ParallelGroup string            `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
}

// Concurrent reports whether the step is tagged to run alongside other ready steps.
func (s *Step) Concurrent() bool {
	return s.Parallel || s.ParallelGroup != ""
}

// TimeoutDuration parses Timeout; zero means unbounded.
func (s *Step) TimeoutDuration() (time.Duration, error) {
	return ParseDuration(s.Timeout)
}

// RetryDelayDuration parses RetryDelay; zero means retry immediately.
func (s *Step) RetryDelayDuration() (time.Duration, error) {
	return ParseDuration(s.RetryDelay)
}

// ConditionLanguage selects the engine used for a workflow-level condition.
type ConditionLanguage string

const (
	ConditionLanguageCEL  ConditionLanguage = "cel"
	ConditionLanguageExpr ConditionLanguage = "expr"
)

// Condition is a workflow-level precondition checked before an execution starts.
type Condition struct {
	Expression  string            `json:"expression" yaml:"expression"`
	Language    ConditionLanguage `json:"language,omitempty" yaml:"language,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// ErrorStrategy is the workflow-level reaction to a step's final failure.
type ErrorStrategy string

const (
	StrategyStop     ErrorStrategy = "stop"
	StrategyContinue ErrorStrategy = "continue"
	StrategyRetry    ErrorStrategy = "retry"
	StrategyFallback ErrorStrategy = "fallback"
)

// DefaultMaxRetryDelay caps retry backoff when the policy sets no cap.
const DefaultMaxRetryDelay = 5 * time.Minute

// ErrorHandlingPolicy composes with step-local retries: it applies only once
// a step's own retries are exhausted.
type ErrorHandlingPolicy struct {
	Strategy       ErrorStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelay     string        `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	MaxRetryDelay  string        `json:"max_retry_delay,omitempty" yaml:"max_retry_delay,omitempty"`
	FallbackStepID string        `json:"fallback_step_id,omitempty" yaml:"fallback_step_id,omitempty"`
	Notify         bool          `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// EffectiveStrategy returns the strategy, defaulting to stop.
func (p ErrorHandlingPolicy) EffectiveStrategy() ErrorStrategy {
	if p.Strategy == "" {
		return StrategyStop
	}
	return p.Strategy
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Capabilities returns the distinct capability names used by the definition.
func (d *WorkflowDefinition) Capabilities() []string {
	seen := make(map[string]bool, len(d.Steps))
	var out []string
	for _, s := range d.Steps {
		if s.Capability == "" || seen[s.Capability] {
			continue
		}
		seen[s.Capability] = true
		out = append(out, s.Capability)
	}
	return out
}

// Clone returns a deep copy of the definition.
func (d *WorkflowDefinition) Clone() (*WorkflowDefinition, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone definition: %w", err)
	}
	var out WorkflowDefinition
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone definition: %w", err)
	}
	return &out, nil
}

// ParseDuration parses a Go duration string; the empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
