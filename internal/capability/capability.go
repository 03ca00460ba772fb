package capability

import (
	"context"

	"github.com/rendis/taskflow/pkg/schema"
)

// Capability is an opaque, named unit of work a step delegates to.
// Implementations report failures as *schema.StepExecutionError so the
// bridge can honor their Retryable flag; any other error is classified by
// the engine.
type Capability interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input map[string]any, call CallContext) (map[string]any, error)
}

// CallContext is the read-only run state handed to a capability.
type CallContext struct {
	ExecutionID  string
	WorkflowID   string
	StepID       string
	Attempt      int
	Variables    map[string]any
	PriorOutputs map[string]map[string]any
	// Failure is set only when the step runs as a fallback.
	Failure *schema.TaskflowError
}

// Lookup resolves capabilities by name.
type Lookup interface {
	Get(name string) (Capability, error)
}

// Info is a summary of a registered capability for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function to the Capability interface.
type Func struct {
	ID   string
	Desc string
	Fn   func(ctx context.Context, input map[string]any, call CallContext) (map[string]any, error)
}

func (f *Func) Name() string        { return f.ID }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Execute(ctx context.Context, input map[string]any, call CallContext) (map[string]any, error) {
	return f.Fn(ctx, input, call)
}

var _ Capability = (*Func)(nil)
