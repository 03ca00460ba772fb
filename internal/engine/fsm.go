package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// EventAppender is satisfied by the Store; the FSM appends one history
// record per transition through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Transition describes one recorded history entry.
type Transition struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	From        string
	To          string
	EventType   string
	Payload     map[string]any
}

// TransitionHook is called after a transition has been appended to history.
type TransitionHook func(ctx context.Context, t Transition)

// FSM validates execution and step lifecycle transitions and records each
// one in the execution history.
type FSM struct {
	mu       sync.RWMutex
	appender EventAppender
	hooks    []TransitionHook
}

// NewFSM creates an FSM that emits events via the given appender.
func NewFSM(appender EventAppender) *FSM {
	return &FSM{appender: appender}
}

// OnTransition registers a hook called after every recorded transition.
func (f *FSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Execution validates and records an execution status change. An empty
// from starts a new execution.
func (f *FSM) Execution(ctx context.Context, executionID, workflowID string, from, to schema.ExecutionStatus, payload map[string]any) error {
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", displayStatus(string(from)), to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return f.record(ctx, Transition{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		From:        string(from),
		To:          string(to),
		EventType:   executionEventType(to),
		Payload:     payload,
	})
}

// Step validates and records a step status change.
func (f *FSM) Step(ctx context.Context, executionID, workflowID, stepID string, from, to schema.StepStatus, payload map[string]any) error {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return f.record(ctx, Transition{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StepID:      stepID,
		From:        string(from),
		To:          string(to),
		EventType:   stepEventType(from, to),
		Payload:     payload,
	})
}

// Record appends a history entry that is not a status change
// (variable bindings, policy decisions, notifications).
func (f *FSM) Record(ctx context.Context, executionID, workflowID, stepID, eventType string, payload map[string]any) error {
	return f.record(ctx, Transition{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StepID:      stepID,
		EventType:   eventType,
		Payload:     payload,
	})
}

func (f *FSM) record(ctx context.Context, t Transition) error {
	var raw json.RawMessage
	if len(t.Payload) > 0 {
		data, err := json.Marshal(t.Payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %v", t.EventType, err).WithCause(err)
		}
		raw = data
	}
	event := &store.Event{
		ExecutionID: t.ExecutionID,
		WorkflowID:  t.WorkflowID,
		StepID:      t.StepID,
		Type:        t.EventType,
		Payload:     raw,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.AsTaskflowError(err, schema.ErrCodeStore).WithStep(t.StepID)
	}

	f.mu.RLock()
	hooks := slices.Clone(f.hooks)
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, t)
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	return ok && slices.Contains(allowed, to)
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	return ok && slices.Contains(allowed, to)
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionStatusTimeout:
		return schema.EventExecutionTimedOut
	default:
		return ""
	}
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusPending:
		if from == schema.StepStatusRunning {
			return schema.EventStepRetrying
		}
	}
	return ""
}

func displayStatus(s string) string {
	if s == "" {
		return "(new)"
	}
	return s
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	"": {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled, schema.ExecutionStatusTimeout,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
	schema.ExecutionStatusTimeout:   {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// running -> pending is a policy-level retry; pending -> failed is a step
// that failed before reaching its capability.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusFailed},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusPending},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}
