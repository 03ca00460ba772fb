package session

import (
	"context"
	"log/slog"

	"github.com/rendis/taskflow/internal/registry"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/internal/suggest"
	"github.com/rendis/taskflow/pkg/schema"
)

// --- Definitions ---

// CreateWorkflow validates and registers a definition.
func (s *Session) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	return s.registry.Create(ctx, def)
}

// UpdateWorkflow replaces a registered definition.
func (s *Session) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	return s.registry.Update(ctx, def)
}

// GetWorkflow returns a registered definition.
func (s *Session) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.registry.Get(ctx, id)
}

// ListWorkflows returns the registered definitions matching filter.
func (s *Session) ListWorkflows(ctx context.Context, filter registry.Filter) ([]*schema.WorkflowDefinition, error) {
	return s.registry.List(ctx, filter)
}

// DeleteWorkflow removes a definition; it fails while executions are live.
func (s *Session) DeleteWorkflow(ctx context.Context, id string) error {
	return s.registry.Delete(ctx, id)
}

// --- Executions ---

// StartExecution starts a manual run of a registered workflow and returns
// its execution id without waiting for it.
func (s *Session) StartExecution(ctx context.Context, workflowID string, vars map[string]any) (string, error) {
	return s.startRegistered(ctx, workflowID, schema.ManualTrigger(), vars)
}

// RunDefinition starts a run of a definition that is not registered. It is
// validated like a registration first.
func (s *Session) RunDefinition(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	def, err := def.Clone()
	if err != nil {
		return "", schema.AsTaskflowError(err, schema.ErrCodeValidation)
	}
	registry.ApplyDefaults(def)
	if err := s.validator.ValidateDefinition(def); err != nil {
		return "", err
	}
	return s.start(ctx, def, schema.ManualTrigger(), vars)
}

// startRegistered starts a registered workflow under the registry's read
// lock so a concurrent delete sees the new run or happens before it.
func (s *Session) startRegistered(ctx context.Context, workflowID string, trig schema.TriggerContext, vars map[string]any) (string, error) {
	var id string
	err := s.registry.Use(ctx, workflowID, func(def *schema.WorkflowDefinition) error {
		var err error
		id, err = s.start(ctx, def, trig, vars)
		return err
	})
	return id, err
}

func (s *Session) start(ctx context.Context, def *schema.WorkflowDefinition, trig schema.TriggerContext, vars map[string]any) (string, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	if err := s.validator.ValidateVariables(def, vars); err != nil {
		return "", err
	}
	return s.controller.Start(ctx, def, trig, vars)
}

// ExecutionStatus returns the last persisted state of an execution.
func (s *Session) ExecutionStatus(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	return s.controller.Status(ctx, executionID)
}

// ExecutionHistory returns the append-only history of an execution.
func (s *Session) ExecutionHistory(ctx context.Context, executionID string) ([]*store.Event, error) {
	return s.controller.History(ctx, executionID)
}

// ListExecutions returns executions matching filter, newest first.
func (s *Session) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	return s.controller.List(ctx, filter)
}

// CancelExecution requests cancellation of a running execution.
func (s *Session) CancelExecution(ctx context.Context, executionID string) error {
	return s.controller.Cancel(ctx, executionID)
}

// WaitExecution blocks until the execution is terminal or ctx ends.
func (s *Session) WaitExecution(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	return s.controller.Wait(ctx, executionID)
}

// --- Schedules ---

// RegisterSchedule adds a cron schedule for a registered workflow.
func (s *Session) RegisterSchedule(ctx context.Context, workflowID, cronExpr, timezone string) (*store.ScheduledJob, error) {
	if _, err := s.registry.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.scheduler.Register(ctx, workflowID, cronExpr, timezone)
}

// UnregisterSchedule removes a schedule.
func (s *Session) UnregisterSchedule(ctx context.Context, jobID string) error {
	return s.scheduler.Unregister(ctx, jobID)
}

// ListSchedules returns the schedules of workflowID, or all when empty.
func (s *Session) ListSchedules(ctx context.Context, workflowID string) ([]*store.ScheduledJob, error) {
	return s.scheduler.List(ctx, store.ScheduledJobFilter{WorkflowID: workflowID})
}

// --- Suggestions and streaming ---

// Suggest ranks registered workflows against c. It never starts anything.
func (s *Session) Suggest(ctx context.Context, c suggest.Context, limit int) ([]suggest.Suggestion, error) {
	return s.ranker.Suggest(ctx, c, limit)
}

// Subscribe streams execution events matching filter until cancel is called
// or ctx ends.
func (s *Session) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	return s.hub.Subscribe(ctx, filter)
}

// recordOutcome feeds terminal executions into learned metadata.
func (s *Session) recordOutcome(exec *schema.WorkflowExecution) {
	if err := s.registry.RecordOutcome(context.Background(), exec); err != nil {
		s.logger.Error("failed to record outcome",
			slog.String("execution_id", exec.ID),
			slog.String("workflow_id", exec.WorkflowID),
			slog.String("error", err.Error()),
		)
	}
}
