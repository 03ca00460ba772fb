package store

import (
	"context"

	"github.com/rendis/taskflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Executions (rewritten on every transition)
	SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)

	// History (append-only, sequenced per execution)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.TaskflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.TaskflowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}

func cloneExecution(exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	var c schema.WorkflowExecution
	if err := roundTrip(exec, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
