package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// Event is one append-only history record of an execution.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledJob binds a cron expression to a workflow definition.
// NextRunAt is the next tick the scheduler has not yet taken.
type ScheduledJob struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	CronExpression  string     `json:"cron_expression"`
	Timezone        string     `json:"timezone,omitempty"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Last run statuses recorded on scheduled jobs.
const (
	RunStatusStarted = "started"
	RunStatusFailed  = "failed"
	RunStatusMissed  = "missed"
)

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	Category    string             `json:"category,omitempty"`
	TriggerKind schema.TriggerKind `json:"trigger_kind,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Status     schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (j *ScheduledJob) clone() *ScheduledJob {
	c := *j
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}

func (u ScheduledJobUpdate) apply(j *ScheduledJob) {
	if u.Enabled != nil {
		j.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		t := *u.LastRunAt
		j.LastRunAt = &t
	}
	if u.NextRunAt != nil {
		t := *u.NextRunAt
		j.NextRunAt = &t
	}
	if u.LastRunStatus != "" {
		j.LastRunStatus = u.LastRunStatus
	}
	if u.LastExecutionID != "" {
		j.LastExecutionID = u.LastExecutionID
	}
}
