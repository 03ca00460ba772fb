package registry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

const (
	// DefaultVersion is assigned to definitions registered without one.
	DefaultVersion = "1.0.0"
	// OutcomeWindow is the number of recent runs learned metadata averages over.
	OutcomeWindow = 20
)

// Validator checks a definition before it is written.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ActivityCounter reports live executions of a workflow.
type ActivityCounter interface {
	ActiveCount(workflowID string) int
}

// Scheduler keeps the durable schedule of workflows with a schedule trigger.
type Scheduler interface {
	Register(ctx context.Context, workflowID, cronExpr, timezone string) (*store.ScheduledJob, error)
	UnregisterWorkflow(ctx context.Context, workflowID string) (int, error)
}

// Config wires the registry's collaborators. Validator, Active and
// Scheduler are optional.
type Config struct {
	Validator Validator
	Active    ActivityCounter
	Scheduler Scheduler
	Logger    *slog.Logger
}

// Filter narrows List results.
type Filter struct {
	Category    string             `json:"category,omitempty"`
	Tag         string             `json:"tag,omitempty"`
	TriggerKind schema.TriggerKind `json:"trigger_kind,omitempty"`
}

// Registry is the CRUD surface over workflow definitions. Reads may run
// concurrently; writes are serialized against reads and each other.
type Registry struct {
	mu        sync.RWMutex
	store     store.Store
	validator Validator
	active    ActivityCounter
	scheduler Scheduler
	logger    *slog.Logger
}

// New creates a Registry persisting definitions in s.
func New(s store.Store, cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		store:     s,
		validator: cfg.Validator,
		active:    cfg.Active,
		scheduler: cfg.Scheduler,
		logger:    cfg.Logger.With(slog.String("component", "registry")),
	}
}

// ApplyDefaults fills the id, name, version and trigger kind of def when
// unset. The name defaults to the id.
func ApplyDefaults(def *schema.WorkflowDefinition) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if def.Version == "" {
		def.Version = DefaultVersion
	}
	if def.Trigger.Kind == "" {
		def.Trigger.Kind = schema.TriggerManual
	}
}

// Create validates and stores a new definition and, for schedule triggers,
// registers its schedule. The stored copy is returned.
func (r *Registry) Create(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	def, err := def.Clone()
	if err != nil {
		return nil, schema.AsTaskflowError(err, schema.ErrCodeValidation)
	}
	ApplyDefaults(def)
	if err := r.validate(def); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	if err := r.registerSchedule(ctx, def); err != nil {
		if derr := r.store.DeleteDefinition(ctx, def.ID); derr != nil {
			r.logger.Error("failed to roll back definition", slog.String("workflow_id", def.ID), slog.String("error", derr.Error()))
		}
		return nil, err
	}

	r.logger.Info("workflow registered",
		slog.String("workflow_id", def.ID),
		slog.String("name", def.Name),
		slog.String("trigger", string(def.Trigger.Kind)),
		slog.Int("steps", len(def.Steps)),
	)
	return def, nil
}

// Update replaces a definition. Executions already running keep the snapshot
// they started with. Learned metadata and the creation time are preserved.
func (r *Registry) Update(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if def == nil || def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	def, err := def.Clone()
	if err != nil {
		return nil, schema.AsTaskflowError(err, schema.ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.store.GetDefinition(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if def.Version == "" {
		def.Version = current.Version
	}
	ApplyDefaults(def)
	if err := r.validate(def); err != nil {
		return nil, err
	}
	def.CreatedAt = current.CreatedAt
	def.UpdatedAt = time.Now().UTC()
	def.Metadata = current.Metadata

	if err := r.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}
	if current.Trigger.Kind == schema.TriggerSchedule {
		if err := r.unregisterSchedule(ctx, def.ID); err != nil {
			return nil, err
		}
	}
	if err := r.registerSchedule(ctx, def); err != nil {
		return nil, err
	}

	r.logger.Info("workflow updated", slog.String("workflow_id", def.ID), slog.String("version", def.Version))
	return def, nil
}

// Get returns a definition by id.
func (r *Registry) Get(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetDefinition(ctx, id)
}

// Use calls fn with the current definition of id while holding the read
// lock, so Delete cannot remove it until fn returns. Starting a run inside
// fn makes it visible to Delete's active check. fn must not call back into
// the registry.
func (r *Registry) Use(ctx context.Context, id string, fn func(def *schema.WorkflowDefinition) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, err := r.store.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	return fn(def)
}

// List returns the definitions matching filter, ordered by id.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defs, err := r.store.ListDefinitions(ctx, store.DefinitionFilter{
		Category:    filter.Category,
		TriggerKind: filter.TriggerKind,
	})
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if filter.Tag == "" {
		return defs, nil
	}
	out := defs[:0]
	for _, d := range defs {
		if slices.Contains(d.Tags, filter.Tag) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Delete removes a definition and its schedules. It fails with CONFLICT
// while executions of the workflow are still running.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		if n := r.active.ActiveCount(id); n > 0 {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s has %d active executions", id, n).
				WithDetails(map[string]any{"workflow_id": id, "active": n})
		}
	}
	if err := r.store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	if err := r.unregisterSchedule(ctx, id); err != nil {
		return err
	}

	r.logger.Info("workflow deleted", slog.String("workflow_id", id))
	return nil
}

// RecordOutcome folds a terminal execution into the learned metadata of its
// workflow: run_count, and success_rate and estimated_duration_ms averaged
// over the last OutcomeWindow terminal runs.
func (r *Registry) RecordOutcome(ctx context.Context, exec *schema.WorkflowExecution) error {
	if exec == nil || !exec.Status.IsTerminal() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := r.store.GetDefinition(ctx, exec.WorkflowID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil
		}
		return err
	}

	recent, err := r.recentOutcomes(ctx, exec)
	if err != nil {
		return err
	}

	var succeeded int
	var total time.Duration
	for _, e := range recent {
		if e.Status == schema.ExecutionStatusCompleted {
			succeeded++
		}
		total += e.Duration()
	}
	def.Metadata.RunCount++
	def.Metadata.SuccessRate = float64(succeeded) / float64(len(recent))
	def.Metadata.EstimatedDurationMs = (total / time.Duration(len(recent))).Milliseconds()

	return r.store.UpdateDefinition(ctx, def)
}

// recentOutcomes returns up to OutcomeWindow terminal executions of the
// workflow, newest first, always including exec.
func (r *Registry) recentOutcomes(ctx context.Context, exec *schema.WorkflowExecution) ([]*schema.WorkflowExecution, error) {
	execs, err := r.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: exec.WorkflowID, Limit: OutcomeWindow * 2})
	if err != nil {
		return nil, err
	}
	out := []*schema.WorkflowExecution{exec}
	for _, e := range execs {
		if len(out) == OutcomeWindow {
			break
		}
		if e.ID == exec.ID || !e.Status.IsTerminal() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Registry) validate(def *schema.WorkflowDefinition) error {
	if r.validator == nil {
		return nil
	}
	return r.validator.ValidateDefinition(def)
}

func (r *Registry) registerSchedule(ctx context.Context, def *schema.WorkflowDefinition) error {
	if r.scheduler == nil || def.Trigger.Kind != schema.TriggerSchedule || def.Trigger.Schedule == nil {
		return nil
	}
	_, err := r.scheduler.Register(ctx, def.ID, def.Trigger.Schedule.Cron, def.Trigger.Schedule.Timezone)
	return err
}

func (r *Registry) unregisterSchedule(ctx context.Context, workflowID string) error {
	if r.scheduler == nil {
		return nil
	}
	_, err := r.scheduler.UnregisterWorkflow(ctx, workflowID)
	return err
}
