package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/capability"
	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultPoolSize is the default process-wide cap on in-flight step calls.
const DefaultPoolSize = 16

// DefaultStepsPerExecution is the default per-execution in-flight cap.
const DefaultStepsPerExecution = 4

var (
	errCancelRequested = errors.New("cancel requested")
	errShutdown        = errors.New("controller shut down")
	errRunDeadline     = errors.New("run deadline exceeded")
)

// ControllerConfig holds configuration for the controller.
type ControllerConfig struct {
	// Pool bounds step calls across all executions; nil creates one of DefaultPoolSize.
	Pool *WorkerPool
	// MaxStepsPerExecution is used when a definition sets no max_concurrency.
	MaxStepsPerExecution int
	// DefaultRunTimeout is used when a definition sets no timeout; 0 disables it.
	DefaultRunTimeout time.Duration
	// Hub receives every history entry as a stream event (optional).
	Hub streaming.EventHub
	// OnFinish is called once per execution after its terminal state is persisted.
	OnFinish func(exec *schema.WorkflowExecution)
	Logger   *slog.Logger
}

// Controller drives workflow executions. Each execution is owned by one
// goroutine; the controller only tracks which executions are live.
type Controller struct {
	store  store.Store
	fsm    *FSM
	bridge *Bridge
	guard  *expressions.Guard
	mapper *expressions.Mapper
	pool   *WorkerPool
	config ControllerConfig
	logger *slog.Logger

	// mu guards runs and closed.
	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// NewController creates a Controller persisting to s and resolving step
// capabilities through caps.
func NewController(s store.Store, caps capability.Lookup, cfg ControllerConfig) (*Controller, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pool == nil {
		cfg.Pool = NewWorkerPool(DefaultPoolSize)
	}
	if cfg.MaxStepsPerExecution <= 0 {
		cfg.MaxStepsPerExecution = DefaultStepsPerExecution
	}
	guard, err := expressions.NewGuard()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		store:  s,
		fsm:    NewFSM(s),
		bridge: NewBridge(caps, cfg.Logger),
		guard:  guard,
		mapper: expressions.NewMapper(),
		pool:   cfg.Pool,
		config: cfg,
		logger: cfg.Logger.With(slog.String("component", "controller")),
		runs:   make(map[string]*run),
	}
	if cfg.Hub != nil {
		c.fsm.OnTransition(c.publish)
	}
	return c, nil
}

// Start records a running execution of def and drives it asynchronously.
// It returns once the execution is persisted. Workflow conditions are
// checked first; a false condition fails with PRECONDITION_FAILED and
// records nothing.
func (c *Controller) Start(ctx context.Context, def *schema.WorkflowDefinition, trigger schema.TriggerContext, vars map[string]any) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	snapshot, err := def.Clone()
	if err != nil {
		return "", schema.AsTaskflowError(err, schema.ErrCodeValidation)
	}
	dag, err := ParseDAG(snapshot)
	if err != nil {
		return "", err
	}
	variables, err := expressions.NormalizeMap(vars)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "variables are not JSON-compatible: %s", err.Error())
	}
	if trigger.FiredAt.IsZero() {
		trigger.FiredAt = time.Now().UTC()
	}

	if len(snapshot.Conditions) > 0 {
		scope, err := expressions.BuildScope(variables, nil, trigger, nil)
		if err != nil {
			return "", schema.AsTaskflowError(err, schema.ErrCodeValidation)
		}
		if err := c.guard.Preconditions(ctx, snapshot.Conditions, scope); err != nil {
			return "", err
		}
	}

	timeout := c.config.DefaultRunTimeout
	if snapshot.Timeout != "" {
		if timeout, err = schema.ParseDuration(snapshot.Timeout); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", snapshot.Timeout)
		}
	}
	limit := snapshot.MaxConcurrency
	if limit <= 0 {
		limit = c.config.MaxStepsPerExecution
	}

	exec := &schema.WorkflowExecution{
		ID:              uuid.New().String(),
		WorkflowID:      snapshot.ID,
		WorkflowVersion: snapshot.Version,
		Definition:      snapshot,
		Trigger:         trigger,
		Variables:       variables,
		StepResults:     make(map[string]*schema.StepResult),
		Status:          schema.ExecutionStatusRunning,
		StartedAt:       time.Now().UTC(),
		Capabilities:    []string{},
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", schema.NewError(schema.ErrCodeCancelled, "controller is shut down")
	}

	runCtx := logging.WithIDs(context.Background(), exec.ID, exec.WorkflowID)
	if err := c.store.SaveExecution(runCtx, exec); err != nil {
		return "", schema.AsTaskflowError(err, schema.ErrCodeStore)
	}
	if err := c.fsm.Execution(runCtx, exec.ID, exec.WorkflowID, "", schema.ExecutionStatusRunning,
		map[string]any{"trigger": trigger.AsMap()}); err != nil {
		return "", err
	}

	r := newRun(c, runCtx, exec, dag, limit, timeout)
	c.runs[exec.ID] = r
	c.wg.Add(1)
	go r.loop()

	logging.LogWith(runCtx, c.logger).Info("execution started",
		slog.String("trigger", string(trigger.Kind)),
		slog.Int("steps", len(dag.Steps)),
	)
	return exec.ID, nil
}

// Cancel requests cancellation of a running execution. Steps not yet
// started are never dispatched; in-flight steps see their context cancelled.
func (c *Controller) Cancel(ctx context.Context, executionID string) error {
	c.mu.Lock()
	r, ok := c.runs[executionID]
	c.mu.Unlock()
	if ok {
		r.cancel(errCancelRequested)
		return nil
	}

	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s is already %s", executionID, exec.Status).
		WithDetails(map[string]any{"execution_id": executionID, "status": string(exec.Status)})
}

// Status returns the last persisted state of an execution.
func (c *Controller) Status(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	return c.store.GetExecution(ctx, executionID)
}

// History returns the append-only history of an execution.
func (c *Controller) History(ctx context.Context, executionID string) ([]*store.Event, error) {
	if _, err := c.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return c.store.GetEvents(ctx, executionID, 0)
}

// List returns persisted executions matching filter.
func (c *Controller) List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	return c.store.ListExecutions(ctx, filter)
}

// Wait blocks until the execution is terminal or ctx ends, then returns
// its persisted state.
func (c *Controller) Wait(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	c.mu.Lock()
	r, ok := c.runs[executionID]
	c.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.GetExecution(ctx, executionID)
}

// ActiveCount returns the number of live executions of workflowID, or of
// all workflows when workflowID is empty.
func (c *Controller) ActiveCount(workflowID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if workflowID == "" {
		return len(c.runs)
	}
	n := 0
	for _, r := range c.runs {
		if r.exec.WorkflowID == workflowID {
			n++
		}
	}
	return n
}

// Shutdown stops accepting executions, cancels the live ones and waits for
// their loops to record a terminal state or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, r := range c.runs {
		r.cancel(errShutdown)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.pool.Shutdown()
	m := c.pool.Metrics()
	c.logger.Info("controller stopped",
		slog.Int64("steps_completed", m.Completed),
		slog.Int64("steps_failed", m.Failed),
		slog.Int64("step_panics", m.Panics),
	)
	return nil
}

// PoolMetrics returns a snapshot of the shared worker pool counters.
func (c *Controller) PoolMetrics() PoolMetrics {
	return c.pool.Metrics()
}

func (c *Controller) release(r *run) {
	c.mu.Lock()
	delete(c.runs, r.exec.ID)
	c.mu.Unlock()
}

// publish forwards a history entry to the event hub.
func (c *Controller) publish(ctx context.Context, t Transition) {
	err := c.config.Hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ExecutionID: t.ExecutionID,
		WorkflowID:  t.WorkflowID,
		StepID:      t.StepID,
		EventType:   t.EventType,
		Payload:     t.Payload,
	})
	if err != nil {
		logging.LogWith(ctx, c.logger).Debug("publish failed", slog.String("error", err.Error()))
	}
}
