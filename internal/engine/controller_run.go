package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/rendis/taskflow/internal/capability"
	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/pkg/schema"
)

type outcomeKind int

const (
	outcomeStep outcomeKind = iota
	outcomeRetryDue
)

// stepOutcome is sent by step and retry-timer goroutines to the run loop.
type stepOutcome struct {
	kind     outcomeKind
	stepID   string
	fallback bool
	output   map[string]any
	attempts []schema.Attempt
	err      *schema.TaskflowError
}

// run is the state of one execution. Every field is owned by the loop
// goroutine except done, which is closed when the loop exits.
type run struct {
	c       *Controller
	ctx     context.Context
	exec    *schema.WorkflowExecution
	def     *schema.WorkflowDefinition
	dag     *DAG
	tracker *Tracker
	limit   int
	log     *slog.Logger

	// baseCtx bounds the whole run (deadline, cancel); stepCtx additionally
	// ends when a stop or fallback decision halts normal steps.
	baseCtx       context.Context
	baseCancel    context.CancelCauseFunc
	timeoutCancel context.CancelFunc
	stepCtx       context.Context
	stepCancel    context.CancelFunc

	results chan stepOutcome
	done    chan struct{}

	executing      int
	exclusiveBusy  bool
	timers         int
	fallbackActive bool
	retryQueue     []string
	policyRetries  map[string]int

	halted       bool
	interrupted  schema.ExecutionStatus
	fallbackUsed bool
	failure      *schema.TaskflowError
	failedStepID string
}

func newRun(c *Controller, ctx context.Context, exec *schema.WorkflowExecution, dag *DAG, limit int, timeout time.Duration) *run {
	baseCtx, baseCancel := context.WithCancelCause(ctx)
	timeoutCancel := context.CancelFunc(func() {})
	if timeout > 0 {
		baseCtx, timeoutCancel = context.WithTimeoutCause(baseCtx, timeout, errRunDeadline)
	}
	stepCtx, stepCancel := context.WithCancel(baseCtx)

	return &run{
		c:             c,
		ctx:           ctx,
		exec:          exec,
		def:           exec.Definition,
		dag:           dag,
		tracker:       dag.NewTracker(),
		limit:         limit,
		log:           logging.LogWith(ctx, c.logger),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		timeoutCancel: timeoutCancel,
		stepCtx:       stepCtx,
		stepCancel:    stepCancel,
		results:       make(chan stepOutcome, len(dag.Steps)+1),
		done:          make(chan struct{}),
		policyRetries: make(map[string]int),
	}
}

// cancel may be called from any goroutine.
func (r *run) cancel(cause error) {
	r.baseCancel(cause)
}

func (r *run) inFlight() int {
	n := r.executing + r.timers
	if r.fallbackActive {
		n++
	}
	return n
}

func (r *run) loop() {
	defer r.c.wg.Done()

	interrupt := r.baseCtx.Done()
	r.dispatch()
	for r.inFlight() > 0 {
		select {
		case out := <-r.results:
			r.handle(out)
		case <-interrupt:
			interrupt = nil
			r.interrupt(context.Cause(r.baseCtx))
		}
		r.dispatch()
	}

	// A cancel that arrives after the last step settled still wins over completion.
	if r.interrupted == "" && !r.halted && r.baseCtx.Err() != nil {
		r.interrupt(context.Cause(r.baseCtx))
	}
	if r.interrupted == "" && !r.halted && !r.tracker.Done() {
		r.log.Error("execution stalled with steps left", slog.Any("steps", r.tracker.Undispatched()))
	}
	r.finish()

	r.stepCancel()
	r.timeoutCancel()
	r.baseCancel(nil)
	r.c.release(r)
	close(r.done)
}

// --- Dispatch ---

// dispatch starts every step that is ready and allowed by the concurrency
// rules. Skips and pre-dispatch failures can make further steps ready, so
// it loops until nothing changes.
func (r *run) dispatch() {
	for progress := true; progress && !r.halted && r.interrupted == ""; {
		progress = false

		for len(r.retryQueue) > 0 && r.canStart(r.dag.Steps[r.retryQueue[0]]) {
			id := r.retryQueue[0]
			r.retryQueue = r.retryQueue[1:]
			r.launch(id)
			progress = true
			if r.halted {
				return
			}
		}

		for _, id := range r.tracker.Ready() {
			if !r.canStart(r.dag.Steps[id]) {
				continue
			}
			r.tracker.MarkDispatched(id)
			r.launch(id)
			progress = true
			if r.halted {
				return
			}
		}
	}
}

func (r *run) canStart(step *schema.Step) bool {
	if r.executing >= r.limit {
		return false
	}
	return step.Concurrent() || !r.exclusiveBusy
}

// launch evaluates the guard of a dispatched step, builds its input and
// hands it to the bridge.
func (r *run) launch(id string) {
	step := r.dag.Steps[id]
	res := r.result(id)

	scope, err := expressions.BuildScope(r.exec.Variables, r.exec.StepResults, r.exec.Trigger, nil)
	if err != nil {
		r.stepFailed(id, schema.AsTaskflowError(err, schema.ErrCodeMapping).WithStep(id))
		return
	}

	if step.Condition != "" {
		ok, err := r.c.guard.Evaluate(r.ctx, step.Condition, scope)
		if err != nil {
			r.stepFailed(id, schema.AsTaskflowError(err, schema.ErrCodeCondition).WithStep(id))
			return
		}
		if !ok {
			r.skip(id, schema.SkipConditionFalse)
			return
		}
	}

	input, err := r.c.mapper.BuildInput(r.ctx, step, scope)
	if err != nil {
		r.stepFailed(id, schema.AsTaskflowError(err, schema.ErrCodeMapping).WithStep(id))
		return
	}

	now := time.Now().UTC()
	from := res.Status
	res.Status = schema.StepStatusRunning
	res.StartedAt = &now
	res.EndedAt = nil
	res.Input = input
	r.stepTransition(id, from, schema.StepStatusRunning, map[string]any{"capability": step.Capability})
	r.persist()

	r.executing++
	if !step.Concurrent() {
		r.exclusiveBusy = true
	}
	r.call(step, input, r.stepCtx, nil, false)
}

// call runs step through the worker pool and the bridge on its own goroutine.
func (r *run) call(step *schema.Step, input map[string]any, ctx context.Context, failure *schema.TaskflowError, fallback bool) {
	if !slices.Contains(r.exec.Capabilities, step.Capability) {
		r.exec.Capabilities = append(r.exec.Capabilities, step.Capability)
	}

	callInput, _ := expressions.NormalizeMap(input)
	call := capability.CallContext{
		ExecutionID:  r.exec.ID,
		WorkflowID:   r.exec.WorkflowID,
		StepID:       step.ID,
		Variables:    cloneMap(r.exec.Variables),
		PriorOutputs: r.priorOutputs(),
		Failure:      failure,
	}
	stepCtx := logging.WithStepID(ctx, step.ID)

	go func() {
		var (
			output   map[string]any
			attempts []schema.Attempt
			callErr  error
		)
		poolErr := r.c.pool.Run(stepCtx, func(ctx context.Context) error {
			output, attempts, callErr = r.c.bridge.Execute(ctx, step, callInput, call)
			return callErr
		})

		out := stepOutcome{kind: outcomeStep, stepID: step.ID, fallback: fallback, output: output, attempts: attempts}
		switch {
		case callErr != nil:
			out.err = schema.AsTaskflowError(callErr, schema.ErrCodeStepExecution).WithStep(step.ID)
		case poolErr != nil && stepCtx.Err() != nil:
			out.err = cancelledError(stepCtx).WithStep(step.ID)
		case poolErr != nil:
			out.err = schema.AsTaskflowError(poolErr, schema.ErrCodeStepExecution).WithStep(step.ID)
		}
		r.results <- out
	}()
}

// --- Outcomes ---

func (r *run) handle(out stepOutcome) {
	if out.kind == outcomeRetryDue {
		r.timers--
		if out.err != nil || r.halted || r.interrupted != "" {
			res := r.result(out.stepID)
			r.finalizeFailure(out.stepID, res.Status, res.Error)
			return
		}
		r.retryQueue = append(r.retryQueue, out.stepID)
		return
	}

	step := r.stepDef(out.stepID)
	res := r.result(out.stepID)
	res.Attempts = append(res.Attempts, out.attempts...)
	res.RetryCount += max(len(out.attempts)-1, 0)

	if out.fallback {
		r.fallbackActive = false
	} else {
		r.executing--
		if !step.Concurrent() {
			r.exclusiveBusy = false
		}
	}

	if out.err == nil {
		bindings, err := r.c.mapper.ApplyOutput(r.ctx, step, out.output)
		if err != nil {
			out.err = schema.AsTaskflowError(err, schema.ErrCodeMapping).WithStep(out.stepID)
		} else {
			r.complete(out.stepID, out.output, bindings)
			return
		}
	}

	switch {
	case out.fallback:
		// The fallback's own failure is recorded but never handled by policy.
		r.finalizeFailure(out.stepID, schema.StepStatusRunning, out.err)
	case r.halted || r.interrupted != "":
		r.finalizeFailure(out.stepID, schema.StepStatusRunning, out.err)
	default:
		r.stepFailed(out.stepID, out.err)
	}
}

func (r *run) complete(id string, output map[string]any, bindings map[string]any) {
	res := r.result(id)
	now := time.Now().UTC()
	res.Status = schema.StepStatusCompleted
	res.EndedAt = &now
	res.Output = output
	res.Error = nil
	r.stepTransition(id, schema.StepStatusRunning, schema.StepStatusCompleted,
		map[string]any{"duration_ms": now.Sub(*res.StartedAt).Milliseconds(), "retry_count": res.RetryCount})

	for _, name := range slices.Sorted(maps.Keys(bindings)) {
		r.exec.Variables[name] = bindings[name]
		r.record(id, schema.EventVariableSet, map[string]any{"name": name, "value": bindings[name]})
	}

	if !res.Fallback {
		r.tracker.MarkCompleted(id)
	}
	r.persist()
	r.log.Debug("step completed", slog.String("step_id", id))
}

// stepFailed applies the workflow error policy to a step's final failure.
func (r *run) stepFailed(id string, stepErr *schema.TaskflowError) {
	res := r.result(id)
	policy := r.def.ErrorHandling
	decision := ResolvePolicy(policy, r.policyRetries[id], r.fallbackUsed, stepErr)
	r.record(id, schema.EventPolicyApplied, decision.Payload(policy.EffectiveStrategy(), stepErr))

	r.log.Warn("step failed",
		slog.String("step_id", id),
		slog.String("code", stepErr.Code),
		slog.String("error", stepErr.Message),
		slog.String("action", string(decision.Action)),
	)

	if decision.Action == ActionRetry {
		r.policyRetries[id]++
		res.RetryCount++
		res.Error = stepErr
		payload := map[string]any{"attempt": decision.Attempt, "delay_ms": decision.Delay.Milliseconds(), "error": stepErr.Message}
		if res.Status == schema.StepStatusRunning {
			res.Status = schema.StepStatusPending
			r.stepTransition(id, schema.StepStatusRunning, schema.StepStatusPending, payload)
		} else {
			r.record(id, schema.EventStepRetrying, payload)
		}
		r.persist()
		r.scheduleRetry(id, decision.Delay)
		return
	}

	r.finalizeFailure(id, res.Status, stepErr)
	if r.failure == nil {
		r.failure = stepErr
		r.failedStepID = id
	}

	switch decision.Action {
	case ActionContinue:
		for _, blocked := range r.tracker.MarkFailed(id) {
			r.skip(blocked, schema.SkipDependencyFailed)
		}
	case ActionFallback:
		r.tracker.MarkFailed(id)
		r.halt()
		r.startFallback(decision.FallbackStepID, id, stepErr)
	default:
		r.tracker.MarkFailed(id)
		r.halt()
	}
}

// finalizeFailure records a terminal failed state without consulting policy.
func (r *run) finalizeFailure(id string, from schema.StepStatus, stepErr *schema.TaskflowError) {
	res := r.result(id)
	now := time.Now().UTC()
	res.Status = schema.StepStatusFailed
	res.EndedAt = &now
	res.Error = stepErr
	payload := map[string]any{"retry_count": res.RetryCount}
	if stepErr != nil {
		payload["error"] = map[string]any{"code": stepErr.Code, "message": stepErr.Message}
	}
	r.stepTransition(id, from, schema.StepStatusFailed, payload)
	r.persist()
}

func (r *run) skip(id, reason string) {
	res := r.result(id)
	now := time.Now().UTC()
	res.Status = schema.StepStatusSkipped
	res.SkipReason = reason
	res.EndedAt = &now
	r.stepTransition(id, schema.StepStatusPending, schema.StepStatusSkipped, map[string]any{"reason": reason})
	if reason == schema.SkipConditionFalse {
		r.tracker.MarkSkipped(id)
	}
	r.persist()
	r.log.Debug("step skipped", slog.String("step_id", id), slog.String("reason", reason))
}

func (r *run) scheduleRetry(id string, delay time.Duration) {
	r.timers++
	ctx := r.stepCtx
	go func() {
		out := stepOutcome{kind: outcomeRetryDue, stepID: id}
		if err := WaitForBackoff(ctx, delay); err != nil {
			out.err = cancelledError(ctx).WithStep(id)
		}
		r.results <- out
	}()
}

// startFallback dispatches the fallback step once, outside the graph, with
// the failure available to its mappings and its capability.
func (r *run) startFallback(fallbackID, failedID string, stepErr *schema.TaskflowError) {
	r.fallbackUsed = true
	step := r.dag.Fallback
	if step == nil || step.ID != fallbackID {
		step = r.def.StepByID(fallbackID)
	}
	if step == nil {
		r.log.Error("fallback step not found", slog.String("fallback_step_id", fallbackID))
		return
	}

	failure := map[string]any{"step_id": failedID, "code": stepErr.Code, "message": stepErr.Message}
	r.record(failedID, schema.EventStepFallback, map[string]any{"failed_step_id": failedID, "fallback_step_id": step.ID})

	res := r.result(step.ID)
	res.Fallback = true

	scope, err := expressions.BuildScope(r.exec.Variables, r.exec.StepResults, r.exec.Trigger, failure)
	var input map[string]any
	if err == nil {
		input, err = r.c.mapper.BuildInput(r.ctx, step, scope)
	}
	if err != nil {
		r.finalizeFailure(step.ID, schema.StepStatusPending, schema.AsTaskflowError(err, schema.ErrCodeMapping).WithStep(step.ID))
		return
	}

	now := time.Now().UTC()
	res.Status = schema.StepStatusRunning
	res.StartedAt = &now
	res.Input = input
	r.stepTransition(step.ID, schema.StepStatusPending, schema.StepStatusRunning,
		map[string]any{"capability": step.Capability, "fallback": true})
	r.persist()

	r.fallbackActive = true
	r.call(step, input, r.baseCtx, stepErr, true)
}

// halt stops normal dispatch and cancels in-flight normal steps.
func (r *run) halt() {
	r.halted = true
	r.retryQueue = nil
	r.stepCancel()
}

// interrupt handles cancellation and the run deadline.
func (r *run) interrupt(cause error) {
	status := schema.ExecutionStatusCancelled
	if errors.Is(cause, errRunDeadline) || errors.Is(cause, context.DeadlineExceeded) {
		status = schema.ExecutionStatusTimeout
	}
	r.record("", schema.EventCancelRequest, map[string]any{"reason": causeText(cause)})
	if !r.halted {
		r.interrupted = status
	}
	r.retryQueue = nil
	r.stepCancel()
	r.log.Info("execution interrupted", slog.String("status", string(status)))
}

// --- Termination ---

func (r *run) finish() {
	exec := r.exec
	var completed, failed, skipped int
	for _, res := range exec.StepResults {
		switch res.Status {
		case schema.StepStatusCompleted:
			if !res.Fallback {
				completed++
			}
		case schema.StepStatusFailed:
			failed++
		case schema.StepStatusSkipped:
			skipped++
		}
	}
	exec.StepsCompleted = completed
	exec.StepsFailed = failed
	exec.StepsSkipped = skipped

	switch {
	case r.interrupted == schema.ExecutionStatusTimeout:
		exec.Status = schema.ExecutionStatusTimeout
		exec.Error = schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded")
	case r.interrupted == schema.ExecutionStatusCancelled:
		exec.Status = schema.ExecutionStatusCancelled
		exec.Error = schema.NewErrorf(schema.ErrCodeCancelled, "execution cancelled: %s", causeText(context.Cause(r.baseCtx)))
	case r.halted:
		exec.Status = schema.ExecutionStatusFailed
	case failed == 0 || completed > 0:
		exec.Status = schema.ExecutionStatusCompleted
	default:
		exec.Status = schema.ExecutionStatusFailed
	}
	if exec.Status == schema.ExecutionStatusFailed {
		exec.FailedStepID = r.failedStepID
		if r.failure != nil {
			exec.Error = r.failure
		}
	}

	now := time.Now().UTC()
	exec.EndedAt = &now

	payload := map[string]any{
		"steps_completed": completed,
		"steps_failed":    failed,
		"steps_skipped":   skipped,
		"duration_ms":     exec.Duration().Milliseconds(),
	}
	if exec.FailedStepID != "" {
		payload["failed_step_id"] = exec.FailedStepID
	}
	notStarted := r.tracker.Undispatched()
	if len(notStarted) > 0 {
		payload["steps_not_started"] = notStarted
	}
	if err := r.c.fsm.Execution(r.ctx, exec.ID, exec.WorkflowID, schema.ExecutionStatusRunning, exec.Status, payload); err != nil {
		r.log.Error("record terminal status", slog.String("error", err.Error()))
	}
	r.persist()

	if r.def.ErrorHandling.Notify {
		r.record("", schema.EventWorkflowNotify, map[string]any{"status": string(exec.Status), "failed_step_id": exec.FailedStepID})
		if exec.Status != schema.ExecutionStatusCompleted {
			r.log.Warn("workflow did not complete", slog.String("status", string(exec.Status)), slog.String("failed_step_id", exec.FailedStepID))
		}
	}

	r.log.Info("execution finished",
		slog.String("status", string(exec.Status)),
		slog.Int("steps_completed", completed),
		slog.Int("steps_failed", failed),
		slog.Int("steps_skipped", skipped),
		slog.Int("steps_not_started", len(notStarted)),
	)

	if r.c.config.OnFinish != nil {
		r.c.config.OnFinish(exec)
	}
}

// --- Helpers ---

func (r *run) result(id string) *schema.StepResult {
	res, ok := r.exec.StepResults[id]
	if !ok {
		res = &schema.StepResult{StepID: id, Status: schema.StepStatusPending}
		r.exec.StepResults[id] = res
	}
	return res
}

func (r *run) stepDef(id string) *schema.Step {
	if s, ok := r.dag.Steps[id]; ok {
		return s
	}
	return r.def.StepByID(id)
}

func (r *run) priorOutputs() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for id, res := range r.exec.StepResults {
		if res.Status == schema.StepStatusCompleted {
			out[id] = cloneMap(res.Output)
		}
	}
	return out
}

func (r *run) stepTransition(id string, from, to schema.StepStatus, payload map[string]any) {
	if err := r.c.fsm.Step(r.ctx, r.exec.ID, r.exec.WorkflowID, id, from, to, payload); err != nil {
		r.log.Error("record step transition", slog.String("step_id", id), slog.String("error", err.Error()))
	}
}

func (r *run) record(stepID, eventType string, payload map[string]any) {
	if err := r.c.fsm.Record(r.ctx, r.exec.ID, r.exec.WorkflowID, stepID, eventType, payload); err != nil {
		r.log.Error("record event", slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

func (r *run) persist() {
	if err := r.c.store.SaveExecution(r.ctx, r.exec); err != nil {
		r.log.Error("persist execution", slog.String("error", err.Error()))
	}
}

func cloneMap(m map[string]any) map[string]any {
	out, err := expressions.NormalizeMap(m)
	if err != nil {
		return maps.Clone(m)
	}
	return out
}

func causeText(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, errRunDeadline), errors.Is(err, context.DeadlineExceeded):
		return "run deadline exceeded"
	default:
		return fmt.Sprint(err)
	}
}
