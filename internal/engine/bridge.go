package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/taskflow/internal/capability"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/pkg/schema"
)

// Bridge invokes the capability behind one step. It enforces the step's
// timeout on every attempt and its own retries/retry_delay before the
// workflow-level error policy ever sees a failure.
type Bridge struct {
	capabilities capability.Lookup
	logger       *slog.Logger
}

// NewBridge creates a Bridge resolving capabilities from lookup.
func NewBridge(lookup capability.Lookup, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{capabilities: lookup, logger: logger}
}

// Execute runs step with the given concrete input. It returns the output of
// the first successful attempt, or the error of the last one, together with
// a record of every attempt made. Errors are always *schema.TaskflowError.
func (b *Bridge) Execute(ctx context.Context, step *schema.Step, input map[string]any, call capability.CallContext) (map[string]any, []schema.Attempt, error) {
	c, err := b.capabilities.Get(step.Capability)
	if err != nil {
		return nil, nil, schema.AsTaskflowError(err, schema.ErrCodeCapabilityNotFound).WithStep(step.ID)
	}

	timeout, err := step.TimeoutDuration()
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", step.Timeout).WithStep(step.ID)
	}
	delay, err := step.RetryDelayDuration()
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid retry_delay %q", step.RetryDelay).WithStep(step.ID)
	}

	log := logging.LogWith(ctx, b.logger)
	maxAttempts := 1 + max(step.Retries, 0)
	attempts := make([]schema.Attempt, 0, maxAttempts)

	var lastErr *schema.TaskflowError
	for n := 1; n <= maxAttempts; n++ {
		call.Attempt = n
		started := time.Now().UTC()
		out, callErr := b.attempt(ctx, c, step, timeout, input, call)
		rec := schema.Attempt{Number: n, StartedAt: started, EndedAt: time.Now().UTC()}
		if callErr == nil {
			attempts = append(attempts, rec)
			if out == nil {
				out = map[string]any{}
			}
			return out, attempts, nil
		}

		lastErr = callErr
		rec.Error = callErr.Error()
		attempts = append(attempts, rec)

		if ctx.Err() != nil || n == maxAttempts || !IsRetryableError(callErr) {
			break
		}

		log.Debug("retrying step attempt",
			slog.String("capability", step.Capability),
			slog.Int("attempt", n),
			slog.Duration("delay", delay),
			slog.String("error", callErr.Error()),
		)
		if err := WaitForBackoff(ctx, delay); err != nil {
			break
		}
	}

	return nil, attempts, lastErr
}

// attempt performs one bounded call into the capability.
func (b *Bridge) attempt(ctx context.Context, c capability.Capability, step *schema.Step, timeout time.Duration, input map[string]any, call capability.CallContext) (map[string]any, *schema.TaskflowError) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := c.Execute(callCtx, input, call)
	if err == nil {
		if ctx.Err() != nil {
			return nil, cancelledError(ctx).WithStep(step.ID)
		}
		return out, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, cancelledError(ctx).WithStep(step.ID).WithCause(err)
	case timeout > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, schema.NewStepTimeoutError(step.ID, timeout).WithCause(err)
	default:
		return nil, schema.AsTaskflowError(err, schema.ErrCodeStepExecution).WithStep(step.ID)
	}
}

func cancelledError(ctx context.Context) *schema.TaskflowError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded")
	}
	return schema.NewError(schema.ErrCodeCancelled, "step cancelled")
}
