package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/capability"
	"github.com/rendis/taskflow/pkg/schema"
)

func newBridge(t *testing.T, caps ...capability.Capability) *Bridge {
	t.Helper()
	reg := capability.NewRegistry()
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}
	return NewBridge(reg, nil)
}

// flaky fails with a retryable error until it has been called n times.
func flaky(name string, n int32, calls *atomic.Int32) *capability.Func {
	return &capability.Func{ID: name, Fn: func(_ context.Context, input map[string]any, call capability.CallContext) (map[string]any, error) {
		if calls.Add(1) < n {
			return nil, schema.NewStepExecutionError(name, "transient", true)
		}
		return map[string]any{"attempt": call.Attempt}, nil
	}}
}

func TestBridge_Success(t *testing.T) {
	b := newBridge(t, &capability.Func{ID: "double", Fn: func(_ context.Context, input map[string]any, _ capability.CallContext) (map[string]any, error) {
		return map[string]any{"n": input["n"].(float64) * 2}, nil
	}})

	out, attempts, err := b.Execute(context.Background(), &schema.Step{ID: "s", Capability: "double"},
		map[string]any{"n": float64(21)}, capability.CallContext{StepID: "s"})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out["n"])
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Empty(t, attempts[0].Error)
}

func TestBridge_NilOutputBecomesEmpty(t *testing.T) {
	b := newBridge(t, &capability.Func{ID: "nothing", Fn: func(context.Context, map[string]any, capability.CallContext) (map[string]any, error) {
		return nil, nil
	}})
	out, _, err := b.Execute(context.Background(), &schema.Step{ID: "s", Capability: "nothing"}, nil, capability.CallContext{})
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestBridge_UnknownCapability(t *testing.T) {
	b := newBridge(t)
	_, attempts, err := b.Execute(context.Background(), &schema.Step{ID: "s", Capability: "ghost"}, nil, capability.CallContext{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCapabilityNotFound))
	assert.Empty(t, attempts)
}

func TestBridge_StepRetriesRetryableErrors(t *testing.T) {
	var calls atomic.Int32
	b := newBridge(t, flaky("flaky", 3, &calls))

	step := &schema.Step{ID: "s", Capability: "flaky", Retries: 2, RetryDelay: "1ms"}
	out, attempts, err := b.Execute(context.Background(), step, nil, capability.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, out["attempt"])
	require.Len(t, attempts, 3)
	assert.NotEmpty(t, attempts[0].Error)
	assert.NotEmpty(t, attempts[1].Error)
	assert.Empty(t, attempts[2].Error)
}

func TestBridge_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	b := newBridge(t, flaky("flaky", 10, &calls))

	step := &schema.Step{ID: "s", Capability: "flaky", Retries: 1}
	_, attempts, err := b.Execute(context.Background(), step, nil, capability.CallContext{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
	assert.Len(t, attempts, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBridge_NonRetryableStopsImmediately(t *testing.T) {
	reg := capability.NewRegistry()
	require.NoError(t, capability.RegisterBuiltins(reg))
	b := NewBridge(reg, nil)

	step := &schema.Step{ID: "s", Capability: "fail", Retries: 3}
	_, attempts, err := b.Execute(context.Background(), step, map[string]any{"message": "boom"}, capability.CallContext{})
	require.Error(t, err)
	assert.Len(t, attempts, 1)

	te := schema.AsTaskflowError(err, "")
	assert.Equal(t, "s", te.StepID)
	assert.Contains(t, te.Message, "boom")
}

func TestBridge_StepTimeout(t *testing.T) {
	reg := capability.NewRegistry()
	require.NoError(t, capability.RegisterBuiltins(reg))
	b := NewBridge(reg, nil)

	step := &schema.Step{ID: "s", Capability: "sleep", Timeout: "20ms"}
	start := time.Now()
	_, attempts, err := b.Execute(context.Background(), step, map[string]any{"duration": "5s"}, capability.CallContext{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepTimeout))
	assert.Len(t, attempts, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBridge_CancelledContext(t *testing.T) {
	reg := capability.NewRegistry()
	require.NoError(t, capability.RegisterBuiltins(reg))
	b := NewBridge(reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	step := &schema.Step{ID: "s", Capability: "sleep", Retries: 3}
	_, attempts, err := b.Execute(ctx, step, map[string]any{"duration": "5s"}, capability.CallContext{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.Len(t, attempts, 1, "a cancelled attempt is not retried")
}

func TestBridge_InvalidDurations(t *testing.T) {
	b := newBridge(t, &capability.Func{ID: "noop", Fn: func(context.Context, map[string]any, capability.CallContext) (map[string]any, error) {
		return nil, nil
	}})

	_, _, err := b.Execute(context.Background(), &schema.Step{ID: "s", Capability: "noop", Timeout: "soon"}, nil, capability.CallContext{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, _, err = b.Execute(context.Background(), &schema.Step{ID: "s", Capability: "noop", RetryDelay: "later"}, nil, capability.CallContext{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestBridge_PassesCallContext(t *testing.T) {
	var got capability.CallContext
	b := newBridge(t, &capability.Func{ID: "spy", Fn: func(_ context.Context, _ map[string]any, call capability.CallContext) (map[string]any, error) {
		got = call
		return nil, nil
	}})

	_, _, err := b.Execute(context.Background(), &schema.Step{ID: "s", Capability: "spy"}, nil,
		capability.CallContext{ExecutionID: "e1", WorkflowID: "wf", StepID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ExecutionID)
	assert.Equal(t, "wf", got.WorkflowID)
	assert.Equal(t, 1, got.Attempt)
}
