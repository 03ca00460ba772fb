package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

// --- Execution transitions ---

func TestFSM_ExecutionLifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Execution(ctx, "exec-1", "wf-1", "", schema.ExecutionStatusRunning, nil))
	require.NoError(t, fsm.Execution(ctx, "exec-1", "wf-1", schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted,
		map[string]any{"steps_completed": 3}))

	events := app.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[1].Type)
	assert.Equal(t, "exec-1", events[1].ExecutionID)
	assert.JSONEq(t, `{"steps_completed":3}`, string(events[1].Payload))
	assert.Nil(t, events[0].Payload)
}

func TestFSM_ExecutionTerminalEvents(t *testing.T) {
	tests := []struct {
		to    schema.ExecutionStatus
		event string
	}{
		{schema.ExecutionStatusFailed, schema.EventExecutionFailed},
		{schema.ExecutionStatusCancelled, schema.EventExecutionCancelled},
		{schema.ExecutionStatusTimeout, schema.EventExecutionTimedOut},
	}
	for _, tt := range tests {
		t.Run(string(tt.to), func(t *testing.T) {
			app := &mockAppender{}
			require.NoError(t, NewFSM(app).Execution(context.Background(), "e", "w", schema.ExecutionStatusRunning, tt.to, nil))
			assert.Equal(t, tt.event, app.Events()[0].Type)
		})
	}
}

func TestFSM_TerminalExecutionRejectsTransitions(t *testing.T) {
	fsm := NewFSM(&mockAppender{})
	ctx := context.Background()

	for _, from := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled, schema.ExecutionStatusTimeout,
	} {
		err := fsm.Execution(ctx, "e", "w", from, schema.ExecutionStatusRunning, nil)
		require.Error(t, err, from)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	}

	err := fsm.Execution(ctx, "e", "w", "", schema.ExecutionStatusCompleted, nil)
	var te *schema.TaskflowError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Message, "(new)")
}

// --- Step transitions ---

func TestFSM_StepTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Step(ctx, "e", "w", "a", schema.StepStatusPending, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Step(ctx, "e", "w", "a", schema.StepStatusRunning, schema.StepStatusPending, nil))
	require.NoError(t, fsm.Step(ctx, "e", "w", "a", schema.StepStatusPending, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Step(ctx, "e", "w", "a", schema.StepStatusRunning, schema.StepStatusCompleted, nil))
	require.NoError(t, fsm.Step(ctx, "e", "w", "b", schema.StepStatusPending, schema.StepStatusSkipped,
		map[string]any{"reason": schema.SkipConditionFalse}))

	var types []string
	for _, e := range app.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		schema.EventStepStarted, schema.EventStepRetrying, schema.EventStepStarted,
		schema.EventStepCompleted, schema.EventStepSkipped,
	}, types)
}

func TestFSM_InvalidStepTransition(t *testing.T) {
	fsm := NewFSM(&mockAppender{})
	require.NoError(t, fsm.Step(context.Background(), "e", "w", "b", schema.StepStatusPending, schema.StepStatusFailed, nil))

	err := fsm.Step(context.Background(), "e", "w", "a", schema.StepStatusPending, schema.StepStatusCompleted, nil)
	var te *schema.TaskflowError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, schema.ErrCodeInvalidTransition, te.Code)
	assert.Equal(t, "a", te.StepID)

	for _, from := range []schema.StepStatus{schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped} {
		assert.Error(t, fsm.Step(context.Background(), "e", "w", "a", from, schema.StepStatusRunning, nil))
	}
}

func TestFSM_AppendFailure(t *testing.T) {
	fsm := NewFSM(&failAppender{})
	err := fsm.Step(context.Background(), "e", "w", "a", schema.StepStatusPending, schema.StepStatusRunning, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestFSM_HooksAndRecord(t *testing.T) {
	app := &mockAppender{}
	fsm := NewFSM(app)

	var mu sync.Mutex
	var seen []Transition
	fsm.OnTransition(func(_ context.Context, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	})

	ctx := context.Background()
	require.NoError(t, fsm.Step(ctx, "e", "w", "a", schema.StepStatusPending, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Record(ctx, "e", "w", "a", schema.EventVariableSet, map[string]any{"name": "sha"}))

	require.Len(t, seen, 2)
	assert.Equal(t, "pending", seen[0].From)
	assert.Equal(t, "running", seen[0].To)
	assert.Equal(t, schema.EventVariableSet, seen[1].EventType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(app.Events()[1].Payload, &payload))
	assert.Equal(t, "sha", payload["name"])
}

func TestFSM_ConcurrentTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewFSM(app)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fsm.Step(ctx, "e", "w", "a", schema.StepStatusPending, schema.StepStatusRunning, nil))
		}()
	}
	wg.Wait()
	assert.Len(t, app.Events(), 50)
}

func TestTransitionTables_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.ExecutionStatus{
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled, schema.ExecutionStatusTimeout,
	} {
		_, ok := ValidExecutionTransitions[s]
		assert.True(t, ok, "missing execution status %s", s)
	}
	for _, s := range []schema.StepStatus{
		schema.StepStatusPending, schema.StepStatusRunning, schema.StepStatusCompleted,
		schema.StepStatusFailed, schema.StepStatusSkipped,
	} {
		_, ok := ValidStepTransitions[s]
		assert.True(t, ok, "missing step status %s", s)
	}
}
