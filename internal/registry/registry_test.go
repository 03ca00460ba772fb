package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/capability"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/validation"
	"github.com/rendis/taskflow/pkg/schema"
)

// activeCounter reports a fixed number of live executions per workflow.
type activeCounter map[string]int

func (a activeCounter) ActiveCount(workflowID string) int { return a[workflowID] }

type noRuns struct{}

func (noRuns) RunScheduled(context.Context, *store.ScheduledJob, time.Time) (string, error) {
	return "", nil
}

type fixture struct {
	reg    *Registry
	store  *store.MemoryStore
	sched  *scheduler.Scheduler
	active activeCounter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	caps := capability.NewRegistry()
	require.NoError(t, capability.RegisterBuiltins(caps))
	v, err := validation.NewWorkflowValidator(caps)
	require.NoError(t, err)

	ms := store.NewMemoryStore()
	f := &fixture{store: ms, active: activeCounter{}}
	f.sched = scheduler.New(ms, noRuns{}, scheduler.Config{})
	f.reg = New(ms, Config{Validator: v, Active: f.active, Scheduler: f.sched})
	return f
}

func def(id string, steps ...schema.Step) *schema.WorkflowDefinition {
	if len(steps) == 0 {
		steps = []schema.Step{{ID: "s1", Capability: "echo"}}
	}
	return &schema.WorkflowDefinition{ID: id, Name: "wf " + id, Steps: steps}
}

func scheduled(id, cron string) *schema.WorkflowDefinition {
	d := def(id)
	d.Trigger = schema.Trigger{Kind: schema.TriggerSchedule, Schedule: &schema.ScheduleTrigger{Cron: cron}}
	return d
}

func (f *fixture) jobs(t *testing.T, workflowID string) []*store.ScheduledJob {
	t.Helper()
	jobs, err := f.sched.List(context.Background(), store.ScheduledJobFilter{WorkflowID: workflowID})
	require.NoError(t, err)
	return jobs
}

func TestCreate_AppliesDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reg.Create(ctx, def(""))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, DefaultVersion, created.Version)
	assert.Equal(t, schema.TriggerManual, created.Trigger.Kind)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := f.reg.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
}

func TestCreate_NameDefaultsToID(t *testing.T) {
	f := newFixture(t)
	in := def("nameless")
	in.Name = ""

	got, err := f.reg.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "nameless", got.Name)

	anon := def("")
	anon.Name = ""
	got, err = f.reg.Create(context.Background(), anon)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, got.ID, got.Name)
}

func TestApplyDefaults(t *testing.T) {
	d := &schema.WorkflowDefinition{ID: "wf"}
	ApplyDefaults(d)
	assert.Equal(t, "wf", d.Name)
	assert.Equal(t, DefaultVersion, d.Version)
	assert.Equal(t, schema.TriggerManual, d.Trigger.Kind)

	d = &schema.WorkflowDefinition{ID: "wf", Name: "Nightly"}
	ApplyDefaults(d)
	assert.Equal(t, "Nightly", d.Name)
}

func TestCreate_DoesNotMutateInput(t *testing.T) {
	f := newFixture(t)
	in := def("")
	_, err := f.reg.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, in.ID)
	assert.Empty(t, in.Version)
}

func TestCreate_Rejected(t *testing.T) {
	cases := []struct {
		name string
		def  *schema.WorkflowDefinition
		code string
	}{
		{"nil", nil, schema.ErrCodeValidation},
		{"unknown capability", def("a", schema.Step{ID: "s1", Capability: "deploy"}), schema.ErrCodeValidation},
		{"cycle", def("b",
			schema.Step{ID: "x", Capability: "echo", DependsOn: []string{"y"}},
			schema.Step{ID: "y", Capability: "echo", DependsOn: []string{"x"}},
		), schema.ErrCodeDependencyCycle},
		{"bad cron", scheduled("c", "every day"), schema.ErrCodeScheduling},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.reg.Create(context.Background(), tc.def)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, tc.code), "got %v", err)

			defs, err := f.reg.List(context.Background(), Filter{})
			require.NoError(t, err)
			assert.Empty(t, defs, "nothing is stored")
		})
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Create(ctx, def("wf"))
	require.NoError(t, err)
	_, err = f.reg.Create(ctx, def("wf"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := def("a")
	a.Category = "ci"
	a.Tags = []string{"go", "test"}
	b := def("b")
	b.Category = "ops"
	b.Tags = []string{"deploy"}
	c := scheduled("c", "@daily")
	c.Category = "ci"
	for _, d := range []*schema.WorkflowDefinition{a, b, c} {
		_, err := f.reg.Create(ctx, d)
		require.NoError(t, err)
	}

	ids := func(filter Filter) []string {
		defs, err := f.reg.List(ctx, filter)
		require.NoError(t, err)
		var out []string
		for _, d := range defs {
			out = append(out, d.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(Filter{}))
	assert.Equal(t, []string{"a", "c"}, ids(Filter{Category: "ci"}))
	assert.Equal(t, []string{"b"}, ids(Filter{Tag: "deploy"}))
	assert.Equal(t, []string{"c"}, ids(Filter{TriggerKind: schema.TriggerSchedule}))
	assert.Empty(t, ids(Filter{Category: "ci", Tag: "deploy"}))
}

func TestUpdate_PreservesMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reg.Create(ctx, def("wf"))
	require.NoError(t, err)
	require.NoError(t, f.reg.RecordOutcome(ctx, finished("e1", "wf", schema.ExecutionStatusCompleted, time.Now())))

	next := def("wf", schema.Step{ID: "s1", Capability: "noop"})
	next.Version = "1.1.0"
	updated, err := f.reg.Update(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", updated.Version)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, 1, updated.Metadata.RunCount)
	assert.Equal(t, "noop", updated.Steps[0].Capability)

	_, err = f.reg.Update(ctx, def("ghost"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	invalid := def("wf", schema.Step{ID: "s1", Capability: "echo", DependsOn: []string{"s1"}})
	_, err = f.reg.Update(ctx, invalid)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDependencyCycle))
}

func TestDelete_ConflictWhileActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Create(ctx, def("wf"))
	require.NoError(t, err)

	f.active["wf"] = 2
	err = f.reg.Delete(ctx, "wf")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	_, err = f.reg.Get(ctx, "wf")
	require.NoError(t, err, "definition survives")

	f.active["wf"] = 0
	require.NoError(t, f.reg.Delete(ctx, "wf"))
	_, err = f.reg.Get(ctx, "wf")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(f.reg.Delete(ctx, "wf"), schema.ErrCodeNotFound))
}

// liveRuns is an ActivityCounter safe for concurrent use.
type liveRuns struct{ n atomic.Int32 }

func (l *liveRuns) ActiveCount(string) int { return int(l.n.Load()) }

func TestUse_HoldsDeleteUntilRunStarts(t *testing.T) {
	ms := store.NewMemoryStore()
	runs := &liveRuns{}
	reg := New(ms, Config{Active: runs})
	ctx := context.Background()

	_, err := reg.Create(ctx, def("wf"))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	used := make(chan error, 1)
	go func() {
		used <- reg.Use(ctx, "wf", func(d *schema.WorkflowDefinition) error {
			assert.Equal(t, "wf", d.ID)
			close(entered)
			<-release
			runs.n.Add(1)
			return nil
		})
	}()
	<-entered

	deleted := make(chan error, 1)
	go func() { deleted <- reg.Delete(ctx, "wf") }()

	select {
	case err := <-deleted:
		t.Fatalf("delete finished while the definition was in use: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-used)
	err = <-deleted
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)
}

func TestUse_Missing(t *testing.T) {
	f := newFixture(t)
	called := false
	err := f.reg.Use(context.Background(), "ghost", func(*schema.WorkflowDefinition) error {
		called = true
		return nil
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.False(t, called)
}

func TestSchedules_FollowDefinitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Create(ctx, scheduled("nightly", "0 2 * * *"))
	require.NoError(t, err)
	jobs := f.jobs(t, "nightly")
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 2 * * *", jobs[0].CronExpression)

	_, err = f.reg.Update(ctx, scheduled("nightly", "30 3 * * *"))
	require.NoError(t, err)
	jobs = f.jobs(t, "nightly")
	require.Len(t, jobs, 1, "the old schedule is replaced")
	assert.Equal(t, "30 3 * * *", jobs[0].CronExpression)

	_, err = f.reg.Update(ctx, def("nightly"))
	require.NoError(t, err)
	assert.Empty(t, f.jobs(t, "nightly"), "manual trigger drops the schedule")

	_, err = f.reg.Update(ctx, scheduled("nightly", "@hourly"))
	require.NoError(t, err)
	require.NoError(t, f.reg.Delete(ctx, "nightly"))
	assert.Empty(t, f.jobs(t, "nightly"))
}

func finished(id, workflowID string, status schema.ExecutionStatus, started time.Time) *schema.WorkflowExecution {
	ended := started.Add(100 * time.Millisecond)
	return &schema.WorkflowExecution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     status,
		StartedAt:  started,
		EndedAt:    &ended,
	}
}

func TestRecordOutcome_RollingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Create(ctx, def("wf"))
	require.NoError(t, err)

	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	record := func(i int, status schema.ExecutionStatus) {
		exec := finished(fmt.Sprintf("e%02d", i), "wf", status, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, f.store.SaveExecution(ctx, exec))
		require.NoError(t, f.reg.RecordOutcome(ctx, exec))
	}

	for i := range 5 {
		record(i, schema.ExecutionStatusFailed)
	}
	got, err := f.reg.Get(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Metadata.RunCount)
	assert.Zero(t, got.Metadata.SuccessRate)
	assert.Equal(t, int64(100), got.Metadata.EstimatedDurationMs)

	for i := 5; i < 15; i++ {
		record(i, schema.ExecutionStatusCompleted)
	}
	got, err = f.reg.Get(ctx, "wf")
	require.NoError(t, err)
	assert.InDelta(t, 10.0/15.0, got.Metadata.SuccessRate, 1e-9)

	for i := 15; i < 25; i++ {
		record(i, schema.ExecutionStatusCompleted)
	}
	got, err = f.reg.Get(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 25, got.Metadata.RunCount)
	assert.Equal(t, 1.0, got.Metadata.SuccessRate, "failures fell out of the window")
}

func TestRecordOutcome_IgnoresRunningAndDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running := &schema.WorkflowExecution{ID: "e1", WorkflowID: "wf", Status: schema.ExecutionStatusRunning}
	assert.NoError(t, f.reg.RecordOutcome(ctx, running))
	assert.NoError(t, f.reg.RecordOutcome(ctx, finished("e2", "gone", schema.ExecutionStatusCompleted, time.Now())))
}
