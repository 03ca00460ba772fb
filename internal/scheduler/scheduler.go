package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

const (
	// DefaultPollInterval bounds how long the loop sleeps between ticks.
	DefaultPollInterval = 30 * time.Second
	// DefaultCatchUpWindow is how late a tick may be taken after a restart.
	DefaultCatchUpWindow = time.Hour

	minWait = time.Second
)

// Runner starts the workflow behind a due job and returns the execution id.
// Satisfied by the session (avoids import cycle).
type Runner interface {
	RunScheduled(ctx context.Context, job *store.ScheduledJob, scheduledFor time.Time) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now().UTC() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config holds scheduler settings. Zero values select the defaults.
type Config struct {
	PollInterval  time.Duration
	CatchUpWindow time.Duration
	Clock         Clock
	Logger        *slog.Logger
}

// Scheduler owns the durable registry of cron jobs and starts their
// workflows when ticks come due.
type Scheduler struct {
	store   store.Store
	runner  Runner
	clock   Clock
	poll    time.Duration
	catchUp time.Duration
	logger  *slog.Logger
	wake    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// tickMu serializes Tick so a job is never taken twice.
	tickMu sync.Mutex
}

// New creates a Scheduler persisting jobs in s and starting runs via runner.
func New(s store.Store, runner Runner, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CatchUpWindow <= 0 {
		cfg.CatchUpWindow = DefaultCatchUpWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:   s,
		runner:  runner,
		clock:   cfg.Clock,
		poll:    cfg.PollInterval,
		catchUp: cfg.CatchUpWindow,
		logger:  cfg.Logger.With(slog.String("component", "scheduler")),
		wake:    make(chan struct{}, 1),
	}
}

// --- Cron parsing ---

// Standard five-field expressions plus descriptors such as @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parse(cronExpr, timezone string) (cron.Schedule, *time.Location, error) {
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, nil, schema.NewSchedulingError("invalid cron expression %q: %v", cronExpr, err).
			WithDetails(map[string]any{"cron": cronExpr})
	}
	loc := time.UTC
	if timezone != "" {
		if loc, err = time.LoadLocation(timezone); err != nil {
			return nil, nil, schema.NewSchedulingError("unknown timezone %q", timezone).
				WithDetails(map[string]any{"timezone": timezone})
		}
	}
	return sched, loc, nil
}

// ValidateSpec reports a SCHEDULING_ERROR for a malformed cron expression
// or an unknown timezone.
func ValidateSpec(cronExpr, timezone string) error {
	_, _, err := parse(cronExpr, timezone)
	return err
}

// Next returns the first tick strictly after from, evaluated in timezone
// and returned in UTC.
func Next(cronExpr, timezone string, from time.Time) (time.Time, error) {
	sched, loc, err := parse(cronExpr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, schema.NewSchedulingError("cron expression %q never fires", cronExpr)
	}
	return next.UTC(), nil
}

// Validate is ValidateSpec.
func (s *Scheduler) Validate(cronExpr, timezone string) error {
	return ValidateSpec(cronExpr, timezone)
}

// NextRun is Next.
func (s *Scheduler) NextRun(cronExpr, timezone string, from time.Time) (time.Time, error) {
	return Next(cronExpr, timezone, from)
}

// --- Job registry ---

// Register persists a new enabled job for workflowID and schedules its
// first tick after now.
func (s *Scheduler) Register(ctx context.Context, workflowID, cronExpr, timezone string) (*store.ScheduledJob, error) {
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	now := s.clock.Now().UTC()
	next, err := s.NextRun(cronExpr, timezone, now)
	if err != nil {
		return nil, err
	}

	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Timezone:       timezone,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("schedule registered",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", workflowID),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next),
	)
	s.poke()
	return job, nil
}

// Unregister deletes a job.
func (s *Scheduler) Unregister(ctx context.Context, jobID string) error {
	if err := s.store.DeleteScheduledJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("schedule unregistered", slog.String("job_id", jobID))
	return nil
}

// UnregisterWorkflow deletes every job of workflowID and returns how many
// were removed.
func (s *Scheduler) UnregisterWorkflow(ctx context.Context, workflowID string) (int, error) {
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{WorkflowID: workflowID})
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if err := s.Unregister(ctx, job.ID); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			return 0, err
		}
	}
	return len(jobs), nil
}

// List returns the persisted jobs matching filter.
func (s *Scheduler) List(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, filter)
}

// --- Loop ---

// Start launches the background loop. It takes any tick that came due while
// the process was down, subject to the catch-up window, before sleeping.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.poll),
		slog.Duration("catch_up_window", s.catchUp),
	)
	return nil
}

// Stop ends the loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.untilNextDue(ctx)):
		case <-s.wake:
		}
	}
}

// untilNextDue returns the sleep before the earliest enabled job is due,
// bounded by the poll interval.
func (s *Scheduler) untilNextDue(ctx context.Context) time.Duration {
	wait := s.poll
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return wait
	}
	now := s.clock.Now()
	for _, job := range jobs {
		if job.NextRunAt == nil {
			continue
		}
		wait = min(wait, job.NextRunAt.Sub(now))
	}
	return max(wait, minWait)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick takes every due tick once and returns the number of runs started.
// A job's next_run_at is advanced and persisted before its run starts, so a
// crash between the two loses at most that run and never repeats it.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return 0
	}

	now := s.clock.Now().UTC()
	fired := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return fired
		}
		if s.takeTick(ctx, job, now) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) takeTick(ctx context.Context, job *store.ScheduledJob, now time.Time) bool {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("workflow_id", job.WorkflowID))

	next, err := s.NextRun(job.CronExpression, job.Timezone, now)
	if err != nil {
		log.Error("invalid schedule, disabling", slog.String("error", err.Error()))
		disabled := false
		s.update(ctx, job.ID, store.ScheduledJobUpdate{Enabled: &disabled, LastRunStatus: store.RunStatusFailed})
		return false
	}

	if job.NextRunAt == nil {
		s.update(ctx, job.ID, store.ScheduledJobUpdate{NextRunAt: &next})
		return false
	}
	due := *job.NextRunAt
	if due.After(now) {
		return false
	}

	// Ticks older than the catch-up window are skipped, not replayed.
	if late := now.Sub(due); late > s.catchUp {
		log.Warn("scheduled tick missed",
			slog.Time("scheduled_for", due),
			slog.Duration("late", late),
			slog.Time("next_run_at", next),
		)
		s.update(ctx, job.ID, store.ScheduledJobUpdate{NextRunAt: &next, LastRunStatus: store.RunStatusMissed})
		return false
	}

	if !s.update(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: store.RunStatusStarted,
	}) {
		return false
	}

	execID, err := s.runner.RunScheduled(ctx, job, due)
	if err != nil {
		log.Error("scheduled run failed to start", slog.String("error", err.Error()))
		s.update(ctx, job.ID, store.ScheduledJobUpdate{LastRunStatus: store.RunStatusFailed})
		return false
	}

	log.Info("scheduled run started",
		slog.String("execution_id", execID),
		slog.Time("scheduled_for", due),
		slog.Time("next_run_at", next),
	)
	s.update(ctx, job.ID, store.ScheduledJobUpdate{LastExecutionID: execID})
	return true
}

func (s *Scheduler) update(ctx context.Context, jobID string, u store.ScheduledJobUpdate) bool {
	if err := s.store.UpdateScheduledJob(ctx, jobID, u); err != nil {
		s.logger.Error("failed to update scheduled job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
