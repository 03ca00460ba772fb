package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/taskflow/internal/registry"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// Notify feeds an external event to the trigger matcher and starts one
// execution per matching definition, with the payload bound to
// variables.event. It returns the ids of the started executions. A
// definition whose preconditions or input schema reject the event is
// skipped; the event itself is only rejected when malformed.
func (s *Session) Notify(ctx context.Context, kind schema.TriggerKind, payload map[string]any) ([]string, error) {
	ev, err := schema.ParseEvent(kind, payload)
	if err != nil {
		return nil, err
	}
	defs, err := s.registry.List(ctx, registry.Filter{TriggerKind: kind})
	if err != nil {
		return nil, err
	}

	trig := schema.TriggerContext{Kind: kind, Source: schema.SourceEvent, Event: ev, FiredAt: ev.ReceivedAt}
	started := []string{}
	for _, def := range defs {
		if ev.WorkflowID != "" && ev.WorkflowID != def.ID {
			continue
		}
		if !s.matcher.Matches(def.Trigger, ev) {
			continue
		}
		vars := map[string]any{"event": payload}
		id, err := s.startRegistered(ctx, def.ID, trig, vars)
		if err != nil {
			level := slog.LevelWarn
			if schema.HasCode(err, schema.ErrCodePreconditionFailed) {
				level = slog.LevelDebug
			}
			s.logger.Log(ctx, level, "event did not start workflow",
				slog.String("workflow_id", def.ID),
				slog.String("event", string(kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		started = append(started, id)
	}

	s.logger.Info("event ingested",
		slog.String("kind", string(kind)),
		slog.Int("matched", len(started)),
	)
	return started, nil
}

// RunScheduled starts the workflow behind a due scheduled job.
func (s *Session) RunScheduled(ctx context.Context, job *store.ScheduledJob, scheduledFor time.Time) (string, error) {
	trig := schema.TriggerContext{
		Kind:       schema.TriggerSchedule,
		Source:     schema.SourceSchedule,
		ScheduleID: job.ID,
		FiredAt:    scheduledFor,
	}
	vars := map[string]any{"scheduled_for": scheduledFor.UTC().Format(time.RFC3339)}
	return s.startRegistered(ctx, job.WorkflowID, trig, vars)
}
