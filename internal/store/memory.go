package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// MemoryStore is an in-process Store. Values are deep-copied on the way in
// and on the way out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.WorkflowDefinition
	executions  map[string]*schema.WorkflowExecution
	events      map[string][]*Event
	jobs        map[string]*ScheduledJob
	nextEventID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		executions:  make(map[string]*schema.WorkflowExecution),
		events:      make(map[string][]*Event),
		jobs:        make(map[string]*ScheduledJob),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- Definitions ---

func (m *MemoryStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	c, err := def.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[def.ID]; ok {
		return storeConflict("workflow", def.ID)
	}
	m.definitions[def.ID] = c
	return nil
}

func (m *MemoryStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	def, ok := m.definitions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return def.Clone()
}

func (m *MemoryStore) UpdateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	c, err := def.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[def.ID]; !ok {
		return storeNotFound("workflow", def.ID)
	}
	m.definitions[def.ID] = c
	return nil
}

func (m *MemoryStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.WorkflowDefinition
	for _, def := range m.definitions {
		if filter.Category != "" && def.Category != filter.Category {
			continue
		}
		if filter.TriggerKind != "" && def.Trigger.Kind != filter.TriggerKind {
			continue
		}
		c, err := def.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *schema.WorkflowDefinition) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.definitions, id)
	return nil
}

// --- Executions ---

func (m *MemoryStore) SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	c, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.executions[exec.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	m.mu.RLock()
	exec, ok := m.executions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneExecution(exec)
}

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	m.mu.RLock()
	var matched []*schema.WorkflowExecution
	for _, exec := range m.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		matched = append(matched, exec)
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *schema.WorkflowExecution) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	matched = paginate(matched, filter.Offset, filter.Limit)

	out := make([]*schema.WorkflowExecution, 0, len(matched))
	for _, exec := range matched {
		c, err := cloneExecution(exec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- History ---

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.nextEventID++
	event.ID = m.nextEventID
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)

	c := *event
	c.Payload = slices.Clone(event.Payload)
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &c)
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence <= since {
			continue
		}
		c := *e
		c.Payload = slices.Clone(e.Payload)
		out = append(out, &c)
	}
	return out, nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return storeConflict("scheduled job", job.ID)
	}
	c := job.clone()
	c.CreatedAt = timeOrNow(c.CreatedAt)
	m.jobs[job.ID] = c
	return nil
}

func (m *MemoryStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	return job.clone(), nil
}

func (m *MemoryStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	update.apply(job)
	return nil
}

func (m *MemoryStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	var out []*ScheduledJob
	for _, job := range m.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && job.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, job.clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *ScheduledJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return paginate(out, 0, filter.Limit), nil
}

func (m *MemoryStore) DeleteScheduledJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
