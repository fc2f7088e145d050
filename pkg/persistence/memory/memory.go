// Package memory provides an in-process persistence implementation used by
// tests and single-node development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/persistence"
)

// Persistence implements persistence.Persistence with in-process maps.
type Persistence struct {
	mu          sync.RWMutex
	definitions map[string]*models.WorkflowDefinition
	instances   map[string]*models.Instance
	history     map[string][]*models.HistoryEntry
	tasks       map[string]*models.ScheduledTask
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		definitions: make(map[string]*models.WorkflowDefinition),
		instances:   make(map[string]*models.Instance),
		history:     make(map[string][]*models.HistoryEntry),
		tasks:       make(map[string]*models.ScheduledTask),
	}
}

func (p *Persistence) Definitions() persistence.DefinitionSource { return p }
func (p *Persistence) Instances() persistence.InstanceRepository { return (*instanceRepo)(p) }
func (p *Persistence) History() persistence.HistoryRepository    { return (*historyRepo)(p) }
func (p *Persistence) Tasks() persistence.TaskRepository         { return (*taskRepo)(p) }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }
func (p *Persistence) Close(_ context.Context) error       { return nil }

// SaveDefinition seeds a definition. Tests use this in place of the external
// definition service.
func (p *Persistence) SaveDefinition(definition *models.WorkflowDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.definitions[definition.ID] = definition
}

func (p *Persistence) DefinitionByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	definition, ok := p.definitions[id]
	if !ok {
		return nil, persistence.ErrDefinitionNotFound
	}

	return definition, nil
}

type instanceRepo Persistence

func (r *instanceRepo) Create(_ context.Context, instance *models.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[instance.ID]; exists {
		return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceAlreadyExists)
	}

	stored := *instance
	r.instances[instance.ID] = &stored

	return nil
}

func (r *instanceRepo) GetByID(_ context.Context, id string) (*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.instances[id]
	if !ok {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	found := *instance

	return &found, nil
}

func (r *instanceRepo) Update(_ context.Context, instance *models.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[instance.ID]; !ok {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceNotFound)
	}

	instance.UpdatedAt = time.Now().UTC()
	stored := *instance
	r.instances[instance.ID] = &stored

	return nil
}

func (r *instanceRepo) TransitionStatus(_ context.Context, id string, from, to models.InstanceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.instances[id]
	if !ok {
		return persistence.NewInstanceError("TransitionStatus", id, persistence.ErrInstanceNotFound)
	}

	if instance.Status != from {
		return persistence.NewInstanceError("TransitionStatus", id, persistence.ErrStatusConflict)
	}

	instance.Status = to
	instance.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *instanceRepo) ListByDefinition(_ context.Context, definitionID string, limit int) ([]*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Instance

	for _, instance := range r.instances {
		if instance.DefinitionID == definitionID {
			found := *instance
			matched = append(matched, &found)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

type historyRepo Persistence

func (r *historyRepo) Append(_ context.Context, entry *models.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *entry
	r.history[entry.InstanceID] = append(r.history[entry.InstanceID], &stored)

	return nil
}

func (r *historyRepo) ListByInstance(_ context.Context, instanceID string) ([]*models.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*models.HistoryEntry, 0, len(r.history[instanceID]))

	for _, entry := range r.history[instanceID] {
		found := *entry
		entries = append(entries, &found)
	}

	return entries, nil
}

type taskRepo Persistence

func (r *taskRepo) Create(_ context.Context, task *models.ScheduledTask) error {
	err := task.Validate()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *task
	r.tasks[task.ID] = &stored

	return nil
}

func (r *taskRepo) GetByID(_ context.Context, id string) (*models.ScheduledTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, persistence.ErrTaskNotFound
	}

	found := *task

	return &found, nil
}

func (r *taskRepo) Update(_ context.Context, task *models.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; !ok {
		return persistence.ErrTaskNotFound
	}

	task.UpdatedAt = time.Now().UTC()
	stored := *task
	r.tasks[task.ID] = &stored

	return nil
}

func (r *taskRepo) DueTasks(_ context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*models.ScheduledTask

	for _, task := range r.tasks {
		if task.IsDue(now) {
			found := *task
			due = append(due, &found)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r *taskRepo) CancelPending(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	for _, task := range r.tasks {
		if task.InstanceID == instanceID && !task.Executed {
			task.Executed = true
			task.ExecutedAt = &now
			task.UpdatedAt = now
		}
	}

	return nil
}
