// Package persistence provides the relational storage abstraction for
// instances, history entries and scheduled tasks.
package persistence

import (
	"context"
	"time"

	"github.com/pathrun/pathrun/pkg/models"
)

// DefinitionSource is the read-only workflow definition fetch consumed by the
// engine. Definition authoring and CRUD live outside this module.
type DefinitionSource interface {
	DefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
}

// InstanceRepository stores workflow instances.
type InstanceRepository interface {
	Create(ctx context.Context, instance *models.Instance) error
	GetByID(ctx context.Context, id string) (*models.Instance, error)
	Update(ctx context.Context, instance *models.Instance) error

	// TransitionStatus performs a guarded status update: it succeeds only
	// when the stored status equals from, otherwise ErrStatusConflict.
	TransitionStatus(ctx context.Context, id string, from, to models.InstanceStatus) error

	ListByDefinition(ctx context.Context, definitionID string, limit int) ([]*models.Instance, error)
}

// HistoryRepository stores append-only node visit records.
type HistoryRepository interface {
	Append(ctx context.Context, entry *models.HistoryEntry) error
	ListByInstance(ctx context.Context, instanceID string) ([]*models.HistoryEntry, error)
}

// TaskRepository stores deferred resumption records.
type TaskRepository interface {
	Create(ctx context.Context, task *models.ScheduledTask) error
	GetByID(ctx context.Context, id string) (*models.ScheduledTask, error)
	Update(ctx context.Context, task *models.ScheduledTask) error

	// DueTasks returns at most limit unexecuted tasks whose scheduled time
	// is not after now, ordered by scheduled time ascending.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error)

	// CancelPending marks all unexecuted tasks of an instance as executed so
	// they never fire after the instance reached a terminal state.
	CancelPending(ctx context.Context, instanceID string) error
}

// Persistence bundles the repositories behind one connection lifecycle.
type Persistence interface {
	Definitions() DefinitionSource
	Instances() InstanceRepository
	History() HistoryRepository
	Tasks() TaskRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
