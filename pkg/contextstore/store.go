// Package contextstore provides durable keyed storage for per-instance
// execution contexts, including the TTL-bound lock protocol that guards
// concurrent resumption.
package contextstore

import (
	"context"
	"errors"
	"time"

	"github.com/pathrun/pathrun/pkg/models"
)

// Default retention windows. Primary state outlives checkpoints.
const (
	StateTTL      = 24 * time.Hour
	CheckpointTTL = time.Hour
	LockTTL       = 30 * time.Second

	// RecentInstanceLimit bounds the monitoring recency index.
	RecentInstanceLimit = 1000
)

// ErrContextNotFound indicates no persisted state exists for an instance.
var ErrContextNotFound = errors.New("execution context not found")

// Event is a best-effort notification published on an instance's channel.
// Absence of subscribers never affects correctness.
type Event struct {
	InstanceID string         `json:"instance_id"`
	Name       string         `json:"name"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// EventHandler consumes instance events.
type EventHandler func(ctx context.Context, event Event)

// TrackedInstance is one entry of the bounded recency index. It is
// monitoring data, not authoritative state.
type TrackedInstance struct {
	InstanceID   string                `json:"instance_id"`
	DefinitionID string                `json:"definition_id"`
	Status       models.InstanceStatus `json:"status"`
	TrackedAt    time.Time             `json:"tracked_at"`
}

// Store persists, retrieves and locks per-instance execution context.
type Store interface {
	// Save overwrites the primary state and refreshes its TTL.
	Save(ctx context.Context, instanceID string, execCtx *models.ExecutionContext) error

	// Get returns the primary state or ErrContextNotFound.
	Get(ctx context.Context, instanceID string) (*models.ExecutionContext, error)

	// Update merges partial state into the existing record: form data and
	// variables merge key-wise, other populated fields overwrite. Fails with
	// ErrContextNotFound when no prior state exists.
	Update(ctx context.Context, instanceID string, partial *models.ExecutionContext) error

	// Clear removes the primary state. Used on terminal completion.
	Clear(ctx context.Context, instanceID string) error

	// Checkpoint stores a node-keyed snapshot with the shorter checkpoint
	// TTL, independent of the primary state.
	Checkpoint(ctx context.Context, instanceID, nodeID string, execCtx *models.ExecutionContext) error

	// LoadCheckpoint returns a snapshot or ErrContextNotFound.
	LoadCheckpoint(ctx context.Context, instanceID, nodeID string) (*models.ExecutionContext, error)

	// AcquireLock attempts a set-if-absent lock keyed by instance id. The
	// token identifies the holder; only the matching token may release.
	AcquireLock(ctx context.Context, instanceID, token string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the lock iff the token matches, atomically.
	ReleaseLock(ctx context.Context, instanceID, token string) (bool, error)

	// TrackInstance appends to the bounded recency index.
	TrackInstance(ctx context.Context, instanceID, definitionID string, status models.InstanceStatus) error

	// RecentInstances returns the newest tracked entries, newest first.
	RecentInstances(ctx context.Context, limit int) ([]TrackedInstance, error)

	// Publish emits a best-effort event on the instance channel.
	Publish(ctx context.Context, instanceID, event string, data map[string]any) error

	// Subscribe registers a handler for an instance channel and returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, instanceID string, handler EventHandler) (func(), error)

	Close() error
}
