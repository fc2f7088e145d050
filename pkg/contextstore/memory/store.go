// Package memory provides an in-process context store used by tests and
// single-node development setups. It honors the same TTL and lock semantics
// as the Redis implementation.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pathrun/pathrun/pkg/contextstore"
	"github.com/pathrun/pathrun/pkg/models"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

type subscription struct {
	id         string
	instanceID string
	handler    contextstore.EventHandler
}

// Store implements contextstore.Store with in-process maps.
type Store struct {
	mu            sync.Mutex
	states        map[string]entry
	checkpoints   map[string]entry
	locks         map[string]lockEntry
	recent        []contextstore.TrackedInstance
	subscriptions []subscription

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		states:      make(map[string]entry),
		checkpoints: make(map[string]entry),
		locks:       make(map[string]lockEntry),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Save(_ context.Context, instanceID string, execCtx *models.ExecutionContext) error {
	payload, err := contextstore.EncodeContext(execCtx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[instanceID] = entry{payload: payload, expiresAt: s.now().Add(contextstore.StateTTL)}

	return nil
}

func (s *Store) Get(_ context.Context, instanceID string) (*models.ExecutionContext, error) {
	s.mu.Lock()
	stored, ok := s.states[instanceID]

	if ok && s.now().After(stored.expiresAt) {
		delete(s.states, instanceID)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, contextstore.ErrContextNotFound
	}

	return contextstore.DecodeContext(stored.payload)
}

func (s *Store) Update(ctx context.Context, instanceID string, partial *models.ExecutionContext) error {
	existing, err := s.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	return s.Save(ctx, instanceID, contextstore.MergePartial(existing, partial))
}

func (s *Store) Clear(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, instanceID)

	return nil
}

func (s *Store) Checkpoint(_ context.Context, instanceID, nodeID string, execCtx *models.ExecutionContext) error {
	payload, err := contextstore.EncodeContext(execCtx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[instanceID+":"+nodeID] = entry{payload: payload, expiresAt: s.now().Add(contextstore.CheckpointTTL)}

	return nil
}

func (s *Store) LoadCheckpoint(_ context.Context, instanceID, nodeID string) (*models.ExecutionContext, error) {
	s.mu.Lock()
	stored, ok := s.checkpoints[instanceID+":"+nodeID]

	if ok && s.now().After(stored.expiresAt) {
		delete(s.checkpoints, instanceID+":"+nodeID)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, contextstore.ErrContextNotFound
	}

	return contextstore.DecodeContext(stored.payload)
}

func (s *Store) AcquireLock(_ context.Context, instanceID, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[instanceID]
	if ok && s.now().Before(held.expiresAt) {
		return false, nil
	}

	s.locks[instanceID] = lockEntry{token: token, expiresAt: s.now().Add(ttl)}

	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, instanceID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[instanceID]
	if !ok || held.token != token {
		return false, nil
	}

	delete(s.locks, instanceID)

	return true, nil
}

func (s *Store) TrackInstance(_ context.Context, instanceID, definitionID string, status models.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, contextstore.TrackedInstance{
		InstanceID:   instanceID,
		DefinitionID: definitionID,
		Status:       status,
		TrackedAt:    s.now(),
	})

	if len(s.recent) > contextstore.RecentInstanceLimit {
		s.recent = s.recent[len(s.recent)-contextstore.RecentInstanceLimit:]
	}

	return nil
}

func (s *Store) RecentInstances(_ context.Context, limit int) ([]contextstore.TrackedInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}

	entries := make([]contextstore.TrackedInstance, 0, limit)
	for i := len(s.recent) - 1; i >= len(s.recent)-limit; i-- {
		entries = append(entries, s.recent[i])
	}

	return entries, nil
}

func (s *Store) Publish(ctx context.Context, instanceID, event string, data map[string]any) error {
	published := contextstore.Event{
		InstanceID: instanceID,
		Name:       event,
		Data:       data,
		At:         s.now(),
	}

	s.mu.Lock()
	handlers := make([]contextstore.EventHandler, 0, len(s.subscriptions))

	for _, sub := range s.subscriptions {
		if sub.instanceID == instanceID {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, published)
	}

	return nil
}

func (s *Store) Subscribe(_ context.Context, instanceID string, handler contextstore.EventHandler) (func(), error) {
	sub := subscription{id: uuid.New().String(), instanceID: instanceID, handler: handler}

	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for i, candidate := range s.subscriptions {
			if candidate.id == sub.id {
				s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)

				break
			}
		}
	}, nil
}

func (s *Store) Close() error {
	return nil
}
