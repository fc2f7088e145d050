// Package redis provides the Redis-backed context store implementation.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/pathrun/pathrun/pkg/contextstore"
	"github.com/pathrun/pathrun/pkg/models"
)

const (
	stateKeyPrefix      = "pathrun:context:"
	checkpointKeyPrefix = "pathrun:checkpoint:"
	lockKeyPrefix       = "pathrun:lock:"
	eventChannelPrefix  = "pathrun:events:"
	recentInstancesKey  = "pathrun:instances:recent"
)

// releaseLockScript deletes the lock only when the stored token matches the
// caller's. Runs atomically server-side.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Store implements contextstore.Store on a Redis keyspace.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewStore creates a store from a Redis connection URL.
func NewStore(ctx context.Context, logger *slog.Logger, redisURL string) (*Store, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{
		client: client,
		logger: logger.With("module", "contextstore_redis"),
	}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests and callers that
// manage their own connection options.
func NewStoreWithClient(logger *slog.Logger, client redis.UniversalClient) *Store {
	return &Store{
		client: client,
		logger: logger.With("module", "contextstore_redis"),
	}
}

func (s *Store) Save(ctx context.Context, instanceID string, execCtx *models.ExecutionContext) error {
	payload, err := contextstore.EncodeContext(execCtx)
	if err != nil {
		return err
	}

	err = s.client.Set(ctx, stateKeyPrefix+instanceID, payload, contextstore.StateTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to save context for instance %s: %w", instanceID, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, instanceID string) (*models.ExecutionContext, error) {
	payload, err := s.client.Get(ctx, stateKeyPrefix+instanceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, contextstore.ErrContextNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load context for instance %s: %w", instanceID, err)
	}

	return contextstore.DecodeContext(payload)
}

func (s *Store) Update(ctx context.Context, instanceID string, partial *models.ExecutionContext) error {
	existing, err := s.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	return s.Save(ctx, instanceID, contextstore.MergePartial(existing, partial))
}

func (s *Store) Clear(ctx context.Context, instanceID string) error {
	err := s.client.Del(ctx, stateKeyPrefix+instanceID).Err()
	if err != nil {
		return fmt.Errorf("failed to clear context for instance %s: %w", instanceID, err)
	}

	return nil
}

func (s *Store) Checkpoint(ctx context.Context, instanceID, nodeID string, execCtx *models.ExecutionContext) error {
	payload, err := contextstore.EncodeContext(execCtx)
	if err != nil {
		return err
	}

	key := checkpointKeyPrefix + instanceID + ":" + nodeID

	err = s.client.Set(ctx, key, payload, contextstore.CheckpointTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to checkpoint instance %s at node %s: %w", instanceID, nodeID, err)
	}

	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, instanceID, nodeID string) (*models.ExecutionContext, error) {
	key := checkpointKeyPrefix + instanceID + ":" + nodeID

	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, contextstore.ErrContextNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for instance %s node %s: %w", instanceID, nodeID, err)
	}

	return contextstore.DecodeContext(payload)
}

func (s *Store) AcquireLock(ctx context.Context, instanceID, token string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, lockKeyPrefix+instanceID, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for instance %s: %w", instanceID, err)
	}

	return acquired, nil
}

func (s *Store) ReleaseLock(ctx context.Context, instanceID, token string) (bool, error) {
	deleted, err := releaseLockScript.Run(ctx, s.client, []string{lockKeyPrefix + instanceID}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock for instance %s: %w", instanceID, err)
	}

	return deleted == 1, nil
}

func (s *Store) TrackInstance(ctx context.Context, instanceID, definitionID string, status models.InstanceStatus) error {
	entry := contextstore.TrackedInstance{
		InstanceID:   instanceID,
		DefinitionID: definitionID,
		Status:       status,
		TrackedAt:    time.Now().UTC(),
	}

	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal tracked instance: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, recentInstancesKey, redis.Z{
		Score:  float64(entry.TrackedAt.UnixNano()),
		Member: member,
	})
	pipe.ZRemRangeByRank(ctx, recentInstancesKey, 0, int64(-(contextstore.RecentInstanceLimit + 1)))

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to track instance %s: %w", instanceID, err)
	}

	return nil
}

func (s *Store) RecentInstances(ctx context.Context, limit int) ([]contextstore.TrackedInstance, error) {
	if limit <= 0 || limit > contextstore.RecentInstanceLimit {
		limit = contextstore.RecentInstanceLimit
	}

	members, err := s.client.ZRevRange(ctx, recentInstancesKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent instances: %w", err)
	}

	entries := make([]contextstore.TrackedInstance, 0, len(members))

	for _, member := range members {
		var entry contextstore.TrackedInstance

		err = json.Unmarshal([]byte(member), &entry)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping malformed tracked instance entry", "error", err)

			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *Store) Publish(ctx context.Context, instanceID, event string, data map[string]any) error {
	payload, err := json.Marshal(contextstore.Event{
		InstanceID: instanceID,
		Name:       event,
		Data:       data,
		At:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Best effort: zero subscribers is not an error.
	err = s.client.Publish(ctx, eventChannelPrefix+instanceID, payload).Err()
	if err != nil {
		return fmt.Errorf("failed to publish event for instance %s: %w", instanceID, err)
	}

	return nil
}

func (s *Store) Subscribe(ctx context.Context, instanceID string, handler contextstore.EventHandler) (func(), error) {
	pubsub := s.client.Subscribe(ctx, eventChannelPrefix+instanceID)

	_, err := pubsub.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to instance %s: %w", instanceID, err)
	}

	go func() {
		for message := range pubsub.Channel() {
			var event contextstore.Event

			err := json.Unmarshal([]byte(message.Payload), &event)
			if err != nil {
				s.logger.Warn("Skipping malformed instance event", "error", err)

				continue
			}

			handler(ctx, event)
		}
	}()

	return func() {
		err := pubsub.Close()
		if err != nil {
			s.logger.Warn("Failed to close subscription", "instance_id", instanceID, "error", err)
		}
	}, nil
}

func (s *Store) Close() error {
	err := s.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}
