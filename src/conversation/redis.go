package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"leadbot/src/model"
)

const snapshotPrefix = "conversation:"

// RedisSnapshotStore keeps one JSON snapshot per counterpart with a TTL
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a snapshot store over an existing client
func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

// key generates a Redis key for the given counterpart
func (r *RedisSnapshotStore) key(counterpartID string) string {
	return snapshotPrefix + counterpartID
}

func (r *RedisSnapshotStore) Save(ctx context.Context, state model.ConversationState) error {
	data, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation state: %w", err)
	}

	if err := r.client.Set(ctx, r.key(state.CounterpartID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}

func (r *RedisSnapshotStore) Load(ctx context.Context, counterpartID string) (*model.ConversationState, error) {
	data, err := r.client.Get(ctx, r.key(counterpartID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}

	var state model.ConversationState
	if err := sonic.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation state: %w", err)
	}
	return &state, nil
}

func (r *RedisSnapshotStore) Delete(ctx context.Context, counterpartID string) error {
	return r.client.Del(ctx, r.key(counterpartID)).Err()
}
