package ledger

import (
	"context"
	"errors"
	"fmt"

	"postrelay/internal/constants"
	"postrelay/internal/models"

	"github.com/redis/go-redis/v9"
)

const redisStateKey = "state"

// RedisStore keeps ledger state under one key so replicas pointed at the same
// instance share budgets.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisStore creates a store using prefix for its key
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = constants.DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, key: prefix + redisStateKey}
}

// Key returns the redis key holding the state document
func (s *RedisStore) Key() string {
	return s.key
}

func (s *RedisStore) Load(ctx context.Context) ([]models.AccountQuota, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger from redis: %w", err)
	}
	return decodeState(data)
}

func (s *RedisStore) Save(ctx context.Context, quotas []models.AccountQuota) error {
	data, err := encodeState(quotas)
	if err != nil {
		return fmt.Errorf("failed to encode ledger state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write ledger to redis: %w", err)
	}
	return nil
}
