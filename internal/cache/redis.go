package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"sharecal/internal/common"
)

// RedisStore keeps entries under a prefix and relies on Redis key expiry.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    zerolog.Logger
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, log zerolog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "sharecal:cache:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, log: log.With().Str("component", "cache").Logger()}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	if !json.Valid(b) {
		_ = s.rdb.Del(ctx, s.prefix+key).Err()
		s.log.Warn().Str("key", key).Msg("dropped unreadable cache entry")
		return nil, false, nil
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !json.Valid(value) {
		return common.Errorf(common.KindValidation, "cache value for %s is not JSON", key)
	}
	if err := s.rdb.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

// SweepExpired is a no-op: Redis expires keys itself.
func (s *RedisStore) SweepExpired(context.Context) (int, error) { return 0, nil }
