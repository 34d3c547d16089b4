package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"grepud/internal/errs"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "grepud:credential:"

type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	return &RedisStore{rdb: rdb, key: redisKeyPrefix + key}
}

func (s *RedisStore) Get(ctx context.Context) (Credential, error) {
	token, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return Absent(), nil
	}
	if err != nil {
		return Absent(), fmt.Errorf("redis get credential: %w", err)
	}
	return Bearer(token), nil
}

func (s *RedisStore) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errs.WrapInvalid(ErrEmptyToken)
	}
	if err := s.rdb.Set(ctx, s.key, token, 0).Err(); err != nil {
		return fmt.Errorf("redis set credential: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis clear credential: %w", err)
	}
	return nil
}
