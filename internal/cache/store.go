package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is the slice of the key/value backend the price cache needs. The
// production implementation is Redis; tests substitute an in-memory map.
type Store interface {
	// Get reports the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// MGet returns one entry per key, nil for keys that are absent.
	MGet(ctx context.Context, keys []string) ([]*string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetBulk(ctx context.Context, values map[string]string, ttl time.Duration) error
	// SetNX creates the key only if it does not exist and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, key string) error
}

type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected Redis client.
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *redisStore) MGet(ctx context.Context, keys []string) ([]*string, error) {
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*string, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			result[i] = &str
		}
	}
	return result, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) SetBulk(ctx context.Context, values map[string]string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	for key, value := range values {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
