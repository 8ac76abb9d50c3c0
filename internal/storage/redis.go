package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps cached avatars as plain string values. Keys never expire:
// the user record is the cache index and an expired key would look corrupt.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{client: client, prefix: strings.Trim(keyPrefix, ":")}, nil
}

func (s *RedisStore) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + ":" + name
}

func (s *RedisStore) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, s.key(name))
		}
		return nil, fmt.Errorf("get %s: %w", s.key(name), err)
	}
	return data, nil
}

func (s *RedisStore) Write(ctx context.Context, name string, data []byte) error {
	if err := s.client.Set(ctx, s.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key(name), err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, s.key(name)).Result()
	if err != nil {
		return fmt.Errorf("del %s: %w", s.key(name), err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotExist, s.key(name))
	}
	return nil
}

var _ AvatarStore = (*RedisStore)(nil)
