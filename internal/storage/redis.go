package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/ihacdn/internal/cdnerr"
)

const (
	defaultRedisURL = "redis://127.0.0.1:6379"
	scanBatch       = 500
)

// RedisStore implements Store with go-redis. Backend failures wrap
// cdnerr.ErrStoreUnavailable.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore parses url, connects and pings the server.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect redis: %v", cdnerr.ErrStoreUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// Keys walks the keyspace with SCAN so large stores do not block the server.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return out, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("mget", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case string:
			out[i] = []byte(t)
		case []byte:
			out[i] = t
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("del", err)
	}
	return n, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", cdnerr.ErrStoreUnavailable, op, err)
}
