package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces keys written by RedisStorage.
const DefaultRedisKeyPrefix = "authsession:"

// RedisStorage stores values in Redis so several processes can share one
// sign-in. Every write refreshes the TTL when one is configured.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStorage.
type RedisOption func(*RedisStorage)

// WithKeyPrefix replaces DefaultRedisKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStorage) {
		r.prefix = prefix
	}
}

// WithTTL expires keys after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStorage) {
		r.ttl = ttl
	}
}

// NewRedisStorage wraps an existing client.
func NewRedisStorage(client redis.UniversalClient, opts ...RedisOption) *RedisStorage {
	r := &RedisStorage{client: client, prefix: DefaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and checks the connection with PING.
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisStorage(client, opts...), nil
}

func (r *RedisStorage) key(key string) string {
	return r.prefix + key
}

// Get returns the value of key under the namespace prefix.
func (r *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key with the configured TTL.
func (r *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (r *RedisStorage) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
