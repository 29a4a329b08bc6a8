package persist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces pump hashes.
const DefaultRedisPrefix = "pumpsim:pump:"

// RedisStore keeps one hash per pump.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to the Redis server at url and pings it.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis not available: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(pumpID string) string { return r.prefix + pumpID }

// SaveFields replaces the pump's hash atomically.
func (r *RedisStore) SaveFields(ctx context.Context, pumpID string, fields map[string]string) error {
	key := r.key(pumpID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			values := make(map[string]any, len(fields))
			for k, v := range fields {
				values[k] = v
			}
			pipe.HSet(ctx, key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save fields for %q: %w", pumpID, err)
	}
	return nil
}

// LoadFields returns a pump's saved fields, or ErrNotFound.
func (r *RedisStore) LoadFields(ctx context.Context, pumpID string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, r.key(pumpID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load fields for %q: %w", pumpID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, pumpID)
	}
	return fields, nil
}

// ListPumps scans for saved pump hashes and returns their IDs in order.
func (r *RedisStore) ListPumps(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error { return r.client.Close() }
