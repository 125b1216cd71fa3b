package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"medsync/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per partition plus a set naming the partitions.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient creates a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "medsync:cache"
	}
	return &RedisStore{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (r *RedisStore) partitionKey(partition string) string {
	return r.prefix + ":p:" + partition
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":partitions"
}

func (r *RedisStore) Partitions(ctx context.Context) ([]string, error) {
	if r.client == nil {
		return nil, ErrNilClient
	}
	names, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) Match(ctx context.Context, partition, key string) (*Entry, error) {
	if r.client == nil {
		return nil, ErrNilClient
	}
	val, err := r.client.HGet(ctx, r.partitionKey(partition), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

func (r *RedisStore) Put(ctx context.Context, partition, key string, entry *Entry) error {
	if r.client == nil {
		return ErrNilClient
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.partitionKey(partition), key, data)
	pipe.SAdd(ctx, r.indexKey(), partition)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

func (r *RedisStore) DeletePartition(ctx context.Context, partition string) (bool, error) {
	if r.client == nil {
		return false, ErrNilClient
	}
	pipe := r.client.TxPipeline()
	removed := pipe.SRem(ctx, r.indexKey(), partition)
	pipe.Del(ctx, r.partitionKey(partition))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete cache partition: %w", err)
	}
	return removed.Val() > 0, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}
