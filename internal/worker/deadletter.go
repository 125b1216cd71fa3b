package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"medsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// DeadLetterEntry is what RedisDeadLetter stores for each rejected change.
type DeadLetterEntry struct {
	Change     models.PendingChange `json:"change"`
	Status     int                  `json:"status"`
	RejectedAt time.Time            `json:"rejected_at"`
}

// RedisDeadLetter keeps rejected changes in a Redis list so they can be
// inspected and resubmitted by an operator.
type RedisDeadLetter struct {
	client *redis.Client
	key    string
}

func NewRedisDeadLetter(client *redis.Client, key string) *RedisDeadLetter {
	if key == "" {
		key = "medsync:deadletter"
	}
	return &RedisDeadLetter{client: client, key: key}
}

func (d *RedisDeadLetter) Push(ctx context.Context, change models.PendingChange, status int) error {
	if d.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(DeadLetterEntry{Change: change, Status: status, RejectedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := d.client.LPush(ctx, d.key, data).Err(); err != nil {
		return fmt.Errorf("dead letter push: %w", err)
	}
	return nil
}

// List returns dead letters, newest first.
func (d *RedisDeadLetter) List(ctx context.Context) ([]DeadLetterEntry, error) {
	if d.client == nil {
		return nil, errors.New("redis client is nil")
	}
	raw, err := d.client.LRange(ctx, d.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letter list: %w", err)
	}
	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
