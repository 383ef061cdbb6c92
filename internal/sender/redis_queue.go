package sender

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue adapts *redis.Client to the Queue interface, grounded on
// the teacher's internal/fabric minimal-interface-over-redis pattern.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue wraps an existing *redis.Client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) LPush(ctx context.Context, key string, value []byte) error {
	return q.client.LPush(ctx, key, value).Err()
}

func (q *RedisQueue) LTrim(ctx context.Context, key string, maxLen int64) error {
	if maxLen <= 0 {
		return nil
	}
	return q.client.LTrim(ctx, key, 0, maxLen-1).Err()
}

func (q *RedisQueue) Len(ctx context.Context, key string) (int64, error) {
	return q.client.LLen(ctx, key).Result()
}

func (q *RedisQueue) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	result, err := q.client.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // timed out, no message
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [key, value]; we only ever watch one key.
	if len(result) < 2 {
		return nil, nil
	}
	return []byte(result[1]), nil
}
