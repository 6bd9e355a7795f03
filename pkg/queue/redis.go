package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps job IDs in a Redis list so queued work survives restarts.
// RPUSH/LPOP give FIFO order; both are atomic on the server.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to redisURL and uses the list "<prefix>:queue:<kind>"
func NewRedisQueue(ctx context.Context, redisURL, prefix, kind string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisQueueFromClient(client, prefix, kind), nil
}

// NewRedisQueueFromClient wraps an existing client
func NewRedisQueueFromClient(client *redis.Client, prefix, kind string) *RedisQueue {
	if prefix == "" {
		prefix = "mlorch"
	}
	return &RedisQueue{
		client: client,
		key:    fmt.Sprintf("%s:queue:%s", prefix, kind),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if err := q.client.RPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, bool, error) {
	id, err := q.client.LPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to dequeue: %w", err)
	}
	return id, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Key returns the Redis list key backing this queue
func (q *RedisQueue) Key() string {
	return q.key
}

// Close closes the underlying client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
