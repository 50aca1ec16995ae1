package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"videoflow/internal/pkg/errors"
)

// DefaultPopTimeout bounds a single BRPOP so callers can observe shutdown.
const DefaultPopTimeout = 5 * time.Second

// RedisQueue is a Redis list used as a queue: LPUSH to enqueue, BRPOP to
// dequeue, so payloads come out in arrival order.
type RedisQueue struct {
	rdb        redis.UniversalClient
	queueName  string
	popTimeout time.Duration
}

// NewRedisQueue returns a queue on the list named queueName.
func NewRedisQueue(rdb redis.UniversalClient, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName, popTimeout: DefaultPopTimeout}
}

// WithPopTimeout overrides how long Pop blocks before returning ErrEmpty.
func (q *RedisQueue) WithPopTimeout(d time.Duration) *RedisQueue {
	q.popTimeout = d
	return q
}

// Name returns the Redis key backing the queue.
func (q *RedisQueue) Name() string { return q.queueName }

func (q *RedisQueue) Push(ctx context.Context, payload string) error {
	if err := q.rdb.LPush(ctx, q.queueName, payload).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.Push", "push to "+q.queueName)
	}
	return nil
}

// Pop blocks on BRPOP for at most the pop timeout.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.rdb.BRPop(ctx, q.popTimeout, q.queueName).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, "queue.Pop", "pop from "+q.queueName)
	}
	if len(res) < 2 {
		return "", ErrEmpty
	}
	return res[1], nil
}

// Len reports the number of queued payloads.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}
