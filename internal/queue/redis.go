package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue carries contract ids to workers over a Redis stream with a consumer group.
type RedisQueue struct {
	client    *redis.Client
	ownClient bool
	Stream    string
	Group     string
	DLQStream string
}

// NewRedisQueue connects to Redis and ensures the stream and group exist.
func NewRedisQueue(redisURL, stream, group string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	q, err := NewRedisQueueFromClient(redis.NewClient(opt), stream, group)
	if err != nil {
		return nil, err
	}
	q.ownClient = true
	return q, nil
}

// NewRedisQueueFromClient shares an existing client, for example the record store's.
func NewRedisQueueFromClient(c *redis.Client, stream, group string) (*RedisQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	q := &RedisQueue{
		client:    c,
		Stream:    stream,
		Group:     group,
		DLQStream: stream + ":dlq",
	}
	// MKSTREAM creates the stream if missing
	if err := c.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error {
	if !q.ownClient {
		return nil
	}
	return q.client.Close()
}

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a contract id to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"contract_id": id},
	}).Err()
}

// Dequeue blocks up to timeout for one message. An empty msgID means nothing arrived.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (msgID, id string, err error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", nil
		}
		return "", "", err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", "", nil
	}
	msg := res[0].Messages[0]
	switch v := msg.Values["contract_id"].(type) {
	case string:
		id = v
	case []byte:
		id = string(v)
	}
	return msg.ID, id, nil
}

// Ack marks a message as processed and drops it from the stream, so the stream
// length stays equal to the outstanding work.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.Stream, q.Group, msgID)
	pipe.XDel(ctx, q.Stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

// AddDLQ records an id whose processing could not be saved.
func (q *RedisQueue) AddDLQ(ctx context.Context, id, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQStream,
		Values: map[string]any{"contract_id": id, "reason": reason},
	}).Err()
}

// Depths returns pending and dead-letter stream lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	dlen := pipe.XLen(ctx, q.DLQStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return xlen.Val(), dlen.Val(), nil
}
