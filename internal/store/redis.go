package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/renewalcal/internal/contract"
)

// Redis keeps one hash per record plus a sorted set of ids scored by creation time.
type Redis struct {
	client *redis.Client
	keyNS  string
}

func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisFromClient(c), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(c *redis.Client) *Redis {
	return &Redis{client: c, keyNS: "contract"}
}

func (s *Redis) key(id string) string { return fmt.Sprintf("%s:%s", s.keyNS, id) }
func (s *Redis) indexKey() string     { return s.keyNS + ":index" }

func (s *Redis) fields(r *contract.Record) (map[string]interface{}, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return map[string]interface{}{
		"status":  string(r.Status),
		"updated": r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"data":    string(body),
	}, nil
}

func (s *Redis) CreatePending(ctx context.Context, r *contract.Record) error {
	m, err := s.fields(r)
	if err != nil {
		return err
	}
	added, err := s.client.ZAddNX(ctx, s.indexKey(), redis.Z{
		Score:  float64(r.CreatedAt.UnixNano()),
		Member: r.ID,
	}).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return fmt.Errorf("contract %s already exists", r.ID)
	}
	return s.client.HSet(ctx, s.key(r.ID), m).Err()
}

func (s *Redis) Get(ctx context.Context, id string) (*contract.Record, error) {
	res, err := s.client.HGet(ctx, s.key(id), "data").Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(res)
}

func (s *Redis) List(ctx context.Context) ([]*contract.Record, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.key(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*contract.Record, 0, len(ids))
	for _, cmd := range cmds {
		body, err := cmd.Result()
		if err == redis.Nil {
			// index entry whose hash was removed concurrently
			continue
		}
		if err != nil {
			return nil, err
		}
		r, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Redis) Update(ctx context.Context, r *contract.Record) error {
	exists, err := s.client.Exists(ctx, s.key(r.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	m, err := s.fields(r)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key(r.ID), m).Err()
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Redis) DeleteAll(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}
	keys = append(keys, s.indexKey())
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Client returns the underlying Redis client so the ingest queue can share the connection.
func (s *Redis) Client() *redis.Client { return s.client }
