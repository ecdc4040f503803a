package limiter

import (
	"context"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// MemoryBreaker keeps cooldowns in process.
type MemoryBreaker struct {
	opts  Options
	now   func() time.Time
	mu    sync.Mutex
	slots map[string]memorySlot
}

type memorySlot struct {
	failures int64
	until    time.Time
}

func NewMemoryBreaker(opts Options) *MemoryBreaker {
	opts.defaults()
	return &MemoryBreaker{opts: opts, now: time.Now, slots: map[string]memorySlot{}}
}

func (b *MemoryBreaker) Remaining(_ context.Context, key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[key]
	if !ok {
		return 0
	}
	return max(s.until.Sub(b.now()), 0)
}

func (b *MemoryBreaker) Trip(_ context.Context, key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slots[key]
	s.failures++
	d := backoff(b.opts.BaseBackoff, b.opts.MaxBackoff, s.failures)
	s.until = b.now().Add(d)
	b.slots[key] = s
	return d
}

func (b *MemoryBreaker) Reset(_ context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, key)
}

// RedisBreaker shares cooldowns between processes through one hash per key.
type RedisBreaker struct {
	rdb  *redis.Client
	opts Options
}

func NewRedisBreaker(rdb *redis.Client, opts Options) *RedisBreaker {
	opts.defaults()
	return &RedisBreaker{rdb: rdb, opts: opts}
}

// Remaining reports no cooldown when Redis is unreachable.
func (b *RedisBreaker) Remaining(ctx context.Context, key string) time.Duration {
	v, err := b.rdb.HGet(ctx, key, "retry_at").Result()
	if err != nil {
		return 0
	}
	retryAt, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return max(time.Until(time.UnixMilli(retryAt)), 0)
}

func (b *RedisBreaker) Trip(ctx context.Context, key string) time.Duration {
	failures, err := b.rdb.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		failures = 1
	}
	d := backoff(b.opts.BaseBackoff, b.opts.MaxBackoff, failures)
	now := time.Now()
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"retry_at":  now.Add(d).UnixMilli(),
		"opened_at": now.UnixMilli(),
	})
	pipe.Expire(ctx, key, b.opts.MaxBackoff*2)
	_, _ = pipe.Exec(ctx)
	return d
}

func (b *RedisBreaker) Reset(ctx context.Context, key string) {
	_ = b.rdb.Del(ctx, key).Err()
}
