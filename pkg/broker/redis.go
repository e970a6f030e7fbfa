// Package broker — Redis-backed coordination backends.
//
// RedisLock and RedisIdempotency back exactly-once delivery in
// multi-instance deployments; RedisQueue is a shared message queue for
// brokers that span processes. All three use a single go-redis client
// injected by the caller.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ------------------------------------------------------------------
// Distributed lock (SET NX PX with fenced release)
// ------------------------------------------------------------------

// releaseScript deletes the lock key only if it still holds our token,
// so an expired lock reacquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements DistributedLock on Redis.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// NewRedisLock creates a Redis-backed lock service. Locks auto-expire
// after ttl (default 30s).
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{
		client: client,
		ttl:    ttl,
		retry:  10 * time.Millisecond,
		prefix: "modswap:lock:",
	}
}

// Acquire blocks up to timeout for the lock. Returns (nil, nil) on timeout.
func (l *RedisLock) Acquire(ctx context.Context, key string, timeout time.Duration) (LockHandle, error) {
	token := uuid.NewString()
	redisKey := l.prefix + key
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return &redisLockHandle{client: l.client, key: redisKey, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

type redisLockHandle struct {
	client *redis.Client
	key    string
	token  string
}

func (h *redisLockHandle) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis unlock %s: %w", h.key, err)
	}
	return nil
}

// ------------------------------------------------------------------
// Idempotency store
// ------------------------------------------------------------------

// RedisIdempotency implements IdempotencyStore on Redis with a TTL so
// processed keys age out with message retention.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotency creates a Redis-backed idempotency store.
// ttl of 0 means keys are kept for 24h.
func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotency{client: client, ttl: ttl, prefix: "modswap:processed:"}
}

// HasBeenProcessed reports whether the key has been marked.
func (s *RedisIdempotency) HasBeenProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkAsProcessed records the key. SETNX makes a second mark a no-op.
func (s *RedisIdempotency) MarkAsProcessed(ctx context.Context, key string, messageID string) error {
	if err := s.client.SetNX(ctx, s.prefix+key, messageID, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis mark %s: %w", key, err)
	}
	return nil
}

// ------------------------------------------------------------------
// Shared queue
// ------------------------------------------------------------------

// RedisQueue implements Queue on a Redis list shared across broker
// instances. Messages are stored as JSON.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a Redis-backed queue under the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "modswap:queue"
	}
	return &RedisQueue{client: client, key: key}
}

// Enqueue appends a message to the queue tail.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("enqueue: nil message: %w", ErrInvalidArgument)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.MessageID, err)
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Dequeue removes and returns the queue head.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	raw, err := q.client.LPop(ctx, q.key).Bytes()
	if err == redis.Nil {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis lpop: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal queued message: %w", err)
	}
	return &msg, nil
}

// Peek returns up to limit messages from the head without removal.
func (q *RedisQueue) Peek(ctx context.Context, limit int) ([]*Message, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	raws, err := q.client.LRange(ctx, q.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal queued message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

// Remove deletes the first queued message with the given id.
func (q *RedisQueue) Remove(ctx context.Context, messageID string) (bool, error) {
	raws, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("redis lrange: %w", err)
	}
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.MessageID == messageID {
			n, err := q.client.LRem(ctx, q.key, 1, raw).Result()
			if err != nil {
				return false, fmt.Errorf("redis lrem: %w", err)
			}
			return n > 0, nil
		}
	}
	return false, nil
}

// Count returns the queue depth.
func (q *RedisQueue) Count(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return int(n), nil
}
