package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(newTestRedis(t), "test:queue")

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, testMessage(id, "orders")); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if n, _ := q.Count(ctx); n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if msg.MessageID != want {
			t.Errorf("dequeued %s, want %s", msg.MessageID, want)
		}
	}
	if _, err := q.Dequeue(ctx); err != ErrQueueEmpty {
		t.Errorf("empty dequeue: %v", err)
	}
}

func TestRedisQueue_PeekAndRemove(t *testing.T) {
	ctx := context.Background()
	q := NewRedisQueue(newTestRedis(t), "test:queue")

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, testMessage(id, "orders"))
	}

	peeked, err := q.Peek(ctx, 2)
	if err != nil || len(peeked) != 2 {
		t.Fatalf("peek: %d, %v", len(peeked), err)
	}
	if n, _ := q.Count(ctx); n != 3 {
		t.Errorf("peek consumed: count = %d", n)
	}

	removed, err := q.Remove(ctx, "b")
	if err != nil || !removed {
		t.Fatalf("remove b: %v %v", removed, err)
	}
	if removed, _ := q.Remove(ctx, "missing"); removed {
		t.Error("removed nonexistent message")
	}

	msg, _ := q.Dequeue(ctx)
	next, _ := q.Dequeue(ctx)
	if msg.MessageID != "a" || next.MessageID != "c" {
		t.Errorf("order after remove: %s, %s", msg.MessageID, next.MessageID)
	}
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	lock := NewRedisLock(newTestRedis(t), time.Minute)

	h1, err := lock.Acquire(ctx, "deploy", time.Second)
	if err != nil || h1 == nil {
		t.Fatalf("first acquire: %v %v", h1, err)
	}

	// Second holder times out while the first holds the lock.
	h2, err := lock.Acquire(ctx, "deploy", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("contended acquire errored: %v", err)
	}
	if h2 != nil {
		t.Fatal("lock acquired twice")
	}

	if err := h1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	h3, err := lock.Acquire(ctx, "deploy", time.Second)
	if err != nil || h3 == nil {
		t.Fatalf("acquire after release: %v %v", h3, err)
	}
	h3.Release(ctx)
}

func TestRedisLock_ReleaseIsFenced(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	lock := NewRedisLock(client, time.Minute)

	h1, _ := lock.Acquire(ctx, "deploy", time.Second)

	// Simulate expiry and reacquisition by another holder.
	client.Del(ctx, "modswap:lock:deploy")
	h2, _ := lock.Acquire(ctx, "deploy", time.Second)
	if h2 == nil {
		t.Fatal("reacquire after expiry failed")
	}

	// The stale handle's release must not free the new holder's lock.
	if err := h1.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	h3, err := lock.Acquire(ctx, "deploy", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("probe acquire: %v", err)
	}
	if h3 != nil {
		t.Error("stale release freed a lock it no longer held")
	}
	h2.Release(ctx)
}

func TestRedisIdempotency(t *testing.T) {
	ctx := context.Background()
	store := NewRedisIdempotency(newTestRedis(t), time.Hour)

	seen, err := store.HasBeenProcessed(ctx, "key-1")
	if err != nil || seen {
		t.Fatalf("fresh key: %v %v", seen, err)
	}
	if err := store.MarkAsProcessed(ctx, "key-1", "msg-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	seen, err = store.HasBeenProcessed(ctx, "key-1")
	if err != nil || !seen {
		t.Fatalf("marked key: %v %v", seen, err)
	}

	// Re-marking with a different message id is a no-op.
	if err := store.MarkAsProcessed(ctx, "key-1", "msg-2"); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	if seen, _ := store.HasBeenProcessed(ctx, "other"); seen {
		t.Error("unrelated key marked")
	}
}
