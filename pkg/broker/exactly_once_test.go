package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newExactlyOnce(t *testing.T) *ExactlyOnceDelivery {
	t.Helper()
	dlq, _, _ := newTestDLQ()
	delivery := NewDeliveryService(dlq, DeliveryOptions{MaxRetries: 0}, discardLogger())
	return NewExactlyOnceDelivery(delivery, NewMemoryLock(time.Minute), NewMemoryIdempotency(), 2*time.Second, discardLogger())
}

func keyedMessage(id, key string) *Message {
	msg := testMessage(id, "orders")
	msg.Headers = map[string]string{HeaderIdempotencyKey: key}
	return msg
}

func TestExactlyOnce_FirstDeliverySucceeds(t *testing.T) {
	eo := newExactlyOnce(t)

	calls := 0
	res := eo.Deliver(context.Background(), keyedMessage("m1", "K"), func(ctx context.Context, m *Message) (string, error) {
		calls++
		return "consumer-1", nil
	})
	if !res.IsSuccess || res.IsDuplicate || calls != 1 {
		t.Fatalf("unexpected: %+v calls=%d", res, calls)
	}
}

func TestExactlyOnce_DuplicateSuppressed(t *testing.T) {
	eo := newExactlyOnce(t)

	deliver := func(ctx context.Context, m *Message) (string, error) { return "c", nil }
	eo.Deliver(context.Background(), keyedMessage("m1", "K"), deliver)

	calls := 0
	res := eo.Deliver(context.Background(), keyedMessage("m2", "K"), func(ctx context.Context, m *Message) (string, error) {
		calls++
		return "c", nil
	})
	if !res.IsDuplicate || res.IsSuccess {
		t.Fatalf("expected duplicate result, got %+v", res)
	}
	if calls != 0 {
		t.Errorf("deliver invoked %d times for duplicate key", calls)
	}
}

func TestExactlyOnce_ConcurrentDuplicates(t *testing.T) {
	eo := newExactlyOnce(t)

	var deliveries atomic.Int32
	deliver := func(ctx context.Context, m *Message) (string, error) {
		deliveries.Add(1)
		time.Sleep(10 * time.Millisecond) // hold the lock across the race
		return "consumer-1", nil
	}

	var wg sync.WaitGroup
	results := make([]DeliveryResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = eo.Deliver(context.Background(), keyedMessage("m", "K"), deliver)
		}(i)
	}
	wg.Wait()

	if deliveries.Load() != 1 {
		t.Fatalf("deliver invoked %d times, want exactly 1", deliveries.Load())
	}
	successes, duplicates := 0, 0
	for _, r := range results {
		if r.IsSuccess && !r.IsDuplicate {
			successes++
		}
		if r.IsDuplicate && !r.IsSuccess {
			duplicates++
		}
	}
	if successes != 1 || duplicates != 1 {
		t.Errorf("want one success and one duplicate, got %+v", results)
	}
}

func TestExactlyOnce_LockTimeout(t *testing.T) {
	dlq, _, _ := newTestDLQ()
	delivery := NewDeliveryService(dlq, DeliveryOptions{MaxRetries: 0}, discardLogger())
	lock := NewMemoryLock(time.Minute)
	eo := NewExactlyOnceDelivery(delivery, lock, NewMemoryIdempotency(), 50*time.Millisecond, discardLogger())

	// An outside holder keeps the key locked past the timeout.
	handle, _ := lock.Acquire(context.Background(), "K", time.Second)
	defer handle.Release(context.Background())

	calls := 0
	res := eo.Deliver(context.Background(), keyedMessage("m", "K"), func(ctx context.Context, m *Message) (string, error) {
		calls++
		return "c", nil
	})
	if res.IsSuccess || calls != 0 {
		t.Fatalf("delivery proceeded without the lock: %+v calls=%d", res, calls)
	}
	if res.ErrorMessage != "Could not acquire lock" {
		t.Errorf("unexpected error message %q", res.ErrorMessage)
	}
}

func TestExactlyOnce_FailedDeliveryLeavesKeyUnprocessed(t *testing.T) {
	eo := newExactlyOnce(t)

	res := eo.Deliver(context.Background(), keyedMessage("m1", "K"), func(ctx context.Context, m *Message) (string, error) {
		return "", context.DeadlineExceeded
	})
	if res.IsSuccess {
		t.Fatalf("expected failure, got %+v", res)
	}

	// The key must still be deliverable.
	res = eo.Deliver(context.Background(), keyedMessage("m2", "K"), func(ctx context.Context, m *Message) (string, error) {
		return "consumer-1", nil
	})
	if !res.IsSuccess || res.IsDuplicate {
		t.Errorf("retry after failure blocked: %+v", res)
	}
}
