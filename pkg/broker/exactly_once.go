package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExactlyOnceDelivery wraps a DeliveryService with a distributed lock
// and an idempotency store so each idempotency key commits at most one
// delivery, regardless of concurrent or repeated calls.
type ExactlyOnceDelivery struct {
	delivery    *DeliveryService
	lock        DistributedLock
	idempotency IdempotencyStore
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewExactlyOnceDelivery creates an exactly-once wrapper. lockTimeout
// defaults to 30s.
func NewExactlyOnceDelivery(delivery *DeliveryService, lock DistributedLock, idempotency IdempotencyStore, lockTimeout time.Duration, logger *slog.Logger) *ExactlyOnceDelivery {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	return &ExactlyOnceDelivery{
		delivery:    delivery,
		lock:        lock,
		idempotency: idempotency,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Deliver performs exactly-once delivery keyed by the message's
// idempotency key. The flow under the lock is:
//
//	already processed → {IsDuplicate, no delivery attempt}
//	deliver → mark processed → success
//
// Marking must succeed before success is reported; a mark failure is a
// delivery failure and the key stays unprocessed. The lock is released
// exactly once on every path.
func (e *ExactlyOnceDelivery) Deliver(ctx context.Context, msg *Message, deliver DeliverFunc) DeliveryResult {
	key := msg.IdempotencyKey()

	handle, err := e.lock.Acquire(ctx, key, e.lockTimeout)
	if err != nil {
		return DeliveryResult{IsSuccess: false, ErrorMessage: fmt.Sprintf("lock acquire: %v", err)}
	}
	if handle == nil {
		e.logger.Warn("exactly-once lock timeout", "key", key, "message_id", msg.MessageID)
		return DeliveryResult{IsSuccess: false, ErrorMessage: "Could not acquire lock"}
	}
	defer func() {
		if relErr := handle.Release(context.WithoutCancel(ctx)); relErr != nil {
			e.logger.Error("lock release failed", "key", key, "error", relErr)
		}
	}()

	processed, err := e.idempotency.HasBeenProcessed(ctx, key)
	if err != nil {
		return DeliveryResult{IsSuccess: false, ErrorMessage: fmt.Sprintf("idempotency check: %v", err)}
	}
	if processed {
		e.logger.Debug("duplicate delivery suppressed", "key", key, "message_id", msg.MessageID)
		return DeliveryResult{IsSuccess: false, IsDuplicate: true}
	}

	result := e.delivery.DeliverWithRetry(ctx, msg, deliver)
	if !result.IsSuccess {
		return result
	}

	if err := e.idempotency.MarkAsProcessed(ctx, key, msg.MessageID); err != nil {
		// The commit did not land: report failure so the caller retries,
		// the idempotency store will dedupe if the consumer saw it.
		e.logger.Error("mark processed failed", "key", key, "error", err)
		result.IsSuccess = false
		result.ErrorMessage = fmt.Sprintf("mark processed: %v", err)
		return result
	}
	return result
}
