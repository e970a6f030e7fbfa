package broker

import (
	"context"
	"log/slog"
	"time"
)

// AckTimeoutMonitor periodically scans the queue for in-flight messages
// whose ack deadline has expired and requeues them with a bumped
// attempt counter and a fresh deadline.
type AckTimeoutMonitor struct {
	queue      Queue
	interval   time.Duration
	ackTimeout time.Duration
	batchSize  int
	logger     *slog.Logger
}

// NewAckTimeoutMonitor creates an ack-deadline monitor. interval
// defaults to 5s, ackTimeout to 30s, batchSize to 100.
func NewAckTimeoutMonitor(queue Queue, interval, ackTimeout time.Duration, batchSize int, logger *slog.Logger) *AckTimeoutMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &AckTimeoutMonitor{
		queue:      queue,
		interval:   interval,
		ackTimeout: ackTimeout,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Run polls until the context is cancelled. A queue-wide error backs
// off one interval and retries; per-message errors are logged and do
// not stop the scan.
func (m *AckTimeoutMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("ack monitor scan failed", "error", err)
			}
		}
	}
}

// Tick performs one scan cycle. Exported so tests and callers can run
// the monitor synchronously.
func (m *AckTimeoutMonitor) Tick(ctx context.Context) error {
	batch, err := m.queue.Peek(ctx, m.batchSize)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, msg := range batch {
		if msg.AckDeadline == nil || !msg.AckDeadline.Before(now) {
			continue
		}
		if err := m.requeue(ctx, msg, now); err != nil {
			m.logger.Error("requeue expired message failed",
				"message_id", msg.MessageID,
				"error", err,
			)
		}
	}
	return nil
}

func (m *AckTimeoutMonitor) requeue(ctx context.Context, msg *Message, now time.Time) error {
	if _, err := m.queue.Remove(ctx, msg.MessageID); err != nil {
		return err
	}
	redelivery := msg.Clone()
	redelivery.DeliveryAttempts++
	deadline := now.Add(m.ackTimeout)
	redelivery.AckDeadline = &deadline

	if err := m.queue.Enqueue(ctx, redelivery); err != nil {
		return err
	}
	m.logger.Debug("expired message requeued",
		"message_id", msg.MessageID,
		"attempts", redelivery.DeliveryAttempts,
		"new_deadline", deadline,
	)
	return nil
}
