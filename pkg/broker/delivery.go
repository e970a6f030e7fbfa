package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// DeliveryOptions tunes the retry loop.
type DeliveryOptions struct {
	MaxRetries     int           // retries after the first attempt (default 5)
	InitialBackoff time.Duration // first retry delay (default 100ms)
	MaxBackoff     time.Duration // cap on delay (default 5s)
	Multiplier     float64       // backoff multiplier (default 2.0)
}

// DefaultDeliveryOptions returns the standard retry configuration.
func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

func (o *DeliveryOptions) applyDefaults() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2.0
	}
}

// Backoff returns the delay before retry attempt n (1-based):
// min(MaxBackoff, InitialBackoff * Multiplier^(n-1)).
func (o DeliveryOptions) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(o.InitialBackoff) * math.Pow(o.Multiplier, float64(attempt-1)))
	if d > o.MaxBackoff || d <= 0 {
		d = o.MaxBackoff
	}
	return d
}

// DeliverFunc attempts one delivery of a message to a consumer.
// It returns the consumer id that accepted the message.
type DeliverFunc func(ctx context.Context, msg *Message) (consumerID string, err error)

// DeliveryResult is the outcome of a DeliverWithRetry call.
type DeliveryResult struct {
	IsSuccess        bool          `json:"is_success"`
	IsDuplicate      bool          `json:"is_duplicate,omitempty"`
	DeliveryAttempts int           `json:"delivery_attempts"`
	TotalDelay       time.Duration `json:"total_delay"`
	ConsumerID       string        `json:"consumer_id,omitempty"`
	MovedToDLQ       bool          `json:"moved_to_dlq,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// DeliveryService runs the per-message retry loop with exponential
// backoff, handing exhausted messages to the dead-letter queue.
type DeliveryService struct {
	dlq     *DLQService
	options DeliveryOptions
	logger  *slog.Logger
}

// NewDeliveryService creates a delivery service. Zero-valued options
// fields fall back to defaults.
func NewDeliveryService(dlq *DLQService, options DeliveryOptions, logger *slog.Logger) *DeliveryService {
	options.applyDefaults()
	return &DeliveryService{dlq: dlq, options: options, logger: logger}
}

// Options returns the effective retry configuration.
func (s *DeliveryService) Options() DeliveryOptions { return s.options }

// DeliverWithRetry attempts delivery until success or retry exhaustion.
// The attempt counter continues from the message's existing
// DeliveryAttempts; each call to deliver increments it by one. After
// MaxRetries+1 total attempts the message moves to the DLQ topic and
// its status becomes Failed. Retries within one call are strictly
// sequential. Cancellation propagates as an error without persisting
// partial retry state.
func (s *DeliveryService) DeliverWithRetry(ctx context.Context, msg *Message, deliver DeliverFunc) DeliveryResult {
	var totalDelay time.Duration
	var lastErr error

	for attempt := 1; attempt <= s.options.MaxRetries+1; attempt++ {
		msg.DeliveryAttempts++

		consumerID, err := s.attempt(ctx, msg, deliver)
		if err == nil {
			msg.Status = MessageDelivered
			return DeliveryResult{
				IsSuccess:        true,
				DeliveryAttempts: msg.DeliveryAttempts,
				TotalDelay:       totalDelay,
				ConsumerID:       consumerID,
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			return DeliveryResult{
				IsSuccess:        false,
				DeliveryAttempts: msg.DeliveryAttempts,
				TotalDelay:       totalDelay,
				ErrorMessage:     ctx.Err().Error(),
			}
		}

		if attempt <= s.options.MaxRetries {
			delay := s.options.Backoff(attempt)
			s.logger.Debug("delivery failed, backing off",
				"message_id", msg.MessageID,
				"attempt", msg.DeliveryAttempts,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return DeliveryResult{
					IsSuccess:        false,
					DeliveryAttempts: msg.DeliveryAttempts,
					TotalDelay:       totalDelay,
					ErrorMessage:     ctx.Err().Error(),
				}
			case <-time.After(delay):
				totalDelay += delay
			}
		}
	}

	s.logger.Warn("delivery exhausted, moving to DLQ",
		"message_id", msg.MessageID,
		"topic", msg.TopicName,
		"attempts", msg.DeliveryAttempts,
		"error", lastErr,
	)

	result := DeliveryResult{
		IsSuccess:        false,
		DeliveryAttempts: msg.DeliveryAttempts,
		TotalDelay:       totalDelay,
		ErrorMessage:     lastErr.Error(),
	}
	if s.dlq != nil {
		if ok := s.dlq.MoveToDLQ(ctx, msg, lastErr.Error()); ok {
			result.MovedToDLQ = true
		}
	}
	return result
}

// attempt runs one delivery call, converting panics into errors so a
// misbehaving consumer callback counts as a failed attempt.
func (s *DeliveryService) attempt(ctx context.Context, msg *Message, deliver DeliverFunc) (consumerID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return deliver(ctx, msg)
}
