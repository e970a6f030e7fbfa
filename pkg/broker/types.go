// Package broker provides the in-cluster message broker that carries
// coordination events for modswap deployments.
//
// It implements:
//   - Topic-based pub/sub and queue routing with pluggable strategies
//   - At-least-once delivery with exponential backoff retry
//   - Exactly-once delivery via distributed locking and idempotency tracking
//   - Dead-letter queueing with replay
//   - Ack-deadline monitoring with automatic redelivery
//   - Broker health monitoring by queue depth
//
// Persistence, queueing, locking, and idempotency are pluggable backends
// behind small interfaces; implementations range from in-memory (dev/test)
// to SQLite, PostgreSQL, and Redis.
package broker

import (
	"context"
	"time"
)

// TopicType determines how messages on a topic are routed.
type TopicType string

const (
	TopicTypeQueue  TopicType = "queue"  // load-balanced across a consumer group
	TopicTypePubSub TopicType = "pubsub" // fanned out to every subscriber
)

// DeliveryGuarantee is the delivery contract for a topic.
type DeliveryGuarantee string

const (
	AtMostOnce  DeliveryGuarantee = "at-most-once"
	AtLeastOnce DeliveryGuarantee = "at-least-once"
	ExactlyOnce DeliveryGuarantee = "exactly-once"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

const (
	MessagePending      MessageStatus = "pending"
	MessageDelivered    MessageStatus = "delivered"
	MessageAcknowledged MessageStatus = "acknowledged"
	MessageFailed       MessageStatus = "failed"
)

// SubscriptionType determines how a consumer receives messages.
type SubscriptionType string

const (
	SubscriptionPush SubscriptionType = "push"
	SubscriptionPull SubscriptionType = "pull"
)

// Well-known message headers.
const (
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderOriginalTopic    = "X-Original-Topic"
	HeaderDLQReason        = "X-DLQ-Reason"
	HeaderDeliveryAttempts = "X-Delivery-Attempts"
	HeaderDLQTimestamp     = "X-DLQ-Timestamp"
)

// DLQSuffix is appended to a topic name to form its dead-letter topic.
const DLQSuffix = ".dlq"

// Topic is a named message channel.
type Topic struct {
	Name              string            `json:"name"`
	Type              TopicType         `json:"type"`
	SchemaID          string            `json:"schema_id,omitempty"`
	DeliveryGuarantee DeliveryGuarantee `json:"delivery_guarantee"`
	RetentionPeriod   time.Duration     `json:"retention_period"`
	PartitionCount    int               `json:"partition_count"`    // 1..16, never decreases
	ReplicationFactor int               `json:"replication_factor"`
	Config            map[string]string `json:"config,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Message is a single unit of delivery on a topic.
type Message struct {
	MessageID        string            `json:"message_id"`
	TopicName        string            `json:"topic_name"`
	Payload          []byte            `json:"payload"`
	SchemaVersion    int               `json:"schema_version,omitempty"`
	Priority         int               `json:"priority"` // 0..9
	DeliveryAttempts int               `json:"delivery_attempts"`
	Timestamp        time.Time         `json:"timestamp"`
	Status           MessageStatus     `json:"status"`
	AckDeadline      *time.Time        `json:"ack_deadline,omitempty"`
	AcknowledgedAt   *time.Time        `json:"acknowledged_at,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// Clone returns a deep copy of the message. Headers are copied so the
// clone can be mutated without aliasing the original.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Headers != nil {
		cp.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	if m.AckDeadline != nil {
		d := *m.AckDeadline
		cp.AckDeadline = &d
	}
	if m.AcknowledgedAt != nil {
		a := *m.AcknowledgedAt
		cp.AcknowledgedAt = &a
	}
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	return &cp
}

// IdempotencyKey returns the key used for exactly-once deduplication:
// the Idempotency-Key header when present, otherwise the message id.
func (m *Message) IdempotencyKey() string {
	if k := m.Headers[HeaderIdempotencyKey]; k != "" {
		return k
	}
	return m.MessageID
}

// SubscriptionFilter restricts a subscription to messages whose headers
// match every listed key/value pair exactly.
type SubscriptionFilter struct {
	HeaderMatches map[string]string `json:"header_matches,omitempty"`
}

// Matches reports whether the message headers satisfy the filter.
// A nil filter or empty match set matches everything.
func (f *SubscriptionFilter) Matches(headers map[string]string) bool {
	if f == nil || len(f.HeaderMatches) == 0 {
		return true
	}
	for k, want := range f.HeaderMatches {
		if got, ok := headers[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// Subscription binds a consumer to a topic.
type Subscription struct {
	SubscriptionID   string              `json:"subscription_id"`
	TopicName        string              `json:"topic_name"`
	ConsumerGroup    string              `json:"consumer_group"`
	ConsumerEndpoint string              `json:"consumer_endpoint"`
	Type             SubscriptionType    `json:"type"`
	IsActive         bool                `json:"is_active"`
	Filter           *SubscriptionFilter `json:"filter,omitempty"`
	MaxRetries       int                 `json:"max_retries"`
	AckTimeout       time.Duration       `json:"ack_timeout"`
	CreatedAt        time.Time           `json:"created_at"`
}

// ------------------------------------------------------------------
// Backend interfaces (pluggable, injected at assembly time)
// ------------------------------------------------------------------

// PersistenceStore durably stores messages by id and topic.
// Implementations are treated as linearisable external services.
type PersistenceStore interface {
	Store(ctx context.Context, msg *Message) error
	Retrieve(ctx context.Context, messageID string) (*Message, error)
	GetByTopic(ctx context.Context, topic string, limit int) ([]*Message, error)
	Delete(ctx context.Context, messageID string) error
}

// Queue is an ordered message queue with non-destructive peek.
type Queue interface {
	Enqueue(ctx context.Context, msg *Message) error
	Dequeue(ctx context.Context) (*Message, error)
	Peek(ctx context.Context, limit int) ([]*Message, error)
	Remove(ctx context.Context, messageID string) (bool, error)
	Count(ctx context.Context) (int, error)
}

// LockHandle is a held distributed lock. Release is idempotent.
type LockHandle interface {
	Release(ctx context.Context) error
}

// DistributedLock provides mutual exclusion by key with a TTL so the
// lock is released even if the holder dies.
type DistributedLock interface {
	// Acquire blocks up to timeout waiting for the lock. A nil handle
	// with a nil error means the lock could not be acquired in time.
	Acquire(ctx context.Context, key string, timeout time.Duration) (LockHandle, error)
}

// IdempotencyStore records which idempotency keys have been processed.
type IdempotencyStore interface {
	HasBeenProcessed(ctx context.Context, key string) (bool, error)
	// MarkAsProcessed is idempotent: marking the same key twice is a no-op.
	MarkAsProcessed(ctx context.Context, key string, messageID string) error
}
