package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freitascorp/modswap/pkg/observability"
)

// Topic partition bounds.
const (
	MinPartitions = 1
	MaxPartitions = 16
)

// MaxTopicFetchLimit caps GetMessagesByTopic.
const MaxTopicFetchLimit = 1000

// Options configures a Broker.
type Options struct {
	Delivery          DeliveryOptions
	LockTimeout       time.Duration // exactly-once lock acquisition (default 30s)
	AckTimeout        time.Duration // default ack deadline (default 30s)
	DispatchInterval  time.Duration // idle poll interval for the dispatch loop (default 50ms)
	DefaultPartitions int           // partition count when a topic omits it (default 1)
}

func (o *Options) applyDefaults() {
	o.Delivery.applyDefaults()
	if o.LockTimeout <= 0 {
		o.LockTimeout = 30 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 30 * time.Second
	}
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = 50 * time.Millisecond
	}
	if o.DefaultPartitions <= 0 {
		o.DefaultPartitions = 1
	}
}

// Broker ties the queue, persistence, router, and delivery services
// together behind the publish/subscribe surface.
type Broker struct {
	queue       Queue
	persistence PersistenceStore
	router      *Router
	delivery    *DeliveryService
	exactlyOnce *ExactlyOnceDelivery
	dlq         *DLQService
	dispatcher  Dispatcher
	metrics     *observability.Metrics
	options     Options
	logger      *slog.Logger

	mu          sync.RWMutex
	topics      map[string]*Topic
	subs        map[string]*Subscription
	subsByTopic map[string][]string // topic → subscription ids in creation order
}

// New creates a broker. lock and idempotency back exactly-once topics;
// dispatcher performs the actual consumer hand-off (nil disables the
// dispatch loop, useful for pure pull setups and tests).
func New(queue Queue, persistence PersistenceStore, lock DistributedLock, idempotency IdempotencyStore, dispatcher Dispatcher, metrics *observability.Metrics, options Options, logger *slog.Logger) *Broker {
	options.applyDefaults()
	dlq := NewDLQService(queue, persistence, logger)
	delivery := NewDeliveryService(dlq, options.Delivery, logger)
	return &Broker{
		queue:       queue,
		persistence: persistence,
		router:      NewRouter(),
		delivery:    delivery,
		exactlyOnce: NewExactlyOnceDelivery(delivery, lock, idempotency, options.LockTimeout, logger),
		dlq:         dlq,
		dispatcher:  dispatcher,
		metrics:     metrics,
		options:     options,
		logger:      logger,
		topics:      make(map[string]*Topic),
		subs:        make(map[string]*Subscription),
		subsByTopic: make(map[string][]string),
	}
}

// DLQ returns the broker's dead-letter service.
func (b *Broker) DLQ() *DLQService { return b.dlq }

// ------------------------------------------------------------------
// Topic management
// ------------------------------------------------------------------

// CreateTopic registers a topic. Names are unique; partition count
// must be within [1,16].
func (b *Broker) CreateTopic(t *Topic) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("topic name required: %w", ErrInvalidArgument)
	}
	if t.Type != TopicTypeQueue && t.Type != TopicTypePubSub {
		return fmt.Errorf("topic %s: unknown type %q: %w", t.Name, t.Type, ErrInvalidArgument)
	}
	if t.PartitionCount == 0 {
		t.PartitionCount = b.options.DefaultPartitions
	}
	if t.PartitionCount < MinPartitions || t.PartitionCount > MaxPartitions {
		return fmt.Errorf("topic %s: partition count %d outside [%d,%d]: %w",
			t.Name, t.PartitionCount, MinPartitions, MaxPartitions, ErrInvalidArgument)
	}
	if t.DeliveryGuarantee == "" {
		t.DeliveryGuarantee = AtLeastOnce
	}
	t.CreatedAt = time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[t.Name]; ok {
		return fmt.Errorf("topic %s: %w", t.Name, ErrConflict)
	}
	b.topics[t.Name] = t
	b.logger.Info("topic created", "topic", t.Name, "type", t.Type, "guarantee", t.DeliveryGuarantee)
	return nil
}

// UpdateTopic applies a topic update. The type is immutable and the
// partition count never decreases.
func (b *Broker) UpdateTopic(t *Topic) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("topic name required: %w", ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.topics[t.Name]
	if !ok {
		return fmt.Errorf("topic %s: %w", t.Name, ErrNotFound)
	}
	if t.Type != "" && t.Type != existing.Type {
		return fmt.Errorf("topic %s: type is immutable: %w", t.Name, ErrIllegalState)
	}
	if t.PartitionCount < existing.PartitionCount {
		return fmt.Errorf("topic %s: partition count cannot decrease (%d → %d): %w",
			t.Name, existing.PartitionCount, t.PartitionCount, ErrIllegalState)
	}
	if t.PartitionCount > MaxPartitions {
		return fmt.Errorf("topic %s: partition count %d exceeds %d: %w",
			t.Name, t.PartitionCount, MaxPartitions, ErrInvalidArgument)
	}
	existing.PartitionCount = t.PartitionCount
	existing.SchemaID = t.SchemaID
	existing.RetentionPeriod = t.RetentionPeriod
	existing.ReplicationFactor = t.ReplicationFactor
	if t.DeliveryGuarantee != "" {
		existing.DeliveryGuarantee = t.DeliveryGuarantee
	}
	if t.Config != nil {
		existing.Config = t.Config
	}
	return nil
}

// GetTopic returns a topic by name.
func (b *Broker) GetTopic(name string) (*Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", name, ErrNotFound)
	}
	return t, nil
}

// ListTopics returns all topics.
func (b *Broker) ListTopics() []*Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		out = append(out, t)
	}
	return out
}

// DeleteTopic removes a topic and its subscriptions.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		return fmt.Errorf("topic %s: %w", name, ErrNotFound)
	}
	delete(b.topics, name)
	for _, id := range b.subsByTopic[name] {
		delete(b.subs, id)
	}
	delete(b.subsByTopic, name)
	return nil
}

// ------------------------------------------------------------------
// Subscription management
// ------------------------------------------------------------------

// Subscribe registers a consumer on a topic.
func (b *Broker) Subscribe(sub *Subscription) error {
	if sub == nil || sub.TopicName == "" {
		return fmt.Errorf("subscription topic required: %w", ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[sub.TopicName]; !ok {
		return fmt.Errorf("topic %s: %w", sub.TopicName, ErrNotFound)
	}
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = uuid.NewString()
	}
	if _, ok := b.subs[sub.SubscriptionID]; ok {
		return fmt.Errorf("subscription %s: %w", sub.SubscriptionID, ErrConflict)
	}
	if sub.Type == "" {
		sub.Type = SubscriptionPull
	}
	if sub.AckTimeout <= 0 {
		sub.AckTimeout = b.options.AckTimeout
	}
	if sub.MaxRetries == 0 {
		sub.MaxRetries = b.options.Delivery.MaxRetries
	}
	sub.CreatedAt = time.Now().UTC()
	b.subs[sub.SubscriptionID] = sub
	b.subsByTopic[sub.TopicName] = append(b.subsByTopic[sub.TopicName], sub.SubscriptionID)
	b.logger.Info("subscription created",
		"subscription_id", sub.SubscriptionID,
		"topic", sub.TopicName,
		"group", sub.ConsumerGroup,
		"type", sub.Type,
	)
	return nil
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subscriptionID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	delete(b.subs, subscriptionID)
	ids := b.subsByTopic[sub.TopicName]
	for i, id := range ids {
		if id == subscriptionID {
			b.subsByTopic[sub.TopicName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// GetSubscription returns a subscription by id.
func (b *Broker) GetSubscription(subscriptionID string) (*Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	return sub, nil
}

// Subscriptions returns a topic's subscriptions in creation order.
func (b *Broker) Subscriptions(topic string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := b.subsByTopic[topic]
	out := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		if s, ok := b.subs[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ------------------------------------------------------------------
// Message operations
// ------------------------------------------------------------------

// Publish validates, persists, and enqueues a message on its topic.
func (b *Broker) Publish(ctx context.Context, msg *Message) error {
	if msg == nil || msg.TopicName == "" {
		return fmt.Errorf("publish: topic required: %w", ErrInvalidArgument)
	}
	if msg.Priority < 0 || msg.Priority > 9 {
		return fmt.Errorf("publish: priority %d outside [0,9]: %w", msg.Priority, ErrInvalidArgument)
	}
	if _, err := b.GetTopic(msg.TopicName); err != nil {
		return err
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Status = MessagePending

	if err := b.persistence.Store(ctx, msg); err != nil {
		return fmt.Errorf("persist %s: %w", msg.MessageID, err)
	}
	if err := b.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.MessageID, err)
	}
	if b.metrics != nil {
		b.metrics.MessagesPublished.WithLabelValues(msg.TopicName).Inc()
	}
	b.logger.Debug("message published", "message_id", msg.MessageID, "topic", msg.TopicName)
	return nil
}

// GetMessage fetches a persisted message by id.
func (b *Broker) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	return b.persistence.Retrieve(ctx, messageID)
}

// GetMessagesByTopic returns up to limit messages on a topic; limit is
// capped at 1000 and defaults to 100.
func (b *Broker) GetMessagesByTopic(ctx context.Context, topic string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxTopicFetchLimit {
		limit = MaxTopicFetchLimit
	}
	return b.persistence.GetByTopic(ctx, topic, limit)
}

// Acknowledge marks a message acknowledged and drops it from the queue.
func (b *Broker) Acknowledge(ctx context.Context, messageID string) error {
	msg, err := b.persistence.Retrieve(ctx, messageID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	msg.Status = MessageAcknowledged
	msg.AcknowledgedAt = &now
	msg.AckDeadline = nil
	if err := b.persistence.Store(ctx, msg); err != nil {
		return fmt.Errorf("persist ack %s: %w", messageID, err)
	}
	if _, err := b.queue.Remove(ctx, messageID); err != nil {
		return fmt.Errorf("dequeue ack %s: %w", messageID, err)
	}
	b.logger.Debug("message acknowledged", "message_id", messageID)
	return nil
}

// DeleteMessage removes a message from persistence and the queue.
func (b *Broker) DeleteMessage(ctx context.Context, messageID string) error {
	if err := b.persistence.Delete(ctx, messageID); err != nil {
		return err
	}
	if _, err := b.queue.Remove(ctx, messageID); err != nil {
		return fmt.Errorf("dequeue delete %s: %w", messageID, err)
	}
	return nil
}

// ReplayFromDLQ replays a dead-lettered message to its original topic.
func (b *Broker) ReplayFromDLQ(ctx context.Context, messageID string) (bool, error) {
	ok, err := b.dlq.ReplayFromDLQ(ctx, messageID)
	if ok && b.metrics != nil {
		b.metrics.DLQReplays.Inc()
	}
	return ok, err
}

// ------------------------------------------------------------------
// Dispatch loop
// ------------------------------------------------------------------

// RunDispatcher drains the queue, routes each message, and delivers it
// to the selected consumers until the context is cancelled.
func (b *Broker) RunDispatcher(ctx context.Context) {
	if b.dispatcher == nil {
		b.logger.Info("dispatcher not configured, skipping dispatch loop")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := b.queue.Dequeue(ctx)
		if err != nil {
			if err != ErrQueueEmpty {
				b.logger.Error("dequeue failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.options.DispatchInterval):
			}
			continue
		}
		b.dispatchOne(ctx, msg)
	}
}

// dispatchOne routes and delivers a single message.
func (b *Broker) dispatchOne(ctx context.Context, msg *Message) {
	// In-flight messages awaiting ack cycle back until the deadline
	// expires; the ack monitor owns expiry.
	if msg.Status == MessageDelivered && msg.AckDeadline != nil && msg.AckDeadline.After(time.Now()) {
		if err := b.queue.Enqueue(ctx, msg); err != nil {
			b.logger.Error("requeue in-flight failed", "message_id", msg.MessageID, "error", err)
		}
		return
	}

	topic, err := b.GetTopic(msg.TopicName)
	if err != nil {
		// DLQ traffic and unknown topics have no subscribers to route to.
		return
	}

	route := b.router.Route(msg, topic, b.Subscriptions(topic.Name))
	if !route.Success {
		b.logger.Warn("routing failed, dead-lettering",
			"message_id", msg.MessageID,
			"topic", msg.TopicName,
			"reason", route.ErrorMessage,
		)
		if b.dlq.MoveToDLQ(ctx, msg, route.ErrorMessage) && b.metrics != nil {
			b.metrics.DLQMessages.WithLabelValues(msg.TopicName).Inc()
		}
		return
	}

	for _, consumerID := range route.ConsumerIDs {
		b.deliverTo(ctx, msg, topic, consumerID)
	}
}

func (b *Broker) deliverTo(ctx context.Context, msg *Message, topic *Topic, consumerID string) {
	sub, err := b.GetSubscription(consumerID)
	if err != nil {
		b.logger.Warn("routed to vanished subscription", "subscription_id", consumerID)
		return
	}

	deliver := func(ctx context.Context, m *Message) (string, error) {
		if b.metrics != nil {
			b.metrics.DeliveryAttempts.Inc()
		}
		if err := b.dispatcher.Dispatch(ctx, sub, m); err != nil {
			return "", err
		}
		return sub.SubscriptionID, nil
	}

	var result DeliveryResult
	if topic.DeliveryGuarantee == ExactlyOnce {
		result = b.exactlyOnce.Deliver(ctx, msg, deliver)
	} else {
		result = b.delivery.DeliverWithRetry(ctx, msg, deliver)
	}

	switch {
	case result.IsDuplicate:
		if b.metrics != nil {
			b.metrics.DuplicatesDropped.Inc()
		}
	case result.IsSuccess:
		if b.metrics != nil {
			b.metrics.DeliverySuccess.Inc()
		}
		b.afterDelivery(ctx, msg, topic, sub)
	default:
		if b.metrics != nil {
			b.metrics.DeliveryFailures.Inc()
			if result.MovedToDLQ {
				b.metrics.DLQMessages.WithLabelValues(topic.Name).Inc()
			}
		}
	}

	if b.persistence != nil {
		if err := b.persistence.Store(ctx, msg); err != nil {
			b.logger.Error("persist delivery state failed", "message_id", msg.MessageID, "error", err)
		}
	}
}

// afterDelivery arms the ack deadline for at-least-once and
// exactly-once topics and cycles the message back into the queue until
// the consumer acknowledges it.
func (b *Broker) afterDelivery(ctx context.Context, msg *Message, topic *Topic, sub *Subscription) {
	if topic.DeliveryGuarantee == AtMostOnce {
		return
	}
	deadline := time.Now().Add(sub.AckTimeout)
	msg.AckDeadline = &deadline
	if err := b.queue.Enqueue(ctx, msg); err != nil {
		b.logger.Error("requeue for ack failed", "message_id", msg.MessageID, "error", err)
	}
}
