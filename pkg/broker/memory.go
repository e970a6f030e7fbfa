package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ------------------------------------------------------------------
// In-memory queue
// ------------------------------------------------------------------

// MemoryQueue is an in-process FIFO queue. Suitable for dev/test and
// single-node deployments; not durable across restarts.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []*Message
	maxDepth int // 0 = unbounded
}

// NewMemoryQueue creates an in-memory queue. maxDepth of 0 means unbounded.
func NewMemoryQueue(maxDepth int) *MemoryQueue {
	return &MemoryQueue{maxDepth: maxDepth}
}

// Enqueue appends a message to the tail of the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("enqueue: nil message: %w", ErrInvalidArgument)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxDepth > 0 && len(q.messages) >= q.maxDepth {
		return fmt.Errorf("enqueue %s: depth %d: %w", msg.MessageID, len(q.messages), ErrQueueFull)
	}
	q.messages = append(q.messages, msg)
	return nil
}

// Dequeue removes and returns the head of the queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, ErrQueueEmpty
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, nil
}

// Peek returns up to limit messages from the head without removing them.
func (q *MemoryQueue) Peek(ctx context.Context, limit int) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.messages) {
		limit = len(q.messages)
	}
	out := make([]*Message, limit)
	copy(out, q.messages[:limit])
	return out, nil
}

// Remove deletes the first message with the given id from the queue.
func (q *MemoryQueue) Remove(ctx context.Context, messageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.MessageID == messageID {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Count returns the current queue depth.
func (q *MemoryQueue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}

// ------------------------------------------------------------------
// In-memory persistence
// ------------------------------------------------------------------

// MemoryPersistence is an in-process PersistenceStore keyed by message id.
type MemoryPersistence struct {
	mu       sync.RWMutex
	messages map[string]*Message
	byTopic  map[string][]string // topic → message ids in store order
}

// NewMemoryPersistence creates an in-memory persistence store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		messages: make(map[string]*Message),
		byTopic:  make(map[string][]string),
	}
}

// Store saves (or overwrites) a message.
func (p *MemoryPersistence) Store(ctx context.Context, msg *Message) error {
	if msg == nil || msg.MessageID == "" {
		return fmt.Errorf("store: message id required: %w", ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.messages[msg.MessageID]; ok && old.TopicName != msg.TopicName {
		p.removeFromTopic(old.TopicName, msg.MessageID)
		p.byTopic[msg.TopicName] = append(p.byTopic[msg.TopicName], msg.MessageID)
	} else if !ok {
		p.byTopic[msg.TopicName] = append(p.byTopic[msg.TopicName], msg.MessageID)
	}
	p.messages[msg.MessageID] = msg.Clone()
	return nil
}

// Retrieve fetches a message by id.
func (p *MemoryPersistence) Retrieve(ctx context.Context, messageID string) (*Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return msg.Clone(), nil
}

// GetByTopic returns up to limit messages stored on a topic, oldest first.
func (p *MemoryPersistence) GetByTopic(ctx context.Context, topic string, limit int) ([]*Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := p.byTopic[topic]
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]*Message, 0, limit)
	for _, id := range ids[:limit] {
		if m, ok := p.messages[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

// Delete removes a message by id.
func (p *MemoryPersistence) Delete(ctx context.Context, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	delete(p.messages, messageID)
	p.removeFromTopic(msg.TopicName, messageID)
	return nil
}

func (p *MemoryPersistence) removeFromTopic(topic, messageID string) {
	ids := p.byTopic[topic]
	for i, id := range ids {
		if id == messageID {
			p.byTopic[topic] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// ------------------------------------------------------------------
// In-memory distributed lock
// ------------------------------------------------------------------

// MemoryLock is an in-process DistributedLock with TTL expiry. It is
// "distributed" only within one process; use RedisLock in production.
type MemoryLock struct {
	mu    sync.Mutex
	held  map[string]time.Time // key → expiry
	ttl   time.Duration
	retry time.Duration
}

// NewMemoryLock creates an in-memory lock service. Locks auto-expire
// after ttl to guarantee release on holder failure.
func NewMemoryLock(ttl time.Duration) *MemoryLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryLock{
		held:  make(map[string]time.Time),
		ttl:   ttl,
		retry: 5 * time.Millisecond,
	}
}

// Acquire blocks up to timeout for the lock. Returns (nil, nil) on timeout.
func (l *MemoryLock) Acquire(ctx context.Context, key string, timeout time.Duration) (LockHandle, error) {
	deadline := time.Now().Add(timeout)
	for {
		if l.tryAcquire(key) {
			return &memoryLockHandle{lock: l, key: key}, nil
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

func (l *MemoryLock) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && time.Now().Before(exp) {
		return false
	}
	l.held[key] = time.Now().Add(l.ttl)
	return true
}

type memoryLockHandle struct {
	lock *MemoryLock
	key  string
	once sync.Once
}

func (h *memoryLockHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.lock.mu.Lock()
		delete(h.lock.held, h.key)
		h.lock.mu.Unlock()
	})
	return nil
}

// ------------------------------------------------------------------
// In-memory idempotency store
// ------------------------------------------------------------------

// MemoryIdempotency is an in-process IdempotencyStore.
type MemoryIdempotency struct {
	mu        sync.RWMutex
	processed map[string]string // key → message id
}

// NewMemoryIdempotency creates an in-memory idempotency store.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{processed: make(map[string]string)}
}

// HasBeenProcessed reports whether key has already been marked.
func (s *MemoryIdempotency) HasBeenProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[key]
	return ok, nil
}

// MarkAsProcessed records key as processed. Marking twice is a no-op.
func (s *MemoryIdempotency) MarkAsProcessed(ctx context.Context, key string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[key]; !ok {
		s.processed[key] = messageID
	}
	return nil
}
