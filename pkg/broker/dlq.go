package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// DLQService manages the dead-letter topics that terminate failed
// deliveries, and supports replaying dead messages back onto their
// original topic.
type DLQService struct {
	queue       Queue
	persistence PersistenceStore
	logger      *slog.Logger
}

// NewDLQService creates a dead-letter queue service.
func NewDLQService(queue Queue, persistence PersistenceStore, logger *slog.Logger) *DLQService {
	return &DLQService{queue: queue, persistence: persistence, logger: logger}
}

// DLQTopicName returns the dead-letter topic for a topic.
func DLQTopicName(topic string) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("dlq topic name: empty topic: %w", ErrInvalidArgument)
	}
	return topic + DLQSuffix, nil
}

// MoveToDLQ copies the message onto its dead-letter topic with status
// Failed, clearing the ack deadline and stamping the DLQ headers. All
// other headers are preserved. Returns false if the DLQ enqueue fails.
func (s *DLQService) MoveToDLQ(ctx context.Context, msg *Message, reason string) bool {
	dlqTopic, err := DLQTopicName(msg.TopicName)
	if err != nil {
		s.logger.Error("cannot derive DLQ topic", "message_id", msg.MessageID, "error", err)
		return false
	}
	if reason == "" {
		reason = "Unknown error"
	}

	dead := msg.Clone()
	if dead.Headers == nil {
		dead.Headers = make(map[string]string, 4)
	}
	dead.Headers[HeaderOriginalTopic] = msg.TopicName
	dead.Headers[HeaderDLQReason] = reason
	dead.Headers[HeaderDeliveryAttempts] = strconv.Itoa(msg.DeliveryAttempts)
	dead.Headers[HeaderDLQTimestamp] = time.Now().UTC().Format(time.RFC3339)
	dead.TopicName = dlqTopic
	dead.Status = MessageFailed
	dead.AckDeadline = nil

	if err := s.queue.Enqueue(ctx, dead); err != nil {
		s.logger.Error("DLQ enqueue failed",
			"message_id", msg.MessageID,
			"dlq_topic", dlqTopic,
			"error", err,
		)
		return false
	}

	msg.Status = MessageFailed
	msg.AckDeadline = nil
	if s.persistence != nil {
		if err := s.persistence.Store(ctx, dead); err != nil {
			s.logger.Error("DLQ persist failed", "message_id", msg.MessageID, "error", err)
		}
	}

	s.logger.Info("message moved to DLQ",
		"message_id", msg.MessageID,
		"dlq_topic", dlqTopic,
		"reason", reason,
		"attempts", msg.DeliveryAttempts,
	)
	return true
}

// ReplayFromDLQ restores a dead message to its original topic with
// status Pending and a reset attempt counter, removing the DLQ
// provenance headers. Returns false if the message is not on any DLQ.
func (s *DLQService) ReplayFromDLQ(ctx context.Context, messageID string) (bool, error) {
	candidates, err := s.queue.Peek(ctx, 0)
	if err != nil {
		return false, fmt.Errorf("scan DLQ: %w", err)
	}

	for _, m := range candidates {
		if m.MessageID != messageID {
			continue
		}
		origTopic := m.Headers[HeaderOriginalTopic]
		if origTopic == "" {
			continue // not a DLQ message
		}

		if _, err := s.queue.Remove(ctx, messageID); err != nil {
			return false, fmt.Errorf("remove from DLQ: %w", err)
		}

		replayed := m.Clone()
		replayed.TopicName = origTopic
		replayed.Status = MessagePending
		replayed.DeliveryAttempts = 0
		delete(replayed.Headers, HeaderOriginalTopic)
		delete(replayed.Headers, HeaderDLQReason)

		if err := s.queue.Enqueue(ctx, replayed); err != nil {
			return false, fmt.Errorf("re-enqueue %s: %w", messageID, err)
		}
		if s.persistence != nil {
			if err := s.persistence.Store(ctx, replayed); err != nil {
				s.logger.Error("replay persist failed", "message_id", messageID, "error", err)
			}
		}

		s.logger.Info("message replayed from DLQ", "message_id", messageID, "topic", origTopic)
		return true, nil
	}
	return false, nil
}
