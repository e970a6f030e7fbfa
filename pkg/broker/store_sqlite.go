// Package broker — SQLite-backed durable message store.
//
// SQLiteStore provides persistent storage for broker messages. It's
// suitable for single-node production deployments; for multi-instance
// brokers sharing one database, use PostgresStore instead.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// SQLiteStore implements PersistenceStore on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed message store. Use ":memory:"
// for an in-memory database (testing).
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			topic_name TEXT NOT NULL,
			payload BLOB NOT NULL,
			schema_version INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			delivery_attempts INTEGER NOT NULL DEFAULT 0,
			timestamp DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			ack_deadline DATETIME,
			acknowledged_at DATETIME,
			headers TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic_name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Store inserts or replaces a message.
func (s *SQLiteStore) Store(_ context.Context, msg *Message) error {
	if msg == nil || msg.MessageID == "" {
		return fmt.Errorf("store: message id required: %w", ErrInvalidArgument)
	}
	headersJSON, _ := json.Marshal(msg.Headers)
	_, err := s.db.Exec(`
		INSERT INTO messages (message_id, topic_name, payload, schema_version, priority, delivery_attempts, timestamp, status, ack_deadline, acknowledged_at, headers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			topic_name=excluded.topic_name, payload=excluded.payload,
			schema_version=excluded.schema_version, priority=excluded.priority,
			delivery_attempts=excluded.delivery_attempts, status=excluded.status,
			ack_deadline=excluded.ack_deadline, acknowledged_at=excluded.acknowledged_at,
			headers=excluded.headers
	`, msg.MessageID, msg.TopicName, msg.Payload, msg.SchemaVersion, msg.Priority,
		msg.DeliveryAttempts, msg.Timestamp.UTC(), string(msg.Status),
		nullableTime(msg.AckDeadline), nullableTime(msg.AcknowledgedAt), string(headersJSON))
	return err
}

// Retrieve fetches a message by id.
func (s *SQLiteStore) Retrieve(_ context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRow(`SELECT message_id, topic_name, payload, schema_version, priority, delivery_attempts, timestamp, status, ack_deadline, acknowledged_at, headers FROM messages WHERE message_id = ?`, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return msg, err
}

// GetByTopic returns up to limit messages on a topic, oldest first.
func (s *SQLiteStore) GetByTopic(_ context.Context, topic string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT message_id, topic_name, payload, schema_version, priority, delivery_attempts, timestamp, status, ack_deadline, acknowledged_at, headers FROM messages WHERE topic_name = ? ORDER BY timestamp ASC LIMIT ?`, topic, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Delete removes a message by id.
func (s *SQLiteStore) Delete(_ context.Context, messageID string) error {
	res, err := s.db.Exec("DELETE FROM messages WHERE message_id = ?", messageID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// ------------------------------------------------------------------
// Row scanning (shared with PostgresStore)
// ------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var status string
	var headersJSON string
	var ackDeadline, acknowledgedAt sql.NullTime
	err := row.Scan(&msg.MessageID, &msg.TopicName, &msg.Payload, &msg.SchemaVersion,
		&msg.Priority, &msg.DeliveryAttempts, &msg.Timestamp, &status,
		&ackDeadline, &acknowledgedAt, &headersJSON)
	if err != nil {
		return nil, err
	}
	msg.Status = MessageStatus(status)
	if ackDeadline.Valid {
		t := ackDeadline.Time
		msg.AckDeadline = &t
	}
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		msg.AcknowledgedAt = &t
	}
	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &msg.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for %s: %w", msg.MessageID, err)
		}
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
