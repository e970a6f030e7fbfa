// Package broker — PostgreSQL-backed durable message store for HA
// deployments.
//
// PostgresStore implements PersistenceStore with PostgreSQL, providing
// durable state across restarts and multi-instance support (several
// broker processes share the same database).
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig holds connection parameters for PostgreSQL.
type PostgresConfig struct {
	Host     string `json:"host"     yaml:"host"     env:"MODSWAP_PG_HOST"`
	Port     int    `json:"port"     yaml:"port"     env:"MODSWAP_PG_PORT"`
	User     string `json:"user"     yaml:"user"     env:"MODSWAP_PG_USER"`
	Password string `json:"password" yaml:"password" env:"MODSWAP_PG_PASSWORD"`
	Database string `json:"database" yaml:"database" env:"MODSWAP_PG_DATABASE"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" env:"MODSWAP_PG_SSLMODE"` // "disable", "require", "verify-full"
}

// DSN returns a PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// PostgresStore implements PersistenceStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed message store.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			topic_name TEXT NOT NULL,
			payload BYTEA NOT NULL,
			schema_version INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			delivery_attempts INTEGER NOT NULL DEFAULT 0,
			timestamp TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			ack_deadline TIMESTAMPTZ,
			acknowledged_at TIMESTAMPTZ,
			headers JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic_name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Store inserts or replaces a message.
func (s *PostgresStore) Store(ctx context.Context, msg *Message) error {
	if msg == nil || msg.MessageID == "" {
		return fmt.Errorf("store: message id required: %w", ErrInvalidArgument)
	}
	headersJSON, _ := json.Marshal(msg.Headers)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, topic_name, payload, schema_version, priority, delivery_attempts, timestamp, status, ack_deadline, acknowledged_at, headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT(message_id) DO UPDATE SET
			topic_name=EXCLUDED.topic_name, payload=EXCLUDED.payload,
			schema_version=EXCLUDED.schema_version, priority=EXCLUDED.priority,
			delivery_attempts=EXCLUDED.delivery_attempts, status=EXCLUDED.status,
			ack_deadline=EXCLUDED.ack_deadline, acknowledged_at=EXCLUDED.acknowledged_at,
			headers=EXCLUDED.headers
	`, msg.MessageID, msg.TopicName, msg.Payload, msg.SchemaVersion, msg.Priority,
		msg.DeliveryAttempts, msg.Timestamp.UTC(), string(msg.Status),
		nullableTime(msg.AckDeadline), nullableTime(msg.AcknowledgedAt), string(headersJSON))
	return err
}

// Retrieve fetches a message by id.
func (s *PostgresStore) Retrieve(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT message_id, topic_name, payload, schema_version, priority, delivery_attempts, timestamp, status, ack_deadline, acknowledged_at, headers FROM messages WHERE message_id = $1`, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return msg, err
}

// GetByTopic returns up to limit messages on a topic, oldest first.
func (s *PostgresStore) GetByTopic(ctx context.Context, topic string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, topic_name, payload, schema_version, priority, delivery_attempts, timestamp, status, ack_deadline, acknowledged_at, headers FROM messages WHERE topic_name = $1 ORDER BY timestamp ASC LIMIT $2`, topic, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Delete removes a message by id.
func (s *PostgresStore) Delete(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE message_id = $1", messageID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return nil
}
