package broker

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// StoreConfig holds the parameters needed to create a PersistenceStore
// backend.
type StoreConfig struct {
	Backend    string          // "memory", "sqlite", "postgres"
	DataDir    string          // Base data directory (used for SQLite path default)
	SQLitePath string          // Explicit SQLite path (overrides DataDir default)
	Postgres   *PostgresConfig // PostgreSQL connection config
}

// NewPersistenceStore creates the appropriate PersistenceStore based on
// config.
//
// Backends:
//   - "memory"   — in-process, non-durable (dev/test only)
//   - "sqlite"   — single-file durable store (single-node production)
//   - "postgres" — PostgreSQL durable store (multi-node HA production)
func NewPersistenceStore(cfg StoreConfig, logger *slog.Logger) (PersistenceStore, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Info("message store: using in-memory backend (non-durable)")
		return NewMemoryPersistence(), nil

	case "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sqlite store requires sqlite_path or data_dir")
			}
			dbPath = filepath.Join(cfg.DataDir, "messages.db")
		}
		logger.Info("message store: using SQLite backend", "path", dbPath)
		return NewSQLiteStore(dbPath)

	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("postgres store requires postgres config")
		}
		logger.Info("message store: using PostgreSQL backend", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return NewPostgresStore(*cfg.Postgres)

	default:
		return nil, fmt.Errorf("unknown message store backend: %q (supported: memory, sqlite, postgres)", cfg.Backend)
	}
}
