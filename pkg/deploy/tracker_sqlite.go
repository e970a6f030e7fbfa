package deploy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// SQLiteTracker persists execution state as JSON documents in SQLite,
// so pipeline history survives restarts. Use ":memory:" for testing.
type SQLiteTracker struct {
	db *sql.DB
}

func NewSQLiteTracker(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	t := &SQLiteTracker{db: db}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return t, nil
}

func (t *SQLiteTracker) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_executions (
			execution_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON pipeline_executions(status, created_at)`,
	}
	for _, m := range migrations {
		if _, err := t.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (t *SQLiteTracker) Close() error { return t.db.Close() }

func (t *SQLiteTracker) SaveState(ctx context.Context, state *PipelineExecutionState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions (execution_id, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		state.ExecutionID, string(state.Status), string(doc),
		state.CreatedAt.UTC(), state.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save execution %s: %w", state.ExecutionID, err)
	}
	return nil
}

func (t *SQLiteTracker) GetPipelineState(ctx context.Context, executionID string) (*PipelineExecutionState, error) {
	var doc string
	err := t.db.QueryRowContext(ctx,
		`SELECT state FROM pipeline_executions WHERE execution_id = ?`, executionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	var state PipelineExecutionState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	return &state, nil
}

func (t *SQLiteTracker) GetResult(ctx context.Context, executionID string) (*DeploymentResult, error) {
	state, err := t.GetPipelineState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Result == nil {
		return nil, ErrExecutionNotFound
	}
	return state.Result, nil
}

func (t *SQLiteTracker) GetInProgress(ctx context.Context, executionID string) (bool, error) {
	state, err := t.GetPipelineState(ctx, executionID)
	if err != nil {
		return false, err
	}
	return !state.Status.IsTerminal(), nil
}

func (t *SQLiteTracker) ListStates(ctx context.Context) ([]*PipelineExecutionState, error) {
	return t.list(ctx, `SELECT state FROM pipeline_executions ORDER BY created_at DESC`)
}

func (t *SQLiteTracker) ListInProgress(ctx context.Context) ([]*PipelineExecutionState, error) {
	return t.list(ctx, fmt.Sprintf(
		`SELECT state FROM pipeline_executions WHERE status IN ('%s', '%s') ORDER BY created_at DESC`,
		PipelineRunning, PipelinePendingApproval))
}

func (t *SQLiteTracker) list(ctx context.Context, query string) ([]*PipelineExecutionState, error) {
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*PipelineExecutionState
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var state PipelineExecutionState
		if err := json.Unmarshal([]byte(doc), &state); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, &state)
	}
	return out, rows.Err()
}

var _ Tracker = (*SQLiteTracker)(nil)
var _ Tracker = (*MemoryTracker)(nil)
