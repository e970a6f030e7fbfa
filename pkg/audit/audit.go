// Package audit keeps an append-only record of control-plane actions.
//
// Deployment requests, approval decisions, rollbacks, schema governance
// decisions, and topic changes are recorded as structured events. Events
// are immutable once written and export as JSON lines for SIEM ingestion.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventDeployStart    EventType = "deploy.start"
	EventDeployDecision EventType = "deploy.decision"
	EventDeployRollback EventType = "deploy.rollback"
	EventSchemaSubmit   EventType = "schema.submit"
	EventSchemaDecision EventType = "schema.decision"
	EventTopicChange    EventType = "topic.change"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what the action touched.
type EventTarget struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	Module      string `json:"module,omitempty"`
	Version     string `json:"version,omitempty"`
	SchemaID    string `json:"schema_id,omitempty"`
	Topic       string `json:"topic,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	Actor string
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit log.
type Store interface {
	// Append writes an event. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore is an append-only JSON Lines audit store. Each line is one
// complete event; the file is only ever appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Query reads events matching the given filters, oldest first.
func (s *FileStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.Actor != "" && e.Actor != opts.Actor {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

func (s *FileStore) readAll() ([]*Event, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.logFile())
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ------------------------------------------------------------------
// Recorder is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Recorder provides helpers for common audit patterns. A nil Recorder
// is a no-op, so callers can record unconditionally.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) append(ctx context.Context, e *Event) {
	if r == nil || r.store == nil {
		return
	}
	// Audit failures must not fail the action being audited.
	_ = r.store.Append(ctx, e)
}

// DeploymentRequested records a new pipeline execution.
func (r *Recorder) DeploymentRequested(ctx context.Context, executionID, env, module, version, strategy string) {
	r.append(ctx, &Event{
		Type:   EventDeployStart,
		Action: "deployment.create",
		Target: &EventTarget{
			ExecutionID: executionID,
			Environment: env,
			Module:      module,
			Version:     version,
		},
		Metadata: map[string]any{"strategy": strategy},
	})
}

// DeploymentDecision records an approval-gate verdict.
func (r *Recorder) DeploymentDecision(ctx context.Context, executionID, actor, outcome, reason string) {
	e := &Event{
		Type:    EventDeployDecision,
		Actor:   actor,
		Action:  "deployment." + outcome,
		Target:  &EventTarget{ExecutionID: executionID},
		Outcome: outcome,
	}
	if reason != "" {
		e.Metadata = map[string]any{"reason": reason}
	}
	r.append(ctx, e)
}

// DeploymentRolledBack records a manual rollback of an execution.
func (r *Recorder) DeploymentRolledBack(ctx context.Context, executionID, outcome string) {
	r.append(ctx, &Event{
		Type:    EventDeployRollback,
		Action:  "deployment.rollback",
		Target:  &EventTarget{ExecutionID: executionID},
		Outcome: outcome,
	})
}

// SchemaSubmitted records a proposed schema version.
func (r *Recorder) SchemaSubmitted(ctx context.Context, schemaID, requestedBy, outcome string) {
	r.append(ctx, &Event{
		Type:    EventSchemaSubmit,
		Actor:   requestedBy,
		Action:  "schema.propose",
		Target:  &EventTarget{SchemaID: schemaID},
		Outcome: outcome,
	})
}

// SchemaDecision records an approve, reject, or deprecate verdict.
func (r *Recorder) SchemaDecision(ctx context.Context, schemaID, actor, outcome string) {
	r.append(ctx, &Event{
		Type:    EventSchemaDecision,
		Actor:   actor,
		Action:  "schema." + outcome,
		Target:  &EventTarget{SchemaID: schemaID},
		Outcome: outcome,
	})
}

// TopicChanged records topic creation, update, or deletion.
func (r *Recorder) TopicChanged(ctx context.Context, topic, action string) {
	r.append(ctx, &Event{
		Type:   EventTopicChange,
		Action: "topic." + action,
		Target: &EventTarget{Topic: topic},
	})
}
