package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(t.TempDir())
}

func TestFileStore_AppendAndQuery(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	event := &Event{
		Type:   EventDeployStart,
		Action: "deployment.create",
		Target: &EventTarget{
			ExecutionID: "exec-1",
			Environment: "Staging",
			Module:      "auth",
			Version:     "2.0.0",
		},
		Metadata: map[string]any{"strategy": "rolling"},
	}
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// ID and timestamp are stamped on append.
	if event.ID == "" {
		t.Error("expected event.ID to be set")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected event.Timestamp to be set")
	}

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Target.ExecutionID != "exec-1" {
		t.Errorf("Target.ExecutionID = %q, want exec-1", events[0].Target.ExecutionID)
	}
	if events[0].Target.Module != "auth" {
		t.Errorf("Target.Module = %q, want auth", events[0].Target.Module)
	}
}

func TestFileStore_QueryFilterByActor(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Actor: "alice", Type: EventDeployDecision, Action: "deployment.approved"})
	store.Append(ctx, &Event{Actor: "bob", Type: EventDeployDecision, Action: "deployment.rejected"})
	store.Append(ctx, &Event{Actor: "alice", Type: EventSchemaDecision, Action: "schema.approved"})

	events, err := store.Query(ctx, QueryOptions{Actor: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}
}

func TestFileStore_QueryFilterByType(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Actor: "alice", Type: EventDeployStart, Action: "deployment.create"})
	store.Append(ctx, &Event{Actor: "bob", Type: EventTopicChange, Action: "topic.create"})

	events, err := store.Query(ctx, QueryOptions{Type: EventTopicChange})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 topic event, got %d", len(events))
	}
	if events[0].Actor != "bob" {
		t.Errorf("Actor = %q, want bob", events[0].Actor)
	}
}

func TestFileStore_QueryTimeWindow(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Type: EventDeployStart, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)})
	store.Append(ctx, &Event{Type: EventDeployStart, Action: "new"})

	recent, err := store.Query(ctx, QueryOptions{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(recent) != 1 || recent[0].Action != "new" {
		t.Fatalf("since filter returned %d events, want the new one", len(recent))
	}

	old, err := store.Query(ctx, QueryOptions{Until: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Query until: %v", err)
	}
	if len(old) != 1 || old[0].Action != "old" {
		t.Fatalf("until filter returned %d events, want the old one", len(old))
	}
}

func TestFileStore_QueryLimit(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		store.Append(ctx, &Event{Type: EventDeployStart, Action: "deployment.create"})
	}

	events, err := store.Query(ctx, QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestFileStore_EmptyLog(t *testing.T) {
	store := tempStore(t)

	events, err := store.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query empty: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d", len(events))
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			store.Append(ctx, &Event{Type: EventDeployStart, Action: "deployment.create"})
		}()
	}
	wg.Wait()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
}

func TestFileStore_MalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	store.Append(ctx, &Event{Actor: "alice", Type: EventDeployStart, Action: "deployment.create"})

	f, _ := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	f.Write([]byte("not-valid-json\n"))
	f.Close()

	store.Append(ctx, &Event{Actor: "bob", Type: EventTopicChange, Action: "topic.create"})

	// Malformed lines are skipped, valid ones survive.
	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 valid events, got %d", len(events))
	}
}

func TestFileStore_CustomID(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{ID: "custom-123", Type: EventDeployStart, Action: "deployment.create"})

	events, _ := store.Query(ctx, QueryOptions{})
	if events[0].ID != "custom-123" {
		t.Errorf("ID = %q, want custom-123", events[0].ID)
	}
}

func TestRecorder_DeploymentEvents(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()
	rec := NewRecorder(store)

	rec.DeploymentRequested(ctx, "exec-1", "Production", "auth", "2.0.0", "blue_green")
	rec.DeploymentDecision(ctx, "exec-1", "alice", "approved", "")
	rec.DeploymentRolledBack(ctx, "exec-1", "success")

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventDeployStart {
		t.Errorf("events[0].Type = %q, want %q", events[0].Type, EventDeployStart)
	}
	if events[0].Metadata["strategy"] != "blue_green" {
		t.Errorf("strategy metadata = %v, want blue_green", events[0].Metadata["strategy"])
	}
	if events[1].Actor != "alice" || events[1].Outcome != "approved" {
		t.Errorf("decision event = %+v, want alice/approved", events[1])
	}
	if events[2].Type != EventDeployRollback {
		t.Errorf("events[2].Type = %q, want %q", events[2].Type, EventDeployRollback)
	}
}

func TestRecorder_SchemaDecisionCarriesReason(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()
	rec := NewRecorder(store)

	rec.DeploymentDecision(ctx, "exec-2", "bob", "rejected", "capacity freeze")

	events, _ := store.Query(ctx, QueryOptions{Actor: "bob"})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Metadata["reason"] != "capacity freeze" {
		t.Errorf("reason = %v, want capacity freeze", events[0].Metadata["reason"])
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *Recorder

	// Must not panic and must not write anywhere.
	rec.DeploymentRequested(context.Background(), "exec-1", "Staging", "auth", "1.0.0", "direct")
	rec.SchemaDecision(context.Background(), "user.created", "alice", "approved")
	rec.TopicChanged(context.Background(), "orders", "create")
}
