package schema

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testApprovalService() (*ApprovalService, *Registry) {
	registry := testRegistry()
	svc := NewApprovalService(registry, NewChecker(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, registry
}

func TestApproval_FirstVersionAutoApproves(t *testing.T) {
	svc, registry := testApprovalService()

	req, err := svc.RequestApproval(&MessageSchema{
		SchemaID:         "user.created",
		SchemaDefinition: userSchemaV1,
	}, "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != ApprovalAutoApproved || req.RequiresApproval {
		t.Errorf("request = %+v", req)
	}

	s, _ := registry.Get("user.created")
	if s.Status != StatusApproved {
		t.Errorf("schema status = %s", s.Status)
	}
}

func TestApproval_CompatibleUpdateAutoApproves(t *testing.T) {
	svc, registry := testApprovalService()
	svc.RequestApproval(&MessageSchema{SchemaID: "user.created", SchemaDefinition: userSchemaV1}, "alice", []string{"bob"})

	withNickname := `{
		"type": "object",
		"properties": {"name": {"type": "string"}, "nickname": {"type": "string"}},
		"required": ["name"]
	}`
	req, err := svc.RequestApproval(&MessageSchema{
		SchemaID:         "user.created",
		SchemaDefinition: withNickname,
	}, "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != ApprovalAutoApproved {
		t.Errorf("status = %s, changes %+v", req.Status, req.BreakingChanges)
	}

	s, _ := registry.Get("user.created")
	if s.Status != StatusApproved || s.Version != 2 {
		t.Errorf("schema = %+v", s)
	}
}

func TestApproval_BreakingChangeParksAsPending(t *testing.T) {
	svc, registry := testApprovalService()
	svc.RequestApproval(&MessageSchema{SchemaID: "user.created", SchemaDefinition: userSchemaV1}, "alice", []string{"bob"})

	withRequiredEmail := `{
		"type": "object",
		"properties": {"name": {"type": "string"}, "email": {"type": "string"}},
		"required": ["name", "email"]
	}`
	req, err := svc.RequestApproval(&MessageSchema{
		SchemaID:         "user.created",
		SchemaDefinition: withRequiredEmail,
	}, "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != ApprovalPending || !req.RequiresApproval {
		t.Fatalf("request = %+v", req)
	}
	if len(req.BreakingChanges) != 1 || req.BreakingChanges[0].Path != "$.email" {
		t.Errorf("breaking changes = %+v", req.BreakingChanges)
	}
	if req.BreakingChanges[0].ChangeType != ChangeAddedRequiredField {
		t.Errorf("change type = %s", req.BreakingChanges[0].ChangeType)
	}

	s, _ := registry.Get("user.created")
	if s.Status != StatusPendingApproval {
		t.Errorf("schema status = %s", s.Status)
	}
}

func pendingSchema(t *testing.T) (*ApprovalService, *Registry) {
	t.Helper()
	svc, registry := testApprovalService()
	svc.RequestApproval(&MessageSchema{SchemaID: "user.created", SchemaDefinition: userSchemaV1}, "alice", []string{"bob"})
	svc.RequestApproval(&MessageSchema{
		SchemaID: "user.created",
		SchemaDefinition: `{
			"type": "object",
			"properties": {"name": {"type": "string"}, "email": {"type": "string"}},
			"required": ["name", "email"]
		}`,
	}, "alice", []string{"bob"})
	return svc, registry
}

func TestApproval_ApprovePending(t *testing.T) {
	svc, registry := pendingSchema(t)

	ok, err := svc.ApproveSchema("user.created", "bob", "reviewed, consumers updated")
	if err != nil || !ok {
		t.Fatalf("approve: %v %v", ok, err)
	}

	s, _ := registry.Get("user.created")
	if s.Status != StatusApproved || s.ApprovedBy != "bob" {
		t.Errorf("schema = %+v", s)
	}
	req, found := svc.GetRequest("user.created")
	if !found || req.Status != ApprovalApproved || req.DecidedBy != "bob" || req.DecidedAt == nil {
		t.Errorf("request = %+v", req)
	}
}

func TestApproval_RejectPending(t *testing.T) {
	svc, registry := pendingSchema(t)

	ok, err := svc.RejectSchema("user.created", "bob", "consumers not ready")
	if err != nil || !ok {
		t.Fatalf("reject: %v %v", ok, err)
	}
	s, _ := registry.Get("user.created")
	if s.Status != StatusRejected {
		t.Errorf("schema status = %s", s.Status)
	}
	req, _ := svc.GetRequest("user.created")
	if req.Status != ApprovalRejected || req.Reason != "consumers not ready" {
		t.Errorf("request = %+v", req)
	}
}

func TestApproval_DecisionValidation(t *testing.T) {
	svc, _ := pendingSchema(t)

	if _, err := svc.ApproveSchema("user.created", "  ", "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("blank approver: %v", err)
	}
	if ok, err := svc.ApproveSchema("missing", "bob", "x"); ok || err != nil {
		t.Errorf("unknown schema: %v %v", ok, err)
	}

	// Already-approved schemas cannot be re-decided.
	svc.ApproveSchema("user.created", "bob", "ok")
	if _, err := svc.ApproveSchema("user.created", "bob", "again"); !errors.Is(err, ErrIllegalState) {
		t.Errorf("double approve: %v", err)
	}
	if _, err := svc.RejectSchema("user.created", "bob", "late"); !errors.Is(err, ErrIllegalState) {
		t.Errorf("reject approved: %v", err)
	}
}

func TestApproval_Deprecate(t *testing.T) {
	svc, registry := testApprovalService()
	svc.RequestApproval(&MessageSchema{SchemaID: "user.created", SchemaDefinition: userSchemaV1}, "alice", []string{"bob"})

	ok, err := svc.DeprecateSchema("user.created", "ops")
	if err != nil || !ok {
		t.Fatalf("deprecate: %v %v", ok, err)
	}
	s, _ := registry.Get("user.created")
	if s.Status != StatusDeprecated {
		t.Errorf("status = %s", s.Status)
	}

	if _, err := svc.DeprecateSchema("user.created", "ops"); !errors.Is(err, ErrIllegalState) {
		t.Errorf("double deprecate: %v", err)
	}
	if ok, err := svc.DeprecateSchema("missing", "ops"); ok || err != nil {
		t.Errorf("unknown schema: %v %v", ok, err)
	}
}

func TestApproval_RequestValidation(t *testing.T) {
	svc, _ := testApprovalService()

	cases := []struct {
		name        string
		schema      *MessageSchema
		requestedBy string
		approvers   []string
	}{
		{"nil schema", nil, "alice", []string{"bob"}},
		{"blank id", &MessageSchema{SchemaDefinition: userSchemaV1}, "alice", []string{"bob"}},
		{"blank requester", &MessageSchema{SchemaID: "x", SchemaDefinition: userSchemaV1}, " ", []string{"bob"}},
		{"no approvers", &MessageSchema{SchemaID: "x", SchemaDefinition: userSchemaV1}, "alice", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.RequestApproval(tc.schema, tc.requestedBy, tc.approvers); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("err = %v", err)
			}
		})
	}
}
