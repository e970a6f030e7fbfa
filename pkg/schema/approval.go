package schema

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/freitascorp/modswap/pkg/observability"
)

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

// ApprovalRequest tracks the review of one schema change.
type ApprovalRequest struct {
	SchemaID         string           `json:"schema_id"`
	RequestedBy      string           `json:"requested_by"`
	Approvers        []string         `json:"approvers"`
	RequiresApproval bool             `json:"requires_approval"`
	BreakingChanges  []BreakingChange `json:"breaking_changes,omitempty"`
	Status           ApprovalStatus   `json:"status"`
	Reason           string           `json:"reason,omitempty"`
	DecidedBy        string           `json:"decided_by,omitempty"`
	RequestedAt      time.Time        `json:"requested_at"`
	DecidedAt        *time.Time       `json:"decided_at,omitempty"`
}

// ApprovalService orchestrates the schema approval workflow on top of
// the registry and the compatibility checker.
type ApprovalService struct {
	registry *Registry
	checker  *Checker
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	requests map[string]*ApprovalRequest // schema id → latest request
}

// NewApprovalService creates an approval service. metrics may be nil.
func NewApprovalService(registry *Registry, checker *Checker, metrics *observability.Metrics, logger *slog.Logger) *ApprovalService {
	return &ApprovalService{
		registry: registry,
		checker:  checker,
		metrics:  metrics,
		logger:   logger,
		requests: make(map[string]*ApprovalRequest),
	}
}

// RequestApproval submits a schema (new or updated) for review.
//
// A first version auto-approves. An update is compatibility-checked in
// the schema's own mode: breaking changes park the schema in
// pending_approval with a pending request; compatible changes
// auto-approve.
func (s *ApprovalService) RequestApproval(newSchema *MessageSchema, requestedBy string, approvers []string) (*ApprovalRequest, error) {
	if newSchema == nil || strings.TrimSpace(newSchema.SchemaID) == "" {
		return nil, fmt.Errorf("schema id required: %w", ErrInvalidArgument)
	}
	if strings.TrimSpace(requestedBy) == "" {
		return nil, fmt.Errorf("requestedBy required: %w", ErrInvalidArgument)
	}
	if len(approvers) == 0 {
		return nil, fmt.Errorf("at least one approver required: %w", ErrInvalidArgument)
	}

	req := &ApprovalRequest{
		SchemaID:    newSchema.SchemaID,
		RequestedBy: requestedBy,
		Approvers:   append([]string(nil), approvers...),
		RequestedAt: time.Now().UTC(),
	}

	prior, err := s.registry.Get(newSchema.SchemaID)
	if err != nil {
		// First version: nothing to be compatible with.
		newSchema.Status = StatusApproved
		if regErr := s.registry.Register(newSchema); regErr != nil {
			return nil, regErr
		}
		if err := s.registry.UpdateStatus(newSchema.SchemaID, StatusApproved, requestedBy); err != nil {
			return nil, err
		}
		req.Status = ApprovalAutoApproved
		req.Reason = "first schema version"
		s.saveRequest(req)
		s.logger.Info("schema auto-approved", "schema_id", newSchema.SchemaID, "reason", req.Reason)
		return req, nil
	}

	mode := newSchema.Compatibility
	if mode == "" {
		mode = prior.Compatibility
	}
	check, err := s.checker.Check(prior.SchemaDefinition, newSchema.SchemaDefinition, mode)
	if err != nil {
		return nil, fmt.Errorf("compatibility check for %s: %w", newSchema.SchemaID, err)
	}

	if err := s.registry.UpdateDefinition(newSchema.SchemaID, newSchema.SchemaDefinition); err != nil {
		return nil, err
	}

	if check.IsCompatible {
		if err := s.registry.UpdateStatus(newSchema.SchemaID, StatusApproved, requestedBy); err != nil {
			return nil, err
		}
		req.Status = ApprovalAutoApproved
		req.Reason = fmt.Sprintf("compatible under %s mode", mode)
		s.saveRequest(req)
		return req, nil
	}

	if s.metrics != nil {
		s.metrics.BreakingChanges.Add(float64(len(check.BreakingChanges)))
	}
	if err := s.registry.UpdateStatus(newSchema.SchemaID, StatusPendingApproval, ""); err != nil {
		return nil, err
	}
	req.RequiresApproval = true
	req.BreakingChanges = check.BreakingChanges
	req.Status = ApprovalPending
	s.saveRequest(req)
	s.logger.Warn("schema change requires approval",
		"schema_id", newSchema.SchemaID,
		"mode", mode,
		"breaking_changes", len(check.BreakingChanges),
	)
	return req, nil
}

// ApproveSchema moves a pending schema to approved. Returns false when
// the schema does not exist; an illegal-state error when it is not
// pending.
func (s *ApprovalService) ApproveSchema(schemaID, approvedBy, reason string) (bool, error) {
	if strings.TrimSpace(approvedBy) == "" {
		return false, fmt.Errorf("approvedBy required: %w", ErrInvalidArgument)
	}
	current, err := s.registry.Get(schemaID)
	if err != nil {
		return false, nil
	}
	if current.Status != StatusPendingApproval {
		return false, fmt.Errorf("schema %s is %s, not pending approval: %w", schemaID, current.Status, ErrIllegalState)
	}
	if err := s.registry.UpdateStatus(schemaID, StatusApproved, approvedBy); err != nil {
		return false, err
	}
	s.decide(schemaID, ApprovalApproved, approvedBy, reason)
	return true, nil
}

// RejectSchema moves a pending schema to rejected.
func (s *ApprovalService) RejectSchema(schemaID, rejectedBy, reason string) (bool, error) {
	if strings.TrimSpace(rejectedBy) == "" {
		return false, fmt.Errorf("rejectedBy required: %w", ErrInvalidArgument)
	}
	current, err := s.registry.Get(schemaID)
	if err != nil {
		return false, nil
	}
	if current.Status != StatusPendingApproval {
		return false, fmt.Errorf("schema %s is %s, not pending approval: %w", schemaID, current.Status, ErrIllegalState)
	}
	if err := s.registry.UpdateStatus(schemaID, StatusRejected, ""); err != nil {
		return false, err
	}
	s.decide(schemaID, ApprovalRejected, rejectedBy, reason)
	return true, nil
}

// DeprecateSchema retires an approved schema.
func (s *ApprovalService) DeprecateSchema(schemaID, actor string) (bool, error) {
	current, err := s.registry.Get(schemaID)
	if err != nil {
		return false, nil
	}
	if current.Status != StatusApproved {
		return false, fmt.Errorf("schema %s is %s, only approved schemas can be deprecated: %w", schemaID, current.Status, ErrIllegalState)
	}
	if err := s.registry.UpdateStatus(schemaID, StatusDeprecated, ""); err != nil {
		return false, err
	}
	s.logger.Info("schema deprecated", "schema_id", schemaID, "actor", actor)
	return true, nil
}

// GetRequest returns the latest approval request for a schema.
func (s *ApprovalService) GetRequest(schemaID string) (*ApprovalRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[schemaID]
	return req, ok
}

func (s *ApprovalService) saveRequest(req *ApprovalRequest) {
	s.mu.Lock()
	s.requests[req.SchemaID] = req
	s.mu.Unlock()
}

func (s *ApprovalService) decide(schemaID string, status ApprovalStatus, decidedBy, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[schemaID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	req.Status = status
	req.DecidedBy = decidedBy
	req.Reason = reason
	req.DecidedAt = &now
}
