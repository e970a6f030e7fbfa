// Package schema provides the message schema registry, structural
// compatibility checking, and the approval workflow that gates
// breaking schema changes.
//
// Schemas move through a lifecycle:
//
//	draft → pending_approval → approved → deprecated
//	              └→ rejected
//
// Only draft schemas can be deleted. The registry enforces mechanics
// (unique ids, actor on approval); the approval service enforces
// policy (which transitions are allowed from where).
package schema

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/freitascorp/modswap/pkg/observability"
)

// Status is a schema lifecycle state.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusDeprecated      Status = "deprecated"
)

// CompatibilityMode is the policy governing changes between adjacent
// schema versions.
type CompatibilityMode string

const (
	CompatibilityNone     CompatibilityMode = "none"
	CompatibilityBackward CompatibilityMode = "backward"
	CompatibilityForward  CompatibilityMode = "forward"
	CompatibilityFull     CompatibilityMode = "full"
)

// MessageSchema is a versioned JSON Schema for messages on a topic.
type MessageSchema struct {
	SchemaID         string            `json:"schema_id"`
	SchemaDefinition string            `json:"schema_definition"` // JSON Schema document
	Version          int               `json:"version"`
	Status           Status            `json:"status"`
	Compatibility    CompatibilityMode `json:"compatibility"`
	CreatedAt        time.Time         `json:"created_at"`
	ApprovedBy       string            `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time        `json:"approved_at,omitempty"`
}

// Sentinel errors for the registry.
var (
	ErrNotFound        = fmt.Errorf("schema not found")
	ErrConflict        = fmt.Errorf("schema already exists")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrIllegalState    = fmt.Errorf("illegal state")
)

// Registry stores schemas in memory under a registry-wide lock
// (single writer, many readers).
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*MessageSchema
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRegistry creates a schema registry. metrics may be nil.
func NewRegistry(metrics *observability.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		schemas: make(map[string]*MessageSchema),
		metrics: metrics,
		logger:  logger,
	}
}

// Register stores a new schema. The id must be unique and non-empty
// and the definition non-blank. Status defaults to draft.
func (r *Registry) Register(s *MessageSchema) error {
	if s == nil || strings.TrimSpace(s.SchemaID) == "" {
		return fmt.Errorf("schema id required: %w", ErrInvalidArgument)
	}
	if strings.TrimSpace(s.SchemaDefinition) == "" {
		return fmt.Errorf("schema %s: blank definition: %w", s.SchemaID, ErrInvalidArgument)
	}
	if s.Status == "" {
		s.Status = StatusDraft
	}
	if s.Compatibility == "" {
		s.Compatibility = CompatibilityBackward
	}
	if s.Version == 0 {
		s.Version = 1
	}
	s.CreatedAt = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[s.SchemaID]; ok {
		return fmt.Errorf("schema %s: %w", s.SchemaID, ErrConflict)
	}
	r.schemas[s.SchemaID] = s
	if r.metrics != nil {
		r.metrics.SchemasRegistered.Inc()
	}
	r.logger.Info("schema registered", "schema_id", s.SchemaID, "version", s.Version, "compatibility", s.Compatibility)
	return nil
}

// Get returns a schema by id.
func (r *Registry) Get(schemaID string) (*MessageSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[schemaID]
	if !ok {
		return nil, fmt.Errorf("schema %s: %w", schemaID, ErrNotFound)
	}
	return s, nil
}

// List returns all schemas sorted by id.
func (r *Registry) List() []*MessageSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MessageSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SchemaID < out[j].SchemaID })
	return out
}

// UpdateStatus transitions a schema to a new status. Transitioning to
// approved requires a non-empty actor and records approval metadata.
// Policy on which source states are legal lives in ApprovalService;
// the registry only enforces mechanics.
func (r *Registry) UpdateStatus(schemaID string, newStatus Status, actor string) error {
	if newStatus == StatusApproved && strings.TrimSpace(actor) == "" {
		return fmt.Errorf("approval requires an actor: %w", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[schemaID]
	if !ok {
		return fmt.Errorf("schema %s: %w", schemaID, ErrNotFound)
	}
	old := s.Status
	s.Status = newStatus
	if newStatus == StatusApproved {
		now := time.Now().UTC()
		s.ApprovedBy = actor
		s.ApprovedAt = &now
	}
	r.logger.Info("schema status changed", "schema_id", schemaID, "from", old, "to", newStatus)
	return nil
}

// UpdateDefinition replaces the schema document of a draft or pending
// schema and bumps the version.
func (r *Registry) UpdateDefinition(schemaID, definition string) error {
	if strings.TrimSpace(definition) == "" {
		return fmt.Errorf("schema %s: blank definition: %w", schemaID, ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[schemaID]
	if !ok {
		return fmt.Errorf("schema %s: %w", schemaID, ErrNotFound)
	}
	if s.Status == StatusApproved || s.Status == StatusDeprecated {
		return fmt.Errorf("schema %s is %s: %w", schemaID, s.Status, ErrIllegalState)
	}
	s.SchemaDefinition = definition
	s.Version++
	return nil
}

// Delete removes a schema. Only draft schemas can be deleted.
func (r *Registry) Delete(schemaID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[schemaID]
	if !ok {
		return fmt.Errorf("schema %s: %w", schemaID, ErrNotFound)
	}
	if s.Status != StatusDraft {
		return fmt.Errorf("schema %s is %s, only drafts can be deleted: %w", schemaID, s.Status, ErrIllegalState)
	}
	delete(r.schemas, schemaID)
	r.logger.Info("schema deleted", "schema_id", schemaID)
	return nil
}
