package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/freitascorp/modswap/pkg/schema"
)

type schemaProposal struct {
	SchemaDefinition string                   `json:"schema_definition"`
	Compatibility    schema.CompatibilityMode `json:"compatibility,omitempty"`
	RequestedBy      string                   `json:"requested_by"`
	Approvers        []string                 `json:"approvers"`
}

func (s *Server) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	var body schema.MessageSchema
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.registry.Register(&body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	sc, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	type schemaWithRequest struct {
		*schema.MessageSchema
		ApprovalRequest *schema.ApprovalRequest `json:"approval_request,omitempty"`
	}
	out := schemaWithRequest{MessageSchema: sc}
	if req, ok := s.approval.GetRequest(sc.SchemaID); ok {
		out.ApprovalRequest = req
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSchemas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProposeSchemaVersion submits a new schema version through the
// approval workflow; compatible changes auto-approve.
func (s *Server) handleProposeSchemaVersion(w http.ResponseWriter, r *http.Request) {
	var body schemaProposal
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	proposed := &schema.MessageSchema{
		SchemaID:         mux.Vars(r)["id"],
		SchemaDefinition: body.SchemaDefinition,
		Compatibility:    body.Compatibility,
	}
	req, err := s.approval.RequestApproval(proposed, body.RequestedBy, body.Approvers)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit.SchemaSubmitted(r.Context(), proposed.SchemaID, body.RequestedBy, string(req.Status))
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleApproveSchema(w http.ResponseWriter, r *http.Request) {
	var body approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		writeBadRequest(w, "actor is required")
		return
	}
	found, err := s.approval.ApproveSchema(mux.Vars(r)["id"], body.Actor, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "schema not found"})
		return
	}
	s.audit.SchemaDecision(r.Context(), mux.Vars(r)["id"], body.Actor, "approved")
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleRejectSchema(w http.ResponseWriter, r *http.Request) {
	var body approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		writeBadRequest(w, "actor is required")
		return
	}
	found, err := s.approval.RejectSchema(mux.Vars(r)["id"], body.Actor, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "schema not found"})
		return
	}
	s.audit.SchemaDecision(r.Context(), mux.Vars(r)["id"], body.Actor, "rejected")
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleDeprecateSchema(w http.ResponseWriter, r *http.Request) {
	var body approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		writeBadRequest(w, "actor is required")
		return
	}
	found, err := s.approval.DeprecateSchema(mux.Vars(r)["id"], body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "schema not found"})
		return
	}
	s.audit.SchemaDecision(r.Context(), mux.Vars(r)["id"], body.Actor, "deprecated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deprecated"})
}

// handleCheckCompatibility dry-runs a compatibility check against the
// current definition without mutating the registry.
func (s *Server) handleCheckCompatibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SchemaDefinition string                   `json:"schema_definition"`
		Mode             schema.CompatibilityMode `json:"mode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	current, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	mode := body.Mode
	if mode == "" {
		mode = current.Compatibility
	}
	result, err := schema.NewChecker().Check(current.SchemaDefinition, body.SchemaDefinition, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
