package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/freitascorp/modswap/pkg/deploy"
)

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req deploy.DeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	executionID, err := s.orchestrator.StartExecution(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit.DeploymentRequested(r.Context(), executionID,
		string(req.Environment), req.Module.Name, req.Module.Version, req.Strategy)
	writeJSON(w, http.StatusCreated, map[string]string{"execution_id": executionID})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	state, err := s.tracker.GetPipelineState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	var (
		states []*deploy.PipelineExecutionState
		err    error
	)
	if r.URL.Query().Get("in_progress") == "true" {
		states, err = s.tracker.ListInProgress(r.Context())
	} else {
		states, err = s.tracker.ListStates(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if states == nil {
		states = []*deploy.PipelineExecutionState{}
	}
	writeJSON(w, http.StatusOK, states)
}

type approvalDecision struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApproveDeployment(w http.ResponseWriter, r *http.Request) {
	var body approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		writeBadRequest(w, "actor is required")
		return
	}
	if err := s.orchestrator.Approve(mux.Vars(r)["id"], body.Actor); err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	s.audit.DeploymentDecision(r.Context(), mux.Vars(r)["id"], body.Actor, "approved", body.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleRejectDeployment(w http.ResponseWriter, r *http.Request) {
	var body approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		writeBadRequest(w, "actor is required")
		return
	}
	if err := s.orchestrator.Reject(mux.Vars(r)["id"], body.Actor, body.Reason); err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	s.audit.DeploymentDecision(r.Context(), mux.Vars(r)["id"], body.Actor, "rejected", body.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleRollbackDeployment(w http.ResponseWriter, r *http.Request) {
	state, err := s.orchestrator.RollbackExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if state == nil {
			writeError(w, err)
			return
		}
		// Partial rollback: return the state with a conflict status.
		s.audit.DeploymentRolledBack(r.Context(), mux.Vars(r)["id"], "partial")
		writeJSON(w, http.StatusConflict, state)
		return
	}
	s.audit.DeploymentRolledBack(r.Context(), mux.Vars(r)["id"], "success")
	writeJSON(w, http.StatusOK, state)
}
