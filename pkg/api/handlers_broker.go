package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/freitascorp/modswap/pkg/broker"
)

// ------------------------------------------------------------------
// Messages
// ------------------------------------------------------------------

func (s *Server) handlePublishMessage(w http.ResponseWriter, r *http.Request) {
	var msg broker.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.broker.Publish(r.Context(), &msg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.broker.GetMessage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleGetMessagesByTopic(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}
	msgs, err := s.broker.GetMessagesByTopic(r.Context(), mux.Vars(r)["name"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*broker.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAcknowledgeMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Acknowledge(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.DeleteMessage(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplayMessage(w http.ResponseWriter, r *http.Request) {
	replayed, err := s.broker.ReplayFromDLQ(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !replayed {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "message not found in dead-letter queue"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

// ------------------------------------------------------------------
// Topics
// ------------------------------------------------------------------

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var t broker.Topic
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.broker.CreateTopic(&t); err != nil {
		writeError(w, err)
		return
	}
	s.audit.TopicChanged(r.Context(), t.Name, "create")
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	t, err := s.broker.GetTopic(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListTopics())
}

func (s *Server) handleUpdateTopic(w http.ResponseWriter, r *http.Request) {
	var t broker.Topic
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	t.Name = mux.Vars(r)["name"]
	if err := s.broker.UpdateTopic(&t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.DeleteTopic(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	s.audit.TopicChanged(r.Context(), mux.Vars(r)["name"], "delete")
	w.WriteHeader(http.StatusNoContent)
}

// ------------------------------------------------------------------
// Subscriptions
// ------------------------------------------------------------------

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub broker.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.broker.Subscribe(&sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.broker.GetSubscription(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Unsubscribe(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Subscriptions(mux.Vars(r)["name"]))
}
