package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/freitascorp/modswap/pkg/broker"
	"github.com/freitascorp/modswap/pkg/deploy"
	"github.com/freitascorp/modswap/pkg/schema"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain sentinel errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrNotFound),
		errors.Is(err, schema.ErrNotFound),
		errors.Is(err, deploy.ErrExecutionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrConflict), errors.Is(err, schema.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrInvalidArgument), errors.Is(err, schema.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, broker.ErrIllegalState), errors.Is(err, schema.ErrIllegalState):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrQueueFull), errors.Is(err, broker.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
