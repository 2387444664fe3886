package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"gestion-affaires/internal/core"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONStatus writes a JSON response with an explicit status code.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps domain errors to HTTP statuses: forbidden status
// edges and exhausted allocation retries are conflicts, missing prerequisites
// are unprocessable, unknown ids are not found.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var invalidTransition *core.InvalidTransitionError
	var allocationConflict *core.AllocationConflictError
	var missingPrerequisite *core.MissingPrerequisiteError

	switch {
	case errors.As(err, &invalidTransition):
		writeError(w, r, err.Error(), "INVALID_TRANSITION", http.StatusConflict)
	case errors.As(err, &allocationConflict):
		writeError(w, r, err.Error(), "ALLOCATION_CONFLICT", http.StatusConflict)
	case errors.As(err, &missingPrerequisite):
		writeError(w, r, err.Error(), "MISSING_PREREQUISITE", http.StatusUnprocessableEntity)
	case strings.Contains(err.Error(), "not found"):
		writeError(w, r, err.Error(), "NOT_FOUND", http.StatusNotFound)
	default:
		writeError(w, r, err.Error(), "INTERNAL_ERROR", http.StatusInternalServerError)
	}
}
