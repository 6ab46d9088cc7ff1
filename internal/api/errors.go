package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/signpost-core/internal/sign"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeNotFound   = "not_found"
	ErrCodeConflict   = "conflict"
	ErrCodeInternal   = "internal_error"
	ErrCodeValidation = "validation_error"
	ErrCodeNotEnabled = "not_enabled"
	ErrCodeUpstream   = "upstream_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeSignError maps a sign package error onto a response.
// Store failures are logged by the caller; the client sees a generic 500.
func writeSignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sign.ErrSignNotFound):
		writeNotFound(w, "sign not found")
	case errors.Is(err, sign.ErrValidation):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, sign.ErrSignExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "sign already exists")
	default:
		writeInternalError(w, "internal server error")
	}
}
