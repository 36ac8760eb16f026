package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/honam867/tasty-banana-v2-sub001/internal/catalog"
	"github.com/honam867/tasty-banana-v2-sub001/internal/cursor"
	"github.com/honam867/tasty-banana-v2-sub001/internal/generation"
	"github.com/honam867/tasty-banana-v2-sub001/internal/ledger"
	"github.com/honam867/tasty-banana-v2-sub001/internal/provider"
	"github.com/honam867/tasty-banana-v2-sub001/internal/queue"
	"github.com/honam867/tasty-banana-v2-sub001/internal/storage"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{Error: code, Message: message})
}

func respondValidation(w http.ResponseWriter, details any) {
	respondJSON(w, http.StatusBadRequest, errorBody{
		Error:   "validation_failed",
		Message: "request validation failed",
		Details: details,
	})
}

// respondFromError maps domain errors onto the HTTP error taxonomy; anything
// unrecognized is a 500 with a logged cause and an opaque body.
func respondFromError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		respondError(w, http.StatusPaymentRequired, "insufficient_balance", "not enough tokens for this operation")
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid_amount", "amount must be positive")
	case errors.Is(err, cursor.ErrMalformed):
		respondError(w, http.StatusBadRequest, "invalid_cursor", "cursor is malformed")
	case errors.Is(err, generation.ErrNotFound):
		respondError(w, http.StatusNotFound, "generation_not_found", "generation not found")
	case errors.Is(err, generation.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_state", "generation is not in a state that allows this operation")
	case errors.Is(err, storage.ErrUploadNotFound):
		respondError(w, http.StatusNotFound, "upload_not_found", "image not found")
	case errors.Is(err, storage.ErrNotAllowed):
		respondError(w, http.StatusBadRequest, "url_not_allowed", "image url host is not allowed")
	case errors.Is(err, catalog.ErrOperationTypeNotFound):
		respondError(w, http.StatusNotFound, "operation_not_found", "operation type not found")
	case errors.Is(err, queue.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "job_not_found", "job not found")
	case errors.Is(err, provider.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many generation requests; slow down")
	default:
		logger.Error("Request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
