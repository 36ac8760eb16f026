package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/honam867/tasty-banana-v2-sub001/internal/auth"
	"github.com/honam867/tasty-banana-v2-sub001/internal/ledger"
)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.GetBalance(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "balance": balance})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := ledger.ListQuery{
		Cursor:     query.Get("cursor"),
		Type:       query.Get("type"),
		ReasonCode: query.Get("reason"),
	}
	if v := query.Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}

	transactions, next, err := s.ledger.ListTransactions(r.Context(), auth.UserIDFrom(r.Context()), q)
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"transactions": transactions,
		"nextCursor":   next,
	})
}

// handleSignupBonus grants the one-time signup credit to the caller. Repeat
// calls replay the original grant without a second credit.
func (s *Server) handleSignupBonus(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFrom(r.Context())
	entry, err := s.ledger.GrantSignupBonus(r.Context(), userID, s.signupBonus)
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	if !entry.Replayed {
		s.logger.Info("Granted signup bonus", "userId", userID, "amount", s.signupBonus)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"granted":   !entry.Replayed,
		"balance":   entry.Balance.Balance,
		"bonus":     entry.Transaction.Amount,
		"grantedAt": entry.Transaction.CreatedAt,
	})
}

type topupRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
	Amount int    `json:"amount" validate:"required,min=1,max=1000000"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

func (s *Server) handleAdminTopup(w http.ResponseWriter, r *http.Request) {
	adminID := auth.UserIDFrom(r.Context())

	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed_body", "request body must be JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, validationDetails(err))
		return
	}

	opts := ledger.EntryOptions{
		ReasonCode:     ledger.ReasonAdminTopup,
		AdminID:        adminID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if req.Reason != "" {
		opts.Notes = map[string]any{"reason": req.Reason}
	}

	entry, err := s.ledger.Credit(r.Context(), req.UserID, req.Amount, opts)
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	s.logger.Info("Admin topup applied", "adminId", adminID, "userId", req.UserID,
		"amount", req.Amount, "replayed", entry.Replayed)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"transaction": entry.Transaction,
		"balance":     entry.Balance,
		"replayed":    entry.Replayed,
	})
}
