package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/ledger"
	"github.com/trigon/triangle-engine/internal/model"
	"github.com/trigon/triangle-engine/internal/plan"
	"github.com/trigon/triangle-engine/internal/store"
)

// --- Request types ---

// RegisterRequest is the JSON body for POST /api/v1/register.
type RegisterRequest struct {
	Username     string `json:"username"`
	Wallet       string `json:"wallet"`
	Plan         string `json:"plan"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// PayoutRequest is the JSON body for POST /api/v1/payouts.
type PayoutRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// RejectRequest is the JSON body for transaction rejection.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// --- HTTP Handlers ---

// HandleRegister handles POST /api/v1/register.
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	reg, err := s.Register(r.Context(), RegisterParams{
		Username:     req.Username,
		Wallet:       req.Wallet,
		PlanType:     req.Plan,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(reg)
}

// HandleResolveReferrer handles GET /api/v1/referrers/{code}.
func (s *Service) HandleResolveReferrer(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	ref, err := s.ResolveReferrer(r.Context(), code)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ref)
}

// HandleRequestPayout handles POST /api/v1/payouts.
func (s *Service) HandleRequestPayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	tx, err := s.RequestPayout(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tx)
}

// HandleConfirmTransaction handles POST /api/v1/transactions/{transactionID}/confirm.
func (s *Service) HandleConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ConfirmTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// HandleCompleteTransaction handles POST /api/v1/transactions/{transactionID}/complete.
func (s *Service) HandleCompleteTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.CompleteTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// HandleRejectTransaction handles POST /api/v1/transactions/{transactionID}/reject.
func (s *Service) HandleRejectTransaction(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tx, err := s.RejectTransaction(r.Context(), chi.URLParam(r, "transactionID"), req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// HandleExpireTransaction handles POST /api/v1/transactions/{transactionID}/expire.
func (s *Service) HandleExpireTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ExpireTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// HandleCancelTransaction handles POST /api/v1/transactions/{transactionID}/cancel.
func (s *Service) HandleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.CancelTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// HandleGetTransaction handles GET /api/v1/transactions/{transactionID}.
// Returns the poll-friendly status projection.
func (s *Service) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	status, err := s.GetTransactionStatus(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// HandleGetFormation handles GET /api/v1/triangles/{formationID}.
func (s *Service) HandleGetFormation(w http.ResponseWriter, r *http.Request) {
	f, err := s.GetFormation(r.Context(), chi.URLParam(r, "formationID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f)
}

// HandleListFormations handles GET /api/v1/triangles, optionally
// filtered by ?plan=<tier>.
func (s *Service) HandleListFormations(w http.ResponseWriter, r *http.Request) {
	fs, err := s.store.ListFormations(r.Context(), r.URL.Query().Get("plan"))
	if err != nil {
		writeError(w, "failed to list formations", http.StatusInternalServerError)
		return
	}
	if fs == nil {
		fs = []model.Formation{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fs)
}

// HandleGetUser handles GET /api/v1/users/{userID}.
func (s *Service) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u)
}

// HandleListUserTransactions handles GET /api/v1/users/{userID}/transactions.
func (s *Service) HandleListUserTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.ListTransactionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txs)
}

// HandleGetRejoin handles GET /api/v1/rejoin/{username}. Returns the
// staged pre-fill without consuming it; registration consumes it.
func (s *Service) HandleGetRejoin(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.PeekRejoin(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// HandleListPlans handles GET /api/v1/plans.
func (s *Service) HandleListPlans(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.catalog.List())
}

// --- Error mapping ---

// writeEngineError maps the engine's error taxonomy to HTTP statuses.
// Consistency violations deliberately surface as a generic 500; the
// detail goes to the operational log, not the end user.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidReferrer), errors.Is(err, plan.ErrUnknownTier):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotEligibleForPayout),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ledger.ErrAlreadyFinalized),
		errors.Is(err, ledger.ErrIllegalTransition),
		errors.Is(err, ledger.ErrDepositsDoNotExpire),
		errors.Is(err, store.ErrDuplicate):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrBanished):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrConsistencyViolation):
		writeError(w, "internal consistency error", http.StatusInternalServerError)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
