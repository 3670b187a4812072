package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/middleware"
	"walletledger/internal/money"
	"walletledger/internal/services"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// IdempotencyHeader lets clients retry a write without applying it twice.
const IdempotencyHeader = "Idempotency-Key"

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps service and protocol errors to a status and code. The
// order matters where errors wrap each other.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{services.ErrOwnerMismatch, http.StatusForbidden, "access_denied"},
	{ledger.ErrWalletNotFound, http.StatusNotFound, "wallet_not_found"},
	{ledger.ErrNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrInsufficientFunds, http.StatusBadRequest, "insufficient_funds"},
	{money.ErrOverflow, http.StatusBadRequest, "amount_overflow"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{services.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{ledger.ErrInvalidIntent, http.StatusBadRequest, "invalid_request"},
	{ledger.ErrEmptyIntent, http.StatusBadRequest, "invalid_request"},
	{services.ErrSameWallet, http.StatusBadRequest, "same_wallet"},
	{services.ErrCurrencyMismatch, http.StatusBadRequest, "currency_mismatch"},
	{services.ErrOverRepayment, http.StatusBadRequest, "over_repayment"},
	{services.ErrAllocationExceeded, http.StatusConflict, "allocation_exceeded"},
	{services.ErrWalletNotEmpty, http.StatusConflict, "wallet_not_empty"},
	{services.ErrLoanHasPayments, http.StatusConflict, "loan_has_payments"},
	{services.ErrBudgetExpired, http.StatusConflict, "budget_expired"},
	{ledger.ErrIntentMismatch, http.StatusConflict, "idempotency_key_reused"},
	{ledger.ErrDuplicateMutation, http.StatusConflict, "duplicate_request"},
	{ledger.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{ledger.ErrMutationInFlight, http.StatusServiceUnavailable, "mutation_in_flight"},
	{ledger.ErrNotReconcilable, http.StatusConflict, "not_reconcilable"},
	{ledger.ErrPartialFailureInconsistent, http.StatusInternalServerError, "partial_failure_inconsistent"},
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				h.logger.Failure(r.Context(), r.Method+" "+r.URL.Path, err,
					log.FieldRequestID, chimiddleware.GetReqID(r.Context()))
			}
			respondError(w, m.status, m.code)
			return
		}
	}
	h.logger.Failure(r.Context(), r.Method+" "+r.URL.Path, err,
		log.FieldRequestID, chimiddleware.GetReqID(r.Context()))
	respondError(w, http.StatusInternalServerError, "internal_error")
}

func decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return false
	}
	return true
}

func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}

func idempotencyKey(r *http.Request) string {
	return r.Header.Get(IdempotencyHeader)
}
