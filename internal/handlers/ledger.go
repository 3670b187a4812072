package handlers

import (
	"net/http"

	"walletledger/internal/models"

	"github.com/go-chi/chi/v5"
)

// SelfCheck lists wallets whose cached balance disagrees with their entries.
// An empty list means the ledger is consistent.
func (h *Handler) SelfCheck(w http.ResponseWriter, r *http.Request) {
	checks, err := h.svc.VerifyBalances(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if checks == nil {
		checks = []models.BalanceCheck{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"consistent":    len(checks) == 0,
		"discrepancies": checks,
	})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.Reconcile(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.reconciler.ReconcileAll(r.Context())
	if err != nil {
		h.logger.Failure(r.Context(), "reconcile all", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{
			"error":      "reconcile_incomplete",
			"reconciled": n,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"reconciled": n})
}

func (h *Handler) SweepAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Sweeper.SweepAll(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"expired": n})
}
