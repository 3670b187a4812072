package handlers

import (
	"context"
	"net/http"

	"walletledger/internal/date"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/services"

	"github.com/go-chi/chi/v5"
)

type createSavingRequest struct {
	Name         string      `json:"name"`
	TargetAmount money.Money `json:"target_amount"`
}

func (h *Handler) CreateSaving(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req createSavingRequest
	if !decode(w, r, &req) {
		return
	}
	saving, err := h.svc.Savings.CreateSaving(r.Context(), services.CreateSavingRequest{
		OwnerID:        owner,
		Name:           req.Name,
		TargetAmount:   req.TargetAmount,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, saving)
}

func (h *Handler) ListSavings(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	savings, err := h.svc.Savings.ListSavings(r.Context(), owner)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if savings == nil {
		savings = []models.Saving{}
	}
	respondJSON(w, http.StatusOK, savings)
}

func (h *Handler) GetSaving(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	saving, err := h.svc.Savings.GetSaving(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, saving)
}

type savingMovementRequest struct {
	WalletID string      `json:"wallet_id"`
	Amount   money.Money `json:"amount"`
	Date     date.Date   `json:"date"`
}

func (h *Handler) DepositSaving(w http.ResponseWriter, r *http.Request) {
	h.moveSaving(w, r, h.svc.Savings.DepositSaving)
}

func (h *Handler) WithdrawSaving(w http.ResponseWriter, r *http.Request) {
	h.moveSaving(w, r, h.svc.Savings.WithdrawSaving)
}

type savingMove func(ctx context.Context, req services.SavingMovementRequest) (models.Saving, models.LedgerEntry, error)

func (h *Handler) moveSaving(w http.ResponseWriter, r *http.Request, move savingMove) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req savingMovementRequest
	if !decode(w, r, &req) {
		return
	}
	saving, entry, err := move(r.Context(), services.SavingMovementRequest{
		OwnerID:        owner,
		SavingID:       chi.URLParam(r, "id"),
		WalletID:       req.WalletID,
		Amount:         req.Amount,
		Date:           req.Date,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"saving": saving,
		"entry":  entry,
	})
}
