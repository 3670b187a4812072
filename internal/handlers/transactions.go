package handlers

import (
	"net/http"

	"walletledger/internal/date"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/services"

	"github.com/go-chi/chi/v5"
)

type recordTransactionRequest struct {
	WalletID    string                 `json:"wallet_id"`
	Kind        models.TransactionKind `json:"kind"`
	Amount      money.Money            `json:"amount"`
	Category    string                 `json:"category"`
	Date        date.Date              `json:"date"`
	Description string                 `json:"description"`
}

func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req recordTransactionRequest
	if !decode(w, r, &req) {
		return
	}
	tx, entry, err := h.svc.Transactions.RecordTransaction(r.Context(), services.RecordTransactionRequest{
		OwnerID:        owner,
		WalletID:       req.WalletID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		Category:       req.Category,
		Date:           req.Date,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"transaction": tx,
		"entry":       entry,
	})
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	tx, err := h.svc.Transactions.GetTransaction(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

type transferRequest struct {
	SourceWalletID      string      `json:"source_wallet_id"`
	DestinationWalletID string      `json:"destination_wallet_id"`
	Amount              money.Money `json:"amount"`
	SourceFee           money.Money `json:"source_fee"`
	DestinationFee      money.Money `json:"destination_fee"`
	FeeCategory         string      `json:"fee_category"`
	Date                date.Date   `json:"date"`
	Description         string      `json:"description"`
}

func (h *Handler) RecordTransfer(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	transfer, entries, err := h.svc.Transactions.RecordTransfer(r.Context(), services.TransferRequest{
		OwnerID:             owner,
		SourceWalletID:      req.SourceWalletID,
		DestinationWalletID: req.DestinationWalletID,
		Amount:              req.Amount,
		SourceFee:           req.SourceFee,
		DestinationFee:      req.DestinationFee,
		FeeCategory:         req.FeeCategory,
		Date:                req.Date,
		Description:         req.Description,
		IdempotencyKey:      idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"transfer": transfer,
		"entries":  entries,
	})
}

type reverseTransferRequest struct {
	Date date.Date `json:"date"`
}

func (h *Handler) ReverseTransfer(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req reverseTransferRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	transfer, entries, err := h.svc.Transactions.ReverseTransfer(r.Context(), services.ReverseTransferRequest{
		OwnerID:    owner,
		TransferID: chi.URLParam(r, "id"),
		Date:       req.Date,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"transfer": transfer,
		"entries":  entries,
	})
}
