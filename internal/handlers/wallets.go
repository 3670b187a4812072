package handlers

import (
	"net/http"

	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/services"

	"github.com/go-chi/chi/v5"
)

type createWalletRequest struct {
	Name           string            `json:"name"`
	Type           models.WalletType `json:"type"`
	Currency       string            `json:"currency"`
	InitialBalance money.Money       `json:"initial_balance"`
	AllowOverdraft bool              `json:"allow_overdraft"`
}

// walletResponse adds the formatted balance amounts are shown with.
type walletResponse struct {
	models.Wallet
	BalanceDisplay string `json:"balance_display"`
}

func newWalletResponse(w models.Wallet) walletResponse {
	return walletResponse{Wallet: w, BalanceDisplay: w.Balance.Display(w.Currency)}
}

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req createWalletRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := h.svc.Wallets.CreateWallet(r.Context(), services.CreateWalletRequest{
		OwnerID:        owner,
		Name:           req.Name,
		Type:           req.Type,
		Currency:       req.Currency,
		InitialBalance: req.InitialBalance,
		AllowOverdraft: req.AllowOverdraft,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newWalletResponse(wallet))
}

func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	wallets, err := h.svc.Wallets.ListWallets(r.Context(), owner)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, wallet := range wallets {
		out = append(out, newWalletResponse(wallet))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	wallet, err := h.svc.Wallets.GetWallet(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newWalletResponse(wallet))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	wallet, err := h.svc.Wallets.GetWallet(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"wallet_id": wallet.ID,
		"balance":   wallet.Balance,
		"display":   wallet.Balance.Display(wallet.Currency),
		"currency":  wallet.Currency,
	})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.Wallets.ListEntries(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) DeleteWallet(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Wallets.DeleteWallet(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
