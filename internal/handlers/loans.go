package handlers

import (
	"net/http"

	"walletledger/internal/date"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/services"

	"github.com/go-chi/chi/v5"
)

type loanResponse struct {
	models.Loan
	Remaining money.Money `json:"remaining"`
}

func newLoanResponse(l models.Loan) loanResponse {
	return loanResponse{Loan: l, Remaining: l.Remaining()}
}

type issueLoanRequest struct {
	Type        models.LoanType `json:"type"`
	Amount      money.Money     `json:"amount"`
	WalletID    string          `json:"wallet_id"`
	Counterpart string          `json:"counterpart"`
	DueDate     date.Date       `json:"due_date"`
	Description string          `json:"description"`
	Date        date.Date       `json:"date"`
}

func (h *Handler) IssueLoan(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req issueLoanRequest
	if !decode(w, r, &req) {
		return
	}
	loan, entry, err := h.svc.Loans.IssueLoan(r.Context(), services.IssueLoanRequest{
		OwnerID:        owner,
		Type:           req.Type,
		Amount:         req.Amount,
		WalletID:       req.WalletID,
		Counterpart:    req.Counterpart,
		DueDate:        req.DueDate,
		Description:    req.Description,
		Date:           req.Date,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"loan":  newLoanResponse(loan),
		"entry": entry,
	})
}

// ListLoans lists live loans; ?overdue=true keeps only the overdue ones.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var (
		loans []models.Loan
		err   error
	)
	if r.URL.Query().Get("overdue") == "true" {
		loans, err = h.svc.Loans.ListOverdue(r.Context(), owner)
	} else {
		loans, err = h.svc.Loans.ListLoans(r.Context(), owner)
	}
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	out := make([]loanResponse, 0, len(loans))
	for _, l := range loans {
		out = append(out, newLoanResponse(l))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	loan, err := h.svc.Loans.GetLoan(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newLoanResponse(loan))
}

func (h *Handler) ListLoanPayments(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	payments, err := h.svc.Loans.ListPayments(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if payments == nil {
		payments = []models.LoanPayment{}
	}
	respondJSON(w, http.StatusOK, payments)
}

type loanPaymentRequest struct {
	Amount money.Money `json:"amount"`
	Date   date.Date   `json:"date"`
}

func (h *Handler) RecordLoanPayment(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req loanPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	loan, entry, err := h.svc.Loans.RecordLoanPayment(r.Context(), services.LoanPaymentRequest{
		OwnerID:        owner,
		LoanID:         chi.URLParam(r, "id"),
		Amount:         req.Amount,
		Date:           req.Date,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"loan":  newLoanResponse(loan),
		"entry": entry,
	})
}

func (h *Handler) DeleteLoan(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	loan, entry, err := h.svc.Loans.DeleteLoan(r.Context(), services.DeleteLoanRequest{
		OwnerID:        owner,
		LoanID:         chi.URLParam(r, "id"),
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"loan":     newLoanResponse(loan),
		"reversal": entry,
	})
}
