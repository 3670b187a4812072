package handlers

import (
	"net/http"

	"walletledger/internal/date"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type createBudgetSourceRequest struct {
	Name   string      `json:"name"`
	Amount money.Money `json:"amount"`
}

func (h *Handler) CreateBudgetSource(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req createBudgetSourceRequest
	if !decode(w, r, &req) {
		return
	}
	src, err := h.svc.Budgets.CreateBudgetSource(r.Context(), services.CreateBudgetSourceRequest{
		OwnerID:        owner,
		Name:           req.Name,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, src)
}

func (h *Handler) ListBudgetSources(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	sources, err := h.svc.Budgets.ListBudgetSources(r.Context(), owner)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if sources == nil {
		sources = []models.BudgetSource{}
	}
	respondJSON(w, http.StatusOK, sources)
}

func (h *Handler) SourceUsage(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	usage, err := h.svc.Budgets.SourceUsage(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}

type allocateBudgetRequest struct {
	SourceID   string              `json:"source_id"`
	Category   string              `json:"category"`
	Amount     money.Money         `json:"amount"`
	Percentage decimal.NullDecimal `json:"percentage"`
	Period     models.BudgetPeriod `json:"period"`
	StartDate  date.Date           `json:"start_date"`
	EndDate    date.Date           `json:"end_date"`
}

func (h *Handler) AllocateBudget(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req allocateBudgetRequest
	if !decode(w, r, &req) {
		return
	}
	budget, err := h.svc.Budgets.AllocateBudget(r.Context(), services.AllocateBudgetRequest{
		OwnerID:        owner,
		SourceID:       req.SourceID,
		Category:       req.Category,
		Amount:         req.Amount,
		Percentage:     req.Percentage,
		Period:         req.Period,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, budget)
}

func (h *Handler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	budgets, err := h.svc.Budgets.ListBudgets(r.Context(), owner)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if budgets == nil {
		budgets = []models.Budget{}
	}
	respondJSON(w, http.StatusOK, budgets)
}

func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	budget, err := h.svc.Budgets.GetBudget(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, budget)
}

func (h *Handler) GetDerivedSpend(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	budgetID := chi.URLParam(r, "id")
	spent, err := h.svc.Sweeper.GetDerivedSpend(r.Context(), owner, budgetID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"budget_id": budgetID,
		"spent":     spent,
	})
}

type recomputeAmountRequest struct {
	Percentage decimal.Decimal `json:"percentage"`
}

// RecomputeAmount takes a new percentage and derives the amount.
func (h *Handler) RecomputeAmount(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req recomputeAmountRequest
	if !decode(w, r, &req) {
		return
	}
	budget, err := h.svc.Budgets.RecomputeAmount(r.Context(), services.ReallocateRequest{
		OwnerID:        owner,
		BudgetID:       chi.URLParam(r, "id"),
		Percentage:     req.Percentage,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, budget)
}

type recomputeAllocationRequest struct {
	Amount money.Money `json:"amount"`
}

// RecomputeAllocation takes a new amount and derives the percentage.
func (h *Handler) RecomputeAllocation(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req recomputeAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	budget, err := h.svc.Budgets.RecomputeAllocation(r.Context(), services.ReallocateRequest{
		OwnerID:        owner,
		BudgetID:       chi.URLParam(r, "id"),
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, budget)
}

func (h *Handler) DeleteBudget(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	err := h.svc.Budgets.DeleteBudget(r.Context(), services.DeleteBudgetRequest{
		OwnerID:        owner,
		BudgetID:       chi.URLParam(r, "id"),
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
