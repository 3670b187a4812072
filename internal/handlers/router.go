package handlers

import (
	"context"
	"net/http"
	"strings"

	"walletledger/internal/config"
	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/middleware"
	"walletledger/internal/services"
	"walletledger/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Reconciler resolves mutations left in flight or inconsistent.
type Reconciler interface {
	Reconcile(ctx context.Context, key string) (ledger.Result, error)
	ReconcileAll(ctx context.Context) (int, error)
}

type Handler struct {
	cfg        config.Config
	svc        *services.Services
	reconciler Reconciler
	hub        *websocket.Hub
	logger     *log.Logger
}

func New(cfg config.Config, svc *services.Services, reconciler Reconciler, hub *websocket.Hub, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Discard()
	}
	return &Handler{
		cfg:        cfg,
		svc:        svc,
		reconciler: reconciler,
		hub:        hub,
		logger:     logger.WithComponent(log.ComponentHTTP),
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(h.cfg.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", middleware.OwnerHeader, IdempotencyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Group(func(r chi.Router) {
		r.Use(middleware.Owner)

		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.CreateWallet)
			r.Get("/", h.ListWallets)
			r.Get("/{id}", h.GetWallet)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/entries", h.ListEntries)
			r.Delete("/{id}", h.DeleteWallet)
		})

		r.Post("/transactions", h.RecordTransaction)
		r.Get("/transactions/{id}", h.GetTransaction)
		r.Post("/transfers", h.RecordTransfer)
		r.Post("/transfers/{id}/reverse", h.ReverseTransfer)

		r.Route("/loans", func(r chi.Router) {
			r.Post("/", h.IssueLoan)
			r.Get("/", h.ListLoans)
			r.Get("/{id}", h.GetLoan)
			r.Delete("/{id}", h.DeleteLoan)
			r.Get("/{id}/payments", h.ListLoanPayments)
			r.Post("/{id}/payments", h.RecordLoanPayment)
		})

		r.Route("/budget-sources", func(r chi.Router) {
			r.Post("/", h.CreateBudgetSource)
			r.Get("/", h.ListBudgetSources)
			r.Get("/{id}/usage", h.SourceUsage)
		})

		r.Route("/budgets", func(r chi.Router) {
			r.Post("/", h.AllocateBudget)
			r.Get("/", h.ListBudgets)
			r.Get("/{id}", h.GetBudget)
			r.Get("/{id}/spend", h.GetDerivedSpend)
			r.Put("/{id}/percentage", h.RecomputeAmount)
			r.Put("/{id}/amount", h.RecomputeAllocation)
			r.Delete("/{id}", h.DeleteBudget)
		})

		r.Route("/savings", func(r chi.Router) {
			r.Post("/", h.CreateSaving)
			r.Get("/", h.ListSavings)
			r.Get("/{id}", h.GetSaving)
			r.Post("/{id}/deposits", h.DepositSaving)
			r.Post("/{id}/withdrawals", h.WithdrawSaving)
		})

		r.Get("/ws/balances", h.WSBalances)
	})

	// Operator endpoints. Access control belongs to the gateway.
	router.Route("/ledger", func(r chi.Router) {
		r.Get("/self-check", h.SelfCheck)
		r.Post("/reconcile", h.ReconcileAll)
		r.Post("/reconcile/{key}", h.Reconcile)
		r.Post("/sweep", h.SweepAll)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}

func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	websocket.ServeWS(w, r, websocket.Upgrader(h.cfg.AllowedOrigins), h.hub, owner)
}
