package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"walletledger/internal/date"
	"walletledger/internal/db"
	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/models"
	"walletledger/internal/money"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = ledger.ErrNotFound
	ErrInvalidAmount     = ledger.ErrInvalidAmount
	ErrWalletNotFound    = ledger.ErrWalletNotFound
	ErrInsufficientFunds = ledger.ErrInsufficientFunds

	ErrInvalidRequest     = errors.New("invalid request")
	ErrOwnerMismatch      = errors.New("record belongs to another owner")
	ErrSameWallet         = errors.New("cannot transfer to same wallet")
	ErrCurrencyMismatch   = errors.New("currency mismatch")
	ErrWalletNotEmpty     = errors.New("wallet has a balance or open loans")
	ErrAllocationExceeded = errors.New("allocation exceeds budget source")
	ErrOverRepayment      = errors.New("payment exceeds remaining loan balance")
	ErrLoanHasPayments    = errors.New("loan already has payments")
	ErrBudgetExpired      = errors.New("budget has expired")
)

// Applier is the Balance Mutation Protocol as the services see it.
type Applier interface {
	Apply(ctx context.Context, in ledger.Intent) (ledger.Result, error)
	Lookup(ctx context.Context, ownerID, key string) (ledger.Result, error)
	Today() date.Date
}

type WalletStore interface {
	CreateWallet(ctx context.Context, w models.Wallet) error
	DeleteWallet(ctx context.Context, walletID string) error
	ArchiveWallet(ctx context.Context, walletID string, version int64, at time.Time) error
	GetWallet(ctx context.Context, walletID string) (models.Wallet, error)
	ListWallets(ctx context.Context, ownerID string) ([]models.Wallet, error)
	EntriesByWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error)
}

type TransferStore interface {
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	GetTransfer(ctx context.Context, id string) (models.Transfer, error)
}

type LoanStore interface {
	GetLoan(ctx context.Context, id string) (models.Loan, error)
	ListLoans(ctx context.Context, ownerID string) ([]models.Loan, error)
	ListLoanPayments(ctx context.Context, loanID string) ([]models.LoanPayment, error)
}

type BudgetStore interface {
	GetBudgetSource(ctx context.Context, id string) (models.BudgetSource, error)
	ListBudgetSources(ctx context.Context, ownerID string) ([]models.BudgetSource, error)
	GetBudget(ctx context.Context, id string) (models.Budget, error)
	ListBudgets(ctx context.Context, ownerID string) ([]models.Budget, error)
	ListBudgetsBySource(ctx context.Context, sourceID string) ([]models.Budget, error)
	OwnersWithDueBudgets(ctx context.Context, today date.Date) ([]string, error)
}

type SpendReader interface {
	SumSpend(ctx context.Context, ownerID, category string, from, to date.Date) (money.Money, error)
}

type SavingStore interface {
	GetSaving(ctx context.Context, id string) (models.Saving, error)
	ListSavings(ctx context.Context, ownerID string) ([]models.Saving, error)
}

// Repository is the read side the services need. The Postgres store and the
// in-memory store both provide it.
type Repository interface {
	WalletStore
	TransferStore
	LoanStore
	BudgetStore
	SpendReader
	SavingStore
	BalanceDiscrepancies(ctx context.Context) ([]models.BalanceCheck, error)
}

type Options struct {
	Logger          *log.Logger
	DefaultCurrency string
	// ConflictAttempts bounds how often a service rebuilds an intent whose
	// versioned records were changed underneath it.
	ConflictAttempts int
	ConflictBackoff  time.Duration
	SweepConcurrency int
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Discard()
	}
	if o.DefaultCurrency == "" {
		o.DefaultCurrency = "IDR"
	}
	if o.ConflictAttempts <= 0 {
		o.ConflictAttempts = 3
	}
	if o.ConflictBackoff <= 0 {
		o.ConflictBackoff = 20 * time.Millisecond
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Services bundles every service over one Protocol and Repository.
type Services struct {
	Wallets      *WalletService
	Transactions *TransactionService
	Loans        *LoanService
	Budgets      *BudgetService
	Sweeper      *Sweeper
	Savings      *SavingService
	repo         Repository
}

func New(protocol Applier, repo Repository, opts Options) *Services {
	opts = opts.withDefaults()
	sweeper := NewSweeper(protocol, repo, repo, opts)
	return &Services{
		Wallets:      NewWalletService(protocol, repo, repo, opts),
		Transactions: NewTransactionService(protocol, repo, repo, opts),
		Loans:        NewLoanService(protocol, repo, opts),
		Budgets:      NewBudgetService(protocol, repo, sweeper, opts),
		Sweeper:      sweeper,
		Savings:      NewSavingService(protocol, repo, opts),
		repo:         repo,
	}
}

// VerifyBalances lists wallets whose cached balance differs from the sum of
// their committed entries. An empty result means the ledger is consistent.
func (s *Services) VerifyBalances(ctx context.Context) ([]models.BalanceCheck, error) {
	return s.repo.BalanceDiscrepancies(ctx)
}

func keyOrNew(key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return key
}

// replay returns the committed result of a request the owner already ran
// under key. State-dependent checks would reject the replay otherwise, e.g. a
// repeated loan payment would look like an over-repayment, so same compares
// the stored records with the request instead.
func replay(ctx context.Context, p Applier, ownerID, key string, same func(ledger.Result) bool) (ledger.Result, bool, error) {
	if key == "" {
		return ledger.Result{}, false, nil
	}
	res, err := p.Lookup(ctx, ownerID, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Result{}, false, nil
	}
	if err != nil {
		return ledger.Result{}, false, err
	}
	if !same(res) {
		return ledger.Result{}, false, fmt.Errorf("%w: key %q was used for another request", ledger.ErrIntentMismatch, key)
	}
	return res, true, nil
}

// sameRecord matches a result whose first T record satisfies match.
func sameRecord[T models.Record](match func(T) bool) func(ledger.Result) bool {
	return func(res ledger.Result) bool {
		rec, err := firstRecord[T](res)
		return err == nil && match(rec)
	}
}

// sameDay treats an omitted date as matching whatever day was stored.
func sameDay(requested, stored date.Date) bool {
	return requested.IsZero() || requested.Equal(stored)
}

// retryOnConflict reruns fn while it loses a race on a versioned record.
func retryOnConflict(ctx context.Context, opts Options, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, ledger.ErrConcurrentModification) || attempt >= opts.ConflictAttempts {
			return err
		}
		opts.Logger.DebugContext(ctx, "record changed underneath, rebuilding intent", log.FieldAttempt, attempt)
		if err := db.Sleep(ctx, db.Backoff(attempt, opts.ConflictBackoff)); err != nil {
			return err
		}
	}
}

// recordOf pulls the typed record with id out of a mutation result.
func recordOf[T models.Record](res ledger.Result, table, id string) (T, error) {
	var zero T
	rec, ok := res.Record(table, id)
	if !ok {
		return zero, fmt.Errorf("mutation %s has no %s %s", res.MutationID, table, id)
	}
	typed, ok := rec.(T)
	if !ok {
		return zero, fmt.Errorf("mutation %s: %s %s has type %T", res.MutationID, table, id, rec)
	}
	return typed, nil
}

// firstRecord returns the first record of type T in a mutation result.
func firstRecord[T models.Record](res ledger.Result) (T, error) {
	for _, rec := range res.Records {
		if typed, ok := rec.(T); ok {
			return typed, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("mutation %s has no %T record", res.MutationID, zero)
}

func firstEntry(res ledger.Result) models.LedgerEntry {
	if len(res.Entries) == 0 {
		return models.LedgerEntry{}
	}
	return res.Entries[0]
}

func dateOr(d, fallback date.Date) date.Date {
	if d.IsZero() {
		return fallback
	}
	return d
}

func owned(ownerID, recordOwner string) error {
	if ownerID == "" || ownerID != recordOwner {
		return ErrOwnerMismatch
	}
	return nil
}

func refTo(id string) *string {
	return &id
}
