package store

import (
	"context"
	"time"

	"walletledger/internal/date"
	"walletledger/internal/ledger"
	"walletledger/internal/models"
	"walletledger/internal/money"

	"github.com/jmoiron/sqlx"
)

// Backend serves the ledger protocol and the service read side from one DB.
type Backend struct {
	wallets   *WalletStore
	entries   *EntryStore
	mutations *MutationStore
	records   *RecordStore
	db        DB
	// lock is set when the backend runs inside a transaction, so wallet
	// reads take a row lock.
	lock bool
}

func NewBackend(db DB) *Backend {
	return &Backend{
		wallets:   NewWalletStore(db),
		entries:   NewEntryStore(db),
		mutations: NewMutationStore(db),
		records:   NewRecordStore(db),
		db:        db,
	}
}

// InTx binds a backend to tx. It is the opener handed to
// ledger.NewTransactionStrategy.
func InTx(tx *sqlx.Tx) ledger.Store {
	b := NewBackend(tx)
	b.lock = true
	return b
}

func (b *Backend) GetWallet(ctx context.Context, walletID string) (models.Wallet, error) {
	if b.lock {
		return b.wallets.GetForUpdate(ctx, walletID)
	}
	return b.wallets.GetByID(ctx, walletID)
}

func (b *Backend) ApplyWalletDelta(ctx context.Context, walletID string, version int64, delta money.Money) (models.Wallet, error) {
	return b.wallets.AdjustBalance(ctx, walletID, version, delta)
}

func (b *Backend) SetWalletBalance(ctx context.Context, walletID string, version int64, balance money.Money) (models.Wallet, error) {
	return b.wallets.SetBalance(ctx, walletID, version, balance)
}

func (b *Backend) GetRecord(ctx context.Context, table, id string) (models.Record, error) {
	return b.records.Get(ctx, table, id)
}

func (b *Backend) PutRecord(ctx context.Context, rec models.Record, expectedVersion int64) error {
	return b.records.Put(ctx, rec, expectedVersion)
}

func (b *Backend) DeleteRecord(ctx context.Context, table, id string) error {
	return b.records.Delete(ctx, table, id)
}

func (b *Backend) InsertEntries(ctx context.Context, entries []models.LedgerEntry) error {
	return b.entries.Insert(ctx, entries)
}

func (b *Backend) DeleteEntries(ctx context.Context, mutationID string) error {
	return b.entries.DeleteByMutation(ctx, mutationID)
}

func (b *Backend) EntriesByMutation(ctx context.Context, mutationID string) ([]models.LedgerEntry, error) {
	return b.entries.ByMutation(ctx, mutationID)
}

func (b *Backend) SumCommittedEntries(ctx context.Context, walletID, includeMutationID string) (money.Money, error) {
	return b.entries.SumCommitted(ctx, walletID, includeMutationID)
}

func (b *Backend) GetMutation(ctx context.Context, idempotencyKey string) (models.Mutation, error) {
	return b.mutations.GetByKey(ctx, idempotencyKey)
}

func (b *Backend) CreateMutation(ctx context.Context, m models.Mutation) error {
	return b.mutations.Create(ctx, m)
}

func (b *Backend) UpdateMutation(ctx context.Context, m models.Mutation) error {
	return b.mutations.Update(ctx, m)
}

func (b *Backend) UnresolvedMutations(ctx context.Context, walletID string) ([]models.Mutation, error) {
	return b.mutations.Unresolved(ctx, walletID)
}

// Read side.

func (b *Backend) CreateWallet(ctx context.Context, w models.Wallet) error {
	return b.wallets.Create(ctx, w)
}

func (b *Backend) DeleteWallet(ctx context.Context, walletID string) error {
	return b.wallets.Delete(ctx, walletID)
}

func (b *Backend) ArchiveWallet(ctx context.Context, walletID string, version int64, at time.Time) error {
	return b.wallets.Archive(ctx, walletID, version, at)
}

func (b *Backend) ListWallets(ctx context.Context, ownerID string) ([]models.Wallet, error) {
	return b.wallets.ListByOwner(ctx, ownerID)
}

func (b *Backend) EntriesByWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error) {
	return b.entries.ByWallet(ctx, walletID)
}

func (b *Backend) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	return get[models.Transaction](ctx, b.db, models.TableTransactions, id)
}

func (b *Backend) GetTransfer(ctx context.Context, id string) (models.Transfer, error) {
	return get[models.Transfer](ctx, b.db, models.TableTransfers, id)
}

func (b *Backend) GetLoan(ctx context.Context, id string) (models.Loan, error) {
	return get[models.Loan](ctx, b.db, models.TableLoans, id)
}

func (b *Backend) ListLoans(ctx context.Context, ownerID string) ([]models.Loan, error) {
	return list[models.Loan](ctx, b.db, models.TableLoans,
		`owner_id = $1 AND deleted_at IS NULL`, `due_date, created_at, id`, ownerID)
}

func (b *Backend) ListLoanPayments(ctx context.Context, loanID string) ([]models.LoanPayment, error) {
	return list[models.LoanPayment](ctx, b.db, models.TableLoanPayments,
		`loan_id = $1`, `paid_on, created_at, id`, loanID)
}

func (b *Backend) GetBudgetSource(ctx context.Context, id string) (models.BudgetSource, error) {
	return get[models.BudgetSource](ctx, b.db, models.TableBudgetSources, id)
}

func (b *Backend) ListBudgetSources(ctx context.Context, ownerID string) ([]models.BudgetSource, error) {
	return list[models.BudgetSource](ctx, b.db, models.TableBudgetSources,
		`owner_id = $1`, `created_at, id`, ownerID)
}

func (b *Backend) GetBudget(ctx context.Context, id string) (models.Budget, error) {
	return get[models.Budget](ctx, b.db, models.TableBudgets, id)
}

func (b *Backend) ListBudgets(ctx context.Context, ownerID string) ([]models.Budget, error) {
	return list[models.Budget](ctx, b.db, models.TableBudgets,
		`owner_id = $1 AND deleted_at IS NULL`, `start_date, created_at, id`, ownerID)
}

func (b *Backend) ListBudgetsBySource(ctx context.Context, sourceID string) ([]models.Budget, error) {
	return list[models.Budget](ctx, b.db, models.TableBudgets,
		`source_id = $1 AND deleted_at IS NULL`, `created_at, id`, sourceID)
}

// OwnersWithDueBudgets lists owners holding an active budget that ended
// before today.
func (b *Backend) OwnersWithDueBudgets(ctx context.Context, today date.Date) ([]string, error) {
	var owners []string
	err := b.db.SelectContext(ctx, &owners, `
		SELECT DISTINCT owner_id
		FROM budgets
		WHERE active AND deleted_at IS NULL AND end_date < $1
		ORDER BY owner_id
	`, today)
	if err != nil {
		return nil, err
	}
	return owners, nil
}

func (b *Backend) SumSpend(ctx context.Context, ownerID, category string, from, to date.Date) (money.Money, error) {
	return b.entries.SumSpend(ctx, ownerID, category, from, to)
}

func (b *Backend) GetSaving(ctx context.Context, id string) (models.Saving, error) {
	return get[models.Saving](ctx, b.db, models.TableSavings, id)
}

func (b *Backend) ListSavings(ctx context.Context, ownerID string) ([]models.Saving, error) {
	return list[models.Saving](ctx, b.db, models.TableSavings,
		`owner_id = $1`, `created_at, id`, ownerID)
}

func (b *Backend) BalanceDiscrepancies(ctx context.Context) ([]models.BalanceCheck, error) {
	return b.entries.Discrepancies(ctx)
}
