// Package memstore is an in-memory ledger store without transactions. Every
// call is atomic on its own, which is exactly the situation the compensating
// strategy is built for. Faults can be injected per operation.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"walletledger/internal/date"
	"walletledger/internal/ledger"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

// ErrInjected is returned by operations failed with FailOn.
var ErrInjected = errors.New("injected failure")

type fault struct {
	skip  int
	times int
	err   error
}

type Store struct {
	mu sync.Mutex

	wallets   map[string]models.Wallet
	entries   []models.LedgerEntry
	records   map[string]map[string]models.Record
	mutations map[string]models.Mutation // by idempotency key
	keysByID  map[string]string

	faults map[string]*fault
	hooks  map[string]func()
	calls  map[string]int
}

func New() *Store {
	return &Store{
		wallets:   make(map[string]models.Wallet),
		records:   make(map[string]map[string]models.Record),
		mutations: make(map[string]models.Mutation),
		keysByID:  make(map[string]string),
		faults:    make(map[string]*fault),
		hooks:     make(map[string]func()),
		calls:     make(map[string]int),
	}
}

// FailOn makes the nth next call to op fail once with ErrInjected. op is the
// method name, e.g. "InsertEntries".
func (s *Store) FailOn(op string, nth int) {
	s.FailWith(op, nth, 1, ErrInjected)
}

// FailWith makes times consecutive calls to op fail with err, starting with
// the nth next call. A negative times fails forever.
func (s *Store) FailWith(op string, nth, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{skip: nth - 1, times: times, err: err}
}

// Heal removes every injected fault and hook.
func (s *Store) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*fault)
	s.hooks = make(map[string]func())
}

// Hook runs fn before every call to op, outside the store lock.
func (s *Store) Hook(op string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = fn
}

// Calls reports how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter runs the hook, takes the lock and decides whether op fails. Callers
// must unlock when err is nil.
func (s *Store) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	hook := s.hooks[op]
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls[op]++
	if f := s.faults[op]; f != nil {
		if f.skip > 0 {
			f.skip--
		} else if f.times != 0 {
			f.times--
			s.mu.Unlock()
			return fmt.Errorf("%s: %w", op, f.err)
		}
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, walletID string) (models.Wallet, error) {
	if err := s.enter(ctx, "GetWallet"); err != nil {
		return models.Wallet{}, err
	}
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return models.Wallet{}, ledger.ErrNotFound
	}
	return w, nil
}

func (s *Store) ApplyWalletDelta(ctx context.Context, walletID string, version int64, delta money.Money) (models.Wallet, error) {
	if err := s.enter(ctx, "ApplyWalletDelta"); err != nil {
		return models.Wallet{}, err
	}
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return models.Wallet{}, ledger.ErrNotFound
	}
	if w.Version != version {
		return models.Wallet{}, ledger.ErrVersionConflict
	}
	balance, err := w.Balance.Add(delta)
	if err != nil {
		return models.Wallet{}, err
	}
	w.Balance = balance
	w.Version++
	s.wallets[walletID] = w
	return w, nil
}

func (s *Store) SetWalletBalance(ctx context.Context, walletID string, version int64, balance money.Money) (models.Wallet, error) {
	if err := s.enter(ctx, "SetWalletBalance"); err != nil {
		return models.Wallet{}, err
	}
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return models.Wallet{}, ledger.ErrNotFound
	}
	if w.Version != version {
		return models.Wallet{}, ledger.ErrVersionConflict
	}
	w.Balance = balance
	w.Version++
	s.wallets[walletID] = w
	return w, nil
}

func (s *Store) GetRecord(ctx context.Context, table, id string) (models.Record, error) {
	if err := s.enter(ctx, "GetRecord"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	rec, ok := s.records[table][id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return rec, nil
}

func (s *Store) PutRecord(ctx context.Context, rec models.Record, expectedVersion int64) error {
	if err := s.enter(ctx, "PutRecord"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	rows := s.records[rec.RecordTable()]
	if rows == nil {
		rows = make(map[string]models.Record)
		s.records[rec.RecordTable()] = rows
	}
	stored, ok := rows[rec.RecordID()]
	switch {
	case expectedVersion == 0 && ok:
		return ledger.ErrVersionConflict
	case expectedVersion > 0 && !ok:
		return ledger.ErrNotFound
	case ok && stored.RecordVersion() != expectedVersion:
		return ledger.ErrVersionConflict
	}
	rows[rec.RecordID()] = rec
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, table, id string) error {
	if err := s.enter(ctx, "DeleteRecord"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.records[table], id)
	return nil
}

func (s *Store) InsertEntries(ctx context.Context, entries []models.LedgerEntry) error {
	if err := s.enter(ctx, "InsertEntries"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, e := range entries {
		for _, have := range s.entries {
			if have.ID == e.ID {
				return fmt.Errorf("duplicate entry %s", e.ID)
			}
		}
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *Store) DeleteEntries(ctx context.Context, mutationID string) error {
	if err := s.enter(ctx, "DeleteEntries"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.MutationID != mutationID {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (s *Store) EntriesByMutation(ctx context.Context, mutationID string) ([]models.LedgerEntry, error) {
	if err := s.enter(ctx, "EntriesByMutation"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.MutationID == mutationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) SumCommittedEntries(ctx context.Context, walletID, includeMutationID string) (money.Money, error) {
	if err := s.enter(ctx, "SumCommittedEntries"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var sum money.Money
	for _, e := range s.entries {
		if e.WalletID != walletID {
			continue
		}
		if e.MutationID != includeMutationID && !s.committedLocked(e.MutationID) {
			continue
		}
		next, err := sum.Add(e.Delta)
		if err != nil {
			return 0, err
		}
		sum = next
	}
	return sum, nil
}

func (s *Store) committedLocked(mutationID string) bool {
	key, ok := s.keysByID[mutationID]
	if !ok {
		return false
	}
	return s.mutations[key].Status == models.MutationCommitted
}

func (s *Store) GetMutation(ctx context.Context, idempotencyKey string) (models.Mutation, error) {
	if err := s.enter(ctx, "GetMutation"); err != nil {
		return models.Mutation{}, err
	}
	defer s.mu.Unlock()
	m, ok := s.mutations[idempotencyKey]
	if !ok {
		return models.Mutation{}, ledger.ErrNotFound
	}
	return m, nil
}

func (s *Store) CreateMutation(ctx context.Context, m models.Mutation) error {
	if err := s.enter(ctx, "CreateMutation"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if prev, ok := s.mutations[m.IdempotencyKey]; ok {
		if prev.Status != models.MutationRolledBack {
			return ledger.ErrMutationExists
		}
		delete(s.keysByID, prev.ID)
	}
	m.WalletIDs = append([]string(nil), m.WalletIDs...)
	s.mutations[m.IdempotencyKey] = m
	s.keysByID[m.ID] = m.IdempotencyKey
	return nil
}

func (s *Store) UpdateMutation(ctx context.Context, m models.Mutation) error {
	if err := s.enter(ctx, "UpdateMutation"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	prev, ok := s.mutations[m.IdempotencyKey]
	if !ok || prev.ID != m.ID {
		return ledger.ErrNotFound
	}
	s.mutations[m.IdempotencyKey] = m
	return nil
}

func (s *Store) UnresolvedMutations(ctx context.Context, walletID string) ([]models.Mutation, error) {
	if err := s.enter(ctx, "UnresolvedMutations"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []models.Mutation
	for _, m := range s.mutations {
		if !m.Unresolved() {
			continue
		}
		if walletID == "" || contains(m.WalletIDs, walletID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func contains(ids []string, id string) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}

// Read side used by the services.

func (s *Store) CreateWallet(ctx context.Context, w models.Wallet) error {
	if err := s.enter(ctx, "CreateWallet"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ID]; ok {
		return fmt.Errorf("wallet %s already exists", w.ID)
	}
	s.wallets[w.ID] = w
	return nil
}

func (s *Store) DeleteWallet(ctx context.Context, walletID string) error {
	if err := s.enter(ctx, "DeleteWallet"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.wallets, walletID)
	return nil
}

func (s *Store) ArchiveWallet(ctx context.Context, walletID string, version int64, at time.Time) error {
	if err := s.enter(ctx, "ArchiveWallet"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return ledger.ErrNotFound
	}
	if w.Version != version {
		return ledger.ErrVersionConflict
	}
	w.ArchivedAt = &at
	w.Version++
	s.wallets[walletID] = w
	return nil
}

func (s *Store) ListWallets(ctx context.Context, ownerID string) ([]models.Wallet, error) {
	if err := s.enter(ctx, "ListWallets"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []models.Wallet
	for _, w := range s.wallets {
		if w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// EntriesByWallet lists the wallet's committed entries, oldest first.
func (s *Store) EntriesByWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error) {
	if err := s.enter(ctx, "EntriesByWallet"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.WalletID == walletID && s.committedLocked(e.MutationID) {
			out = append(out, e)
		}
	}
	return out, nil
}

// SumSpend returns the committed expense total for owner and category over
// [from, to] as a positive amount.
func (s *Store) SumSpend(ctx context.Context, ownerID, category string, from, to date.Date) (money.Money, error) {
	if err := s.enter(ctx, "SumSpend"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var sum money.Money
	for _, e := range s.entries {
		if e.OwnerID != ownerID || e.Kind != models.EntryExpense || !s.committedLocked(e.MutationID) {
			continue
		}
		if category != models.CategoryAll && e.Category != category {
			continue
		}
		if !e.OccurredOn.Between(from, to) {
			continue
		}
		next, err := sum.Sub(e.Delta)
		if err != nil {
			return 0, err
		}
		sum = next
	}
	return sum, nil
}

func (s *Store) BalanceDiscrepancies(ctx context.Context) ([]models.BalanceCheck, error) {
	if err := s.enter(ctx, "BalanceDiscrepancies"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	sums := make(map[string]money.Money)
	for _, e := range s.entries {
		if s.committedLocked(e.MutationID) {
			sums[e.WalletID] += e.Delta
		}
	}
	var out []models.BalanceCheck
	for _, w := range s.wallets {
		if diff := w.Balance - sums[w.ID]; diff != 0 {
			out = append(out, models.BalanceCheck{
				WalletID:   w.ID,
				OwnerID:    w.OwnerID,
				Balance:    w.Balance,
				LedgerSum:  sums[w.ID],
				Difference: diff,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletID < out[j].WalletID })
	return out, nil
}

func getTyped[T models.Record](ctx context.Context, s *Store, op, table, id string) (T, error) {
	var zero T
	if err := s.enter(ctx, op); err != nil {
		return zero, err
	}
	defer s.mu.Unlock()
	rec, ok := s.records[table][id]
	if !ok {
		return zero, ledger.ErrNotFound
	}
	typed, ok := rec.(T)
	if !ok {
		return zero, fmt.Errorf("%s %s has type %T", table, id, rec)
	}
	return typed, nil
}

func listTyped[T models.Record](ctx context.Context, s *Store, op, table string, keep func(T) bool) ([]T, error) {
	if err := s.enter(ctx, op); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []T
	for _, rec := range s.records[table] {
		typed, ok := rec.(T)
		if ok && keep(typed) {
			out = append(out, typed)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	return getTyped[models.Transaction](ctx, s, "GetTransaction", models.TableTransactions, id)
}

func (s *Store) GetTransfer(ctx context.Context, id string) (models.Transfer, error) {
	return getTyped[models.Transfer](ctx, s, "GetTransfer", models.TableTransfers, id)
}

func (s *Store) GetLoan(ctx context.Context, id string) (models.Loan, error) {
	return getTyped[models.Loan](ctx, s, "GetLoan", models.TableLoans, id)
}

func (s *Store) ListLoans(ctx context.Context, ownerID string) ([]models.Loan, error) {
	return listTyped(ctx, s, "ListLoans", models.TableLoans, func(l models.Loan) bool {
		return l.OwnerID == ownerID && l.DeletedAt == nil
	})
}

func (s *Store) ListLoanPayments(ctx context.Context, loanID string) ([]models.LoanPayment, error) {
	return listTyped(ctx, s, "ListLoanPayments", models.TableLoanPayments, func(p models.LoanPayment) bool {
		return p.LoanID == loanID
	})
}

func (s *Store) GetBudgetSource(ctx context.Context, id string) (models.BudgetSource, error) {
	return getTyped[models.BudgetSource](ctx, s, "GetBudgetSource", models.TableBudgetSources, id)
}

func (s *Store) ListBudgetSources(ctx context.Context, ownerID string) ([]models.BudgetSource, error) {
	return listTyped(ctx, s, "ListBudgetSources", models.TableBudgetSources, func(b models.BudgetSource) bool {
		return b.OwnerID == ownerID
	})
}

func (s *Store) GetBudget(ctx context.Context, id string) (models.Budget, error) {
	return getTyped[models.Budget](ctx, s, "GetBudget", models.TableBudgets, id)
}

func (s *Store) ListBudgets(ctx context.Context, ownerID string) ([]models.Budget, error) {
	return listTyped(ctx, s, "ListBudgets", models.TableBudgets, func(b models.Budget) bool {
		return b.OwnerID == ownerID && b.DeletedAt == nil
	})
}

func (s *Store) ListBudgetsBySource(ctx context.Context, sourceID string) ([]models.Budget, error) {
	return listTyped(ctx, s, "ListBudgetsBySource", models.TableBudgets, func(b models.Budget) bool {
		return b.SourceID != nil && *b.SourceID == sourceID && b.DeletedAt == nil
	})
}

// OwnersWithDueBudgets lists owners holding an active budget that ended
// before today.
func (s *Store) OwnersWithDueBudgets(ctx context.Context, today date.Date) ([]string, error) {
	due, err := listTyped(ctx, s, "OwnersWithDueBudgets", models.TableBudgets, func(b models.Budget) bool {
		return b.Due(today)
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var owners []string
	for _, b := range due {
		if !seen[b.OwnerID] {
			seen[b.OwnerID] = true
			owners = append(owners, b.OwnerID)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *Store) GetSaving(ctx context.Context, id string) (models.Saving, error) {
	return getTyped[models.Saving](ctx, s, "GetSaving", models.TableSavings, id)
}

func (s *Store) ListSavings(ctx context.Context, ownerID string) ([]models.Saving, error) {
	return listTyped(ctx, s, "ListSavings", models.TableSavings, func(v models.Saving) bool {
		return v.OwnerID == ownerID
	})
}

// Mutation returns the mutation with the given id. Tests use it.
func (s *Store) Mutation(id string) (models.Mutation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[s.keysByID[id]]
	return m, ok
}

// Entries returns a copy of every stored entry, committed or not.
func (s *Store) Entries() []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LedgerEntry(nil), s.entries...)
}
