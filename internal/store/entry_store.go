package store

import (
	"context"

	"walletledger/internal/date"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

type EntryStore struct {
	db DB
}

const entryColumns = `e.id, e.owner_id, e.wallet_id, e.delta, e.kind, e.category, e.description, e.occurred_on, e.domain_ref, e.mutation_id, e.created_at`

func NewEntryStore(db DB) *EntryStore {
	return &EntryStore{db: db}
}

func (s *EntryStore) Insert(ctx context.Context, entries []models.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, owner_id, wallet_id, delta, kind, category, description, occurred_on, domain_ref, mutation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, e := range entries {
		if _, err := s.db.ExecContext(ctx, query,
			e.ID, e.OwnerID, e.WalletID, e.Delta, e.Kind, e.Category, e.Description,
			e.OccurredOn, e.DomainRef, e.MutationID, e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *EntryStore) DeleteByMutation(ctx context.Context, mutationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE mutation_id = $1`, mutationID)
	return err
}

func (s *EntryStore) ByMutation(ctx context.Context, mutationID string) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+entryColumns+`
		FROM ledger_entries e
		WHERE e.mutation_id = $1
		ORDER BY e.id
	`, mutationID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ByWallet lists the committed entries of a wallet, oldest first.
func (s *EntryStore) ByWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+entryColumns+`
		FROM ledger_entries e
		JOIN mutations m ON m.id = e.mutation_id
		WHERE e.wallet_id = $1 AND m.status = 'committed'
		ORDER BY e.occurred_on, e.created_at, e.id
	`, walletID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SumCommitted adds up the wallet's committed entries plus those of
// includeMutationID, whatever its status.
func (s *EntryStore) SumCommitted(ctx context.Context, walletID, includeMutationID string) (money.Money, error) {
	var sum money.Money
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(e.delta), 0)
		FROM ledger_entries e
		JOIN mutations m ON m.id = e.mutation_id
		WHERE e.wallet_id = $1 AND (m.status = 'committed' OR m.id = $2)
	`, walletID, includeMutationID)
	return sum, err
}

// SumSpend returns committed expenses of the owner in category over
// [from, to] as a positive amount. The category "all" matches every one.
func (s *EntryStore) SumSpend(ctx context.Context, ownerID, category string, from, to date.Date) (money.Money, error) {
	var sum money.Money
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(-SUM(e.delta), 0)
		FROM ledger_entries e
		JOIN mutations m ON m.id = e.mutation_id
		WHERE e.owner_id = $1
		  AND e.kind = 'expense'
		  AND m.status = 'committed'
		  AND ($2 = 'all' OR e.category = $2)
		  AND e.occurred_on BETWEEN $3 AND $4
	`, ownerID, category, from, to)
	return sum, err
}

// Discrepancies lists wallets whose cached balance differs from their
// committed entries.
func (s *EntryStore) Discrepancies(ctx context.Context) ([]models.BalanceCheck, error) {
	var rows []models.BalanceCheck
	err := s.db.SelectContext(ctx, &rows, `
		SELECT w.id AS wallet_id,
		       w.owner_id,
		       w.balance,
		       COALESCE(SUM(e.delta) FILTER (WHERE m.status = 'committed'), 0) AS ledger_sum,
		       (w.balance - COALESCE(SUM(e.delta) FILTER (WHERE m.status = 'committed'), 0)) AS difference
		FROM wallets w
		LEFT JOIN ledger_entries e ON e.wallet_id = w.id
		LEFT JOIN mutations m ON m.id = e.mutation_id
		GROUP BY w.id, w.owner_id, w.balance
		HAVING w.balance <> COALESCE(SUM(e.delta) FILTER (WHERE m.status = 'committed'), 0)
		ORDER BY w.id
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
