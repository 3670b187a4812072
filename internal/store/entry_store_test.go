package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"walletledger/internal/date"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

func TestEntryStoreInsert(t *testing.T) {
	ctx := context.Background()
	calls := 0
	store := NewEntryStore(stubDB{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "INSERT INTO ledger_entries") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 11 {
				t.Fatalf("expected 11 args, got %d", len(args))
			}
			calls++
			return stubResult{rows: 1}, nil
		},
	})
	entries := []models.LedgerEntry{
		{ID: "e-1", WalletID: "w-1", Delta: -100, Kind: models.EntryTransferOut, MutationID: "m-1"},
		{ID: "e-2", WalletID: "w-2", Delta: 100, Kind: models.EntryTransferIn, MutationID: "m-1"},
	}
	if err := store.Insert(ctx, entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 inserts, got %d", calls)
	}
}

func TestEntryStoreSumCommitted(t *testing.T) {
	ctx := context.Background()
	store := NewEntryStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "m.status = 'committed' OR m.id = $2") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 2 || args[0] != "w-1" || args[1] != "m-9" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*money.Money) = 1000
			return nil
		},
	})
	sum, err := store.SumCommitted(ctx, "w-1", "m-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != 1000 {
		t.Fatalf("unexpected sum: %d", sum)
	}
}

func TestEntryStoreSumSpend(t *testing.T) {
	ctx := context.Background()
	from := date.New(2024, 5, 1)
	to := date.New(2024, 5, 31)
	store := NewEntryStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "e.kind = 'expense'") || !strings.Contains(query, "$2 = 'all'") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 4 || args[0] != "owner-1" || args[1] != "food" || args[2] != from || args[3] != to {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*money.Money) = 35000
			return nil
		},
	})
	sum, err := store.SumSpend(ctx, "owner-1", "food", from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != 35000 {
		t.Fatalf("unexpected sum: %d", sum)
	}
}

func TestEntryStoreDiscrepancies(t *testing.T) {
	ctx := context.Background()
	store := NewEntryStore(stubDB{
		selectFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "HAVING w.balance <>") {
				t.Fatalf("unexpected query: %s", query)
			}
			*dest.(*[]models.BalanceCheck) = []models.BalanceCheck{{WalletID: "w-1", Balance: 500, LedgerSum: 400, Difference: 100}}
			return nil
		},
	})
	rows, err := store.Discrepancies(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].Difference != 100 {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}
