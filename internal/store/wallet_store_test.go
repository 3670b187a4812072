package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"walletledger/internal/ledger"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

func TestWalletStoreCreate(t *testing.T) {
	ctx := context.Background()
	store := NewWalletStore(stubDB{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "INSERT INTO wallets") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 9 {
				t.Fatalf("expected 9 args, got %d", len(args))
			}
			if args[0] != "w-1" || args[4] != "IDR" || args[5] != money.Money(0) || args[6] != false {
				t.Fatalf("unexpected args: %#v", args)
			}
			return stubResult{rows: 1}, nil
		},
	})
	w := models.Wallet{ID: "w-1", OwnerID: "owner-1", Name: "Cash", Type: models.WalletCash, Currency: "IDR"}
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWalletStoreGetByIDNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewWalletStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if strings.Contains(query, "FOR UPDATE") {
				t.Fatalf("plain read must not lock: %s", query)
			}
			return sql.ErrNoRows
		},
	})
	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWalletStoreAdjustBalance(t *testing.T) {
	ctx := context.Background()
	store := NewWalletStore(stubDB{
		selectFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "balance = balance + $3") || !strings.Contains(query, "RETURNING") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 3 || args[0] != "w-1" || args[1] != int64(4) || args[2] != money.Money(-500) {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*[]models.Wallet) = []models.Wallet{{ID: "w-1", Balance: 1500, Version: 5}}
			return nil
		},
	})
	w, err := store.AdjustBalance(ctx, "w-1", 4, -500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Balance != 1500 || w.Version != 5 {
		t.Fatalf("unexpected wallet: %#v", w)
	}
}

func TestWalletStoreAdjustBalanceStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewWalletStore(stubDB{})
	if _, err := store.AdjustBalance(ctx, "w-1", 4, 100); !errors.Is(err, ledger.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestWalletStoreArchiveStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewWalletStore(stubDB{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "SET archived_at = $3") {
				t.Fatalf("unexpected query: %s", query)
			}
			return stubResult{rows: 0}, nil
		},
	})
	if err := store.Archive(ctx, "w-1", 2, fixedTime); !errors.Is(err, ledger.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}
