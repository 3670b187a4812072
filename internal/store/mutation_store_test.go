package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"walletledger/internal/ledger"
	"walletledger/internal/models"

	"github.com/lib/pq"
)

func TestMutationStoreCreate(t *testing.T) {
	ctx := context.Background()
	var queries []string
	store := NewMutationStore(stubDB{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			queries = append(queries, query)
			if strings.Contains(query, "INSERT INTO mutations") {
				if len(args) != 11 {
					t.Fatalf("expected 11 args, got %d", len(args))
				}
				ids, ok := args[5].(*pq.StringArray)
				if !ok || len(*ids) != 2 || (*ids)[1] != "w-2" {
					t.Fatalf("unexpected wallet ids arg: %#v", args[5])
				}
				if args[6] != `{"postings":[]}` {
					t.Fatalf("payload must be sent as text, got %#v", args[6])
				}
				if args[7] != nil {
					t.Fatalf("empty result must be NULL, got %#v", args[7])
				}
			}
			return stubResult{rows: 1}, nil
		},
	})
	m := models.Mutation{
		ID:             "m-1",
		IdempotencyKey: "key-1",
		OwnerID:        "owner-1",
		Status:         models.MutationInFlight,
		WalletIDs:      []string{"w-1", "w-2"},
		Payload:        []byte(`{"postings":[]}`),
		CreatedAt:      fixedTime,
		UpdatedAt:      fixedTime,
	}
	if err := store.Create(ctx, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queries) != 2 || !strings.Contains(queries[0], "status = 'rolled_back'") {
		t.Fatalf("expected the rolled back holder to be cleared first, got %v", queries)
	}
}

func TestMutationStoreCreateKeyTaken(t *testing.T) {
	ctx := context.Background()
	store := NewMutationStore(stubDB{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if strings.Contains(query, "INSERT INTO mutations") {
				return nil, &pq.Error{Code: "23505"}
			}
			return stubResult{rows: 0}, nil
		},
	})
	err := store.Create(ctx, models.Mutation{ID: "m-2", IdempotencyKey: "key-1"})
	if !errors.Is(err, ledger.ErrMutationExists) {
		t.Fatalf("expected ErrMutationExists, got %v", err)
	}
}

func TestMutationStoreUpdateMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMutationStore(stubDB{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "WHERE idempotency_key = $1 AND id = $2") {
				t.Fatalf("unexpected query: %s", query)
			}
			return stubResult{rows: 0}, nil
		},
	})
	err := store.Update(ctx, models.Mutation{ID: "m-1", IdempotencyKey: "key-1", Status: models.MutationCommitted})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMutationStoreGetByKey(t *testing.T) {
	ctx := context.Background()
	store := NewMutationStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if len(args) != 1 || args[0] != "key-1" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*mutationRow) = mutationRow{
				ID:             "m-1",
				IdempotencyKey: "key-1",
				Status:         models.MutationCommitted,
				WalletIDs:      pq.StringArray{"w-1"},
			}
			return nil
		},
	})
	m, err := store.GetByKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != models.MutationCommitted || len(m.WalletIDs) != 1 || m.WalletIDs[0] != "w-1" {
		t.Fatalf("unexpected mutation: %#v", m)
	}
}

func TestMutationStoreUnresolvedFiltersByWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMutationStore(stubDB{
		selectFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "status IN ('in_flight', 'inconsistent')") || !strings.Contains(query, "ANY(wallet_ids)") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 1 || args[0] != "w-1" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*[]mutationRow) = []mutationRow{{ID: "m-1", Status: models.MutationInconsistent}}
			return nil
		},
	})
	rows, err := store.Unresolved(ctx, "w-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != models.MutationInconsistent {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}
