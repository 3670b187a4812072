package ledger

import (
	"context"

	"walletledger/internal/models"
	"walletledger/internal/money"
)

// Store is everything the Protocol writes through. A Store bound to a
// database transaction sees its own writes; a Store without transactions is
// driven by CompensatingStrategy.
//
// Implementations return ErrNotFound for missing rows, ErrVersionConflict
// when a compare-and-swap loses, and ErrMutationExists when an idempotency
// key is already taken by a mutation that was not rolled back.
type Store interface {
	GetWallet(ctx context.Context, walletID string) (models.Wallet, error)
	// ApplyWalletDelta adds delta to the balance if the wallet is still at
	// version, and bumps the version.
	ApplyWalletDelta(ctx context.Context, walletID string, version int64, delta money.Money) (models.Wallet, error)
	// SetWalletBalance overwrites the balance if the wallet is still at
	// version. Only reconciliation uses it.
	SetWalletBalance(ctx context.Context, walletID string, version int64, balance money.Money) (models.Wallet, error)

	GetRecord(ctx context.Context, table, id string) (models.Record, error)
	// PutRecord inserts rec when expectedVersion is 0, otherwise replaces the
	// stored row if it is still at expectedVersion.
	PutRecord(ctx context.Context, rec models.Record, expectedVersion int64) error
	DeleteRecord(ctx context.Context, table, id string) error

	InsertEntries(ctx context.Context, entries []models.LedgerEntry) error
	DeleteEntries(ctx context.Context, mutationID string) error
	EntriesByMutation(ctx context.Context, mutationID string) ([]models.LedgerEntry, error)
	// SumCommittedEntries sums the wallet's entries that belong to committed
	// mutations, plus those of includeMutationID when it is not empty.
	SumCommittedEntries(ctx context.Context, walletID, includeMutationID string) (money.Money, error)

	GetMutation(ctx context.Context, idempotencyKey string) (models.Mutation, error)
	// CreateMutation records a new in-flight mutation. A rolled back mutation
	// under the same key is replaced.
	CreateMutation(ctx context.Context, m models.Mutation) error
	UpdateMutation(ctx context.Context, m models.Mutation) error
	// UnresolvedMutations lists in-flight and inconsistent mutations touching
	// walletID, or all of them when walletID is empty.
	UnresolvedMutations(ctx context.Context, walletID string) ([]models.Mutation, error)
}

// Observer is told about mutations after they settle. Observers run after
// the writes and cannot fail a mutation.
type Observer interface {
	MutationCommitted(ctx context.Context, res Result)
	MutationInconsistent(ctx context.Context, m models.Mutation, cause error)
}
