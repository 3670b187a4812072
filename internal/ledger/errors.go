package ledger

import (
	"errors"

	"walletledger/internal/money"
)

// Validation errors. They are returned before anything is written.
var (
	ErrInvalidAmount     = money.ErrInvalidAmount
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrEmptyIntent       = errors.New("intent has no postings or records")
	ErrInvalidIntent     = errors.New("invalid intent")
)

// Concurrency and consistency errors.
var (
	ErrConcurrentModification     = errors.New("concurrent modification")
	ErrPartialFailureInconsistent = errors.New("partial failure left ledger inconsistent")
	ErrMutationInFlight           = errors.New("mutation in flight")
	ErrDuplicateMutation          = errors.New("duplicate mutation")
	ErrIntentMismatch             = errors.New("idempotency key reused with a different intent")
	ErrNotReconcilable            = errors.New("mutation cannot be reconciled")
)

// Store errors. Store implementations return these so the Protocol can tell
// a missing row from a lost compare-and-swap.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrMutationExists  = errors.New("mutation already recorded")
)
