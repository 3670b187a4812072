package ledger

import (
	"context"
	"errors"
	"fmt"

	"walletledger/internal/db"
	"walletledger/internal/log"

	"github.com/jmoiron/sqlx"
)

// Strategy decides how the writes of one mutation are made atomic.
type Strategy interface {
	Run(ctx context.Context, fn func(ctx context.Context, s Store, undo *UndoLog) error) error
}

// UndoLog collects compensating steps while writes are made. Steps run in
// reverse order of registration.
type UndoLog struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func(ctx context.Context, s Store) error
}

func (u *UndoLog) Push(name string, fn func(ctx context.Context, s Store) error) {
	u.steps = append(u.steps, undoStep{name: name, fn: fn})
}

// Len is the number of writes made so far.
func (u *UndoLog) Len() int { return len(u.steps) }

// rollback stops at the first failing step so the remaining writes are left
// for reconciliation to roll forward.
func (u *UndoLog) rollback(ctx context.Context, s Store) error {
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i].fn(ctx, s); err != nil {
			return fmt.Errorf("undo %s: %w", u.steps[i].name, err)
		}
	}
	return nil
}

// CompensatingStrategy makes ordered writes against a store without
// transactions and undoes them on failure.
type CompensatingStrategy struct {
	store  Store
	logger *log.Logger
}

func NewCompensatingStrategy(store Store, logger *log.Logger) *CompensatingStrategy {
	if logger == nil {
		logger = log.Discard()
	}
	return &CompensatingStrategy{store: store, logger: logger}
}

func (c *CompensatingStrategy) Run(ctx context.Context, fn func(ctx context.Context, s Store, undo *UndoLog) error) error {
	undo := &UndoLog{}
	err := fn(ctx, c.store, undo)
	if err == nil || undo.Len() == 0 {
		return err
	}
	// Past the first write a deadline leaves the mutation in flight. Undoing
	// with an expired context would fail half way.
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrMutationInFlight, err)
	}
	c.logger.DebugContext(ctx, "rolling back partial mutation", log.FieldCount, undo.Len(), log.FieldError, err)
	if rerr := undo.rollback(ctx, c.store); rerr != nil {
		return fmt.Errorf("%w: %v: %v", ErrPartialFailureInconsistent, err, rerr)
	}
	return err
}

// TransactionStrategy runs every mutation in one serializable transaction.
// The undo log is ignored because the database rolls back for us.
type TransactionStrategy struct {
	runner db.TxRunner
	open   func(tx *sqlx.Tx) Store
}

// NewTransactionStrategy takes open to bind a Store to each transaction.
func NewTransactionStrategy(runner db.TxRunner, open func(tx *sqlx.Tx) Store) *TransactionStrategy {
	return &TransactionStrategy{runner: runner, open: open}
}

func (t *TransactionStrategy) Run(ctx context.Context, fn func(ctx context.Context, s Store, undo *UndoLog) error) error {
	err := t.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(ctx, t.open(tx), &UndoLog{})
	})
	if errors.Is(err, db.ErrRetryLimit) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	return err
}
