// Package store is the Postgres backend of the ledger. Every store takes a
// DB, which is either the pool or the transaction a mutation runs in.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"walletledger/internal/ledger"
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

type Selecter interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type DB interface {
	Execer
	Getter
	Selecter
}

// notFound maps sql.ErrNoRows to ledger.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

// expectOne turns an update that matched no row into ErrVersionConflict.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrVersionConflict
	}
	if n > 1 {
		return fmt.Errorf("expected one row, updated %d", n)
	}
	return nil
}
