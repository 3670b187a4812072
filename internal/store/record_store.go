package store

import (
	"context"
	"fmt"
	"strings"

	"walletledger/internal/db"
	"walletledger/internal/ledger"
	"walletledger/internal/models"

	"github.com/jmoiron/sqlx"
)

// recordTable describes how one domain table is read and written.
type recordTable struct {
	columns   []string
	versioned bool
	get       func(ctx context.Context, g Getter, id string) (models.Record, error)
}

func (t recordTable) columnList() string {
	return strings.Join(t.columns, ", ")
}

var recordTables = map[string]recordTable{
	models.TableTransactions: table[models.Transaction](models.TableTransactions, false,
		"id", "owner_id", "wallet_id", "kind", "amount", "category", "occurred_on", "description", "created_at"),
	models.TableTransfers: table[models.Transfer](models.TableTransfers, false,
		"id", "owner_id", "source_wallet_id", "destination_wallet_id", "amount", "source_fee", "destination_fee",
		"fee_category", "occurred_on", "description", "reversal_of", "created_at"),
	models.TableLoans: table[models.Loan](models.TableLoans, true,
		"id", "owner_id", "type", "amount", "paid_amount", "status", "due_date", "counterpart", "wallet_id",
		"description", "version", "created_at", "deleted_at"),
	models.TableLoanPayments: table[models.LoanPayment](models.TableLoanPayments, false,
		"id", "owner_id", "loan_id", "amount", "paid_on", "created_at"),
	models.TableBudgetSources: table[models.BudgetSource](models.TableBudgetSources, true,
		"id", "owner_id", "name", "amount", "version", "created_at"),
	models.TableBudgets: table[models.Budget](models.TableBudgets, true,
		"id", "owner_id", "category", "amount", "period", "start_date", "end_date", "active", "source_id",
		"source_percentage", "frozen_spent", "version", "created_at", "expired_at", "deleted_at"),
	models.TableSavings: table[models.Saving](models.TableSavings, true,
		"id", "owner_id", "name", "target_amount", "current_amount", "version", "created_at"),
	models.TableSavingTransactions: table[models.SavingTransaction](models.TableSavingTransactions, false,
		"id", "owner_id", "saving_id", "wallet_id", "kind", "amount", "occurred_on", "created_at"),
}

func table[T models.Record](name string, versioned bool, columns ...string) recordTable {
	t := recordTable{columns: columns, versioned: versioned}
	query := `SELECT ` + t.columnList() + ` FROM ` + name + ` WHERE id = $1`
	t.get = func(ctx context.Context, g Getter, id string) (models.Record, error) {
		var row T
		if err := g.GetContext(ctx, &row, query, id); err != nil {
			return nil, notFound(err)
		}
		return row, nil
	}
	return t
}

// RecordStore writes the domain rows that travel with a mutation.
type RecordStore struct {
	db DB
}

func NewRecordStore(db DB) *RecordStore {
	return &RecordStore{db: db}
}

func lookupTable(name string) (recordTable, error) {
	t, ok := recordTables[name]
	if !ok {
		return recordTable{}, fmt.Errorf("unknown record table %q", name)
	}
	return t, nil
}

func (s *RecordStore) Get(ctx context.Context, table, id string) (models.Record, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	return t.get(ctx, s.db, id)
}

// Put inserts rec when expectedVersion is 0 and otherwise replaces the row
// still at expectedVersion. Losing either race is ErrVersionConflict.
func (s *RecordStore) Put(ctx context.Context, rec models.Record, expectedVersion int64) error {
	t, err := lookupTable(rec.RecordTable())
	if err != nil {
		return err
	}
	if expectedVersion == 0 {
		named := make([]string, len(t.columns))
		for i, c := range t.columns {
			named[i] = ":" + c
		}
		query, args, err := sqlx.BindNamed(sqlx.DOLLAR, `
			INSERT INTO `+rec.RecordTable()+` (`+t.columnList()+`)
			VALUES (`+strings.Join(named, ", ")+`)
		`, rec)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, query, args...)
		if db.IsUniqueViolation(err) {
			return ledger.ErrVersionConflict
		}
		return err
	}
	if !t.versioned {
		return fmt.Errorf("%s rows cannot be updated", rec.RecordTable())
	}
	sets := make([]string, 0, len(t.columns)-1)
	for _, c := range t.columns[1:] {
		sets = append(sets, c+" = :"+c)
	}
	query, args, err := sqlx.BindNamed(sqlx.DOLLAR, `
		UPDATE `+rec.RecordTable()+`
		SET `+strings.Join(sets, ", ")+`
		WHERE id = :id`, rec)
	if err != nil {
		return err
	}
	query += fmt.Sprintf(" AND version = $%d", len(args)+1)
	return expectOne(s.db.ExecContext(ctx, query, append(args, expectedVersion)...))
}

func (s *RecordStore) Delete(ctx context.Context, table, id string) error {
	if _, err := lookupTable(table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	return err
}

// list reads rows of one table with a WHERE clause.
func list[T models.Record](ctx context.Context, s Selecter, name, where, order string, args ...any) ([]T, error) {
	t, err := lookupTable(name)
	if err != nil {
		return nil, err
	}
	var rows []T
	err = s.SelectContext(ctx, &rows, `SELECT `+t.columnList()+` FROM `+name+` WHERE `+where+` ORDER BY `+order, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// get reads one typed row by id.
func get[T models.Record](ctx context.Context, g Getter, name, id string) (T, error) {
	var zero T
	t, err := lookupTable(name)
	if err != nil {
		return zero, err
	}
	rec, err := t.get(ctx, g, id)
	if err != nil {
		return zero, err
	}
	typed, ok := rec.(T)
	if !ok {
		return zero, fmt.Errorf("%s %s decoded as %T", name, id, rec)
	}
	return typed, nil
}
