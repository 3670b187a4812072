package models

import (
	"encoding/json"
	"fmt"
)

const (
	TableTransactions       = "transactions"
	TableTransfers          = "transfers"
	TableLoans              = "loans"
	TableLoanPayments       = "loan_payments"
	TableBudgetSources      = "budget_sources"
	TableBudgets            = "budgets"
	TableSavings            = "savings"
	TableSavingTransactions = "saving_transactions"
)

// Record is a domain row written together with ledger entries. Versioned
// records are updated with compare-and-swap on RecordVersion; insert-only
// records always report version 1.
type Record interface {
	RecordTable() string
	RecordID() string
	RecordVersion() int64
}

func (t Transaction) RecordTable() string  { return TableTransactions }
func (t Transaction) RecordID() string     { return t.ID }
func (t Transaction) RecordVersion() int64 { return 1 }

func (t Transfer) RecordTable() string  { return TableTransfers }
func (t Transfer) RecordID() string     { return t.ID }
func (t Transfer) RecordVersion() int64 { return 1 }

func (l Loan) RecordTable() string  { return TableLoans }
func (l Loan) RecordID() string     { return l.ID }
func (l Loan) RecordVersion() int64 { return l.Version }

func (p LoanPayment) RecordTable() string  { return TableLoanPayments }
func (p LoanPayment) RecordID() string     { return p.ID }
func (p LoanPayment) RecordVersion() int64 { return 1 }

func (s BudgetSource) RecordTable() string  { return TableBudgetSources }
func (s BudgetSource) RecordID() string     { return s.ID }
func (s BudgetSource) RecordVersion() int64 { return s.Version }

func (b Budget) RecordTable() string  { return TableBudgets }
func (b Budget) RecordID() string     { return b.ID }
func (b Budget) RecordVersion() int64 { return b.Version }

func (s Saving) RecordTable() string  { return TableSavings }
func (s Saving) RecordID() string     { return s.ID }
func (s Saving) RecordVersion() int64 { return s.Version }

func (t SavingTransaction) RecordTable() string  { return TableSavingTransactions }
func (t SavingTransaction) RecordID() string     { return t.ID }
func (t SavingTransaction) RecordVersion() int64 { return 1 }

// RecordEnvelope is the serialized form of a Record inside a mutation payload.
type RecordEnvelope struct {
	Table string          `json:"table"`
	Data  json.RawMessage `json:"data"`
}

func EncodeRecord(rec Record) (RecordEnvelope, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return RecordEnvelope{}, fmt.Errorf("encode %s record: %w", rec.RecordTable(), err)
	}
	return RecordEnvelope{Table: rec.RecordTable(), Data: data}, nil
}

func DecodeRecord(env RecordEnvelope) (Record, error) {
	switch env.Table {
	case TableTransactions:
		return decodeAs[Transaction](env.Data)
	case TableTransfers:
		return decodeAs[Transfer](env.Data)
	case TableLoans:
		return decodeAs[Loan](env.Data)
	case TableLoanPayments:
		return decodeAs[LoanPayment](env.Data)
	case TableBudgetSources:
		return decodeAs[BudgetSource](env.Data)
	case TableBudgets:
		return decodeAs[Budget](env.Data)
	case TableSavings:
		return decodeAs[Saving](env.Data)
	case TableSavingTransactions:
		return decodeAs[SavingTransaction](env.Data)
	default:
		return nil, fmt.Errorf("unknown record table %q", env.Table)
	}
}

func decodeAs[T Record](data []byte) (Record, error) {
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}
