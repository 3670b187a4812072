package models

import (
	"time"

	"walletledger/internal/date"
	"walletledger/internal/money"

	"github.com/shopspring/decimal"
)

type WalletType string

const (
	WalletCash    WalletType = "cash"
	WalletBank    WalletType = "bank"
	WalletSavings WalletType = "savings"
	WalletCredit  WalletType = "credit"
)

func (t WalletType) Valid() bool {
	switch t {
	case WalletCash, WalletBank, WalletSavings, WalletCredit:
		return true
	}
	return false
}

type Wallet struct {
	ID             string      `db:"id" json:"id"`
	OwnerID        string      `db:"owner_id" json:"owner_id"`
	Name           string      `db:"name" json:"name"`
	Type           WalletType  `db:"type" json:"type"`
	Currency       string      `db:"currency" json:"currency"`
	Balance        money.Money `db:"balance" json:"balance"`
	AllowOverdraft bool        `db:"allow_overdraft" json:"allow_overdraft"`
	Version        int64       `db:"version" json:"version"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	ArchivedAt     *time.Time  `db:"archived_at" json:"archived_at,omitempty"`
}

func (w Wallet) Archived() bool { return w.ArchivedAt != nil }

type EntryKind string

const (
	EntryOpeningBalance   EntryKind = "opening_balance"
	EntryIncome           EntryKind = "income"
	EntryExpense          EntryKind = "expense"
	EntryTransferOut      EntryKind = "transfer_out"
	EntryTransferIn       EntryKind = "transfer_in"
	EntryLoanDisbursement EntryKind = "loan_disbursement"
	EntryLoanRepayment    EntryKind = "loan_repayment"
	EntryBudgetNote       EntryKind = "budget_note"
	EntrySavingDeposit    EntryKind = "saving_deposit"
	EntrySavingWithdrawal EntryKind = "saving_withdrawal"
	EntryReversal         EntryKind = "reversal"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryOpeningBalance, EntryIncome, EntryExpense, EntryTransferOut, EntryTransferIn,
		EntryLoanDisbursement, EntryLoanRepayment, EntryBudgetNote, EntrySavingDeposit,
		EntrySavingWithdrawal, EntryReversal:
		return true
	}
	return false
}

// LedgerEntry is immutable once its mutation commits.
type LedgerEntry struct {
	ID          string      `db:"id" json:"id"`
	OwnerID     string      `db:"owner_id" json:"owner_id"`
	WalletID    string      `db:"wallet_id" json:"wallet_id"`
	Delta       money.Money `db:"delta" json:"delta"`
	Kind        EntryKind   `db:"kind" json:"kind"`
	Category    string      `db:"category" json:"category,omitempty"`
	Description string      `db:"description" json:"description,omitempty"`
	OccurredOn  date.Date   `db:"occurred_on" json:"occurred_on"`
	DomainRef   *string     `db:"domain_ref" json:"domain_ref,omitempty"`
	MutationID  string      `db:"mutation_id" json:"mutation_id"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

type TransactionKind string

const (
	TransactionIncome  TransactionKind = "income"
	TransactionExpense TransactionKind = "expense"
)

type Transaction struct {
	ID          string          `db:"id" json:"id"`
	OwnerID     string          `db:"owner_id" json:"owner_id"`
	WalletID    string          `db:"wallet_id" json:"wallet_id"`
	Kind        TransactionKind `db:"kind" json:"kind"`
	Amount      money.Money     `db:"amount" json:"amount"`
	Category    string          `db:"category" json:"category"`
	OccurredOn  date.Date       `db:"occurred_on" json:"occurred_on"`
	Description string          `db:"description" json:"description"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

type Transfer struct {
	ID                  string      `db:"id" json:"id"`
	OwnerID             string      `db:"owner_id" json:"owner_id"`
	SourceWalletID      string      `db:"source_wallet_id" json:"source_wallet_id"`
	DestinationWalletID string      `db:"destination_wallet_id" json:"destination_wallet_id"`
	Amount              money.Money `db:"amount" json:"amount"`
	SourceFee           money.Money `db:"source_fee" json:"source_fee"`
	DestinationFee      money.Money `db:"destination_fee" json:"destination_fee"`
	FeeCategory         string      `db:"fee_category" json:"fee_category,omitempty"`
	OccurredOn          date.Date   `db:"occurred_on" json:"occurred_on"`
	Description         string      `db:"description" json:"description"`
	ReversalOf          *string     `db:"reversal_of" json:"reversal_of,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
}

type LoanType string

const (
	LoanPayable    LoanType = "payable"
	LoanReceivable LoanType = "receivable"
)

type LoanStatus string

const (
	LoanUnpaid  LoanStatus = "unpaid"
	LoanPartial LoanStatus = "partial"
	LoanPaid    LoanStatus = "paid"
)

type Loan struct {
	ID          string      `db:"id" json:"id"`
	OwnerID     string      `db:"owner_id" json:"owner_id"`
	Type        LoanType    `db:"type" json:"type"`
	Amount      money.Money `db:"amount" json:"amount"`
	PaidAmount  money.Money `db:"paid_amount" json:"paid_amount"`
	Status      LoanStatus  `db:"status" json:"status"`
	DueDate     date.Date   `db:"due_date" json:"due_date"`
	Counterpart string      `db:"counterpart" json:"counterpart"`
	WalletID    string      `db:"wallet_id" json:"wallet_id"`
	Description string      `db:"description" json:"description"`
	Version     int64       `db:"version" json:"version"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	DeletedAt   *time.Time  `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Remaining is the part of the loan not yet repaid.
func (l Loan) Remaining() money.Money { return l.Amount - l.PaidAmount }

// DeriveStatus computes the status from paid_amount; the stored status is
// always written from this.
func (l Loan) DeriveStatus() LoanStatus {
	switch {
	case l.PaidAmount >= l.Amount:
		return LoanPaid
	case l.PaidAmount > 0:
		return LoanPartial
	default:
		return LoanUnpaid
	}
}

// IsOverdue reports whether the loan is unpaid past its due date.
func (l Loan) IsOverdue(today date.Date) bool {
	if l.DueDate.IsZero() {
		return false
	}
	return l.DeriveStatus() != LoanPaid && today.After(l.DueDate)
}

type LoanPayment struct {
	ID        string      `db:"id" json:"id"`
	OwnerID   string      `db:"owner_id" json:"owner_id"`
	LoanID    string      `db:"loan_id" json:"loan_id"`
	Amount    money.Money `db:"amount" json:"amount"`
	PaidOn    date.Date   `db:"paid_on" json:"paid_on"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

type BudgetSource struct {
	ID        string      `db:"id" json:"id"`
	OwnerID   string      `db:"owner_id" json:"owner_id"`
	Name      string      `db:"name" json:"name"`
	Amount    money.Money `db:"amount" json:"amount"`
	Version   int64       `db:"version" json:"version"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

type BudgetPeriod string

const (
	PeriodWeekly    BudgetPeriod = "weekly"
	PeriodMonthly   BudgetPeriod = "monthly"
	PeriodDateRange BudgetPeriod = "date_range"
)

// CategoryAll marks a budget that tracks spend across every category.
const CategoryAll = "all"

type Budget struct {
	ID               string              `db:"id" json:"id"`
	OwnerID          string              `db:"owner_id" json:"owner_id"`
	Category         string              `db:"category" json:"category"`
	Amount           money.Money         `db:"amount" json:"amount"`
	Period           BudgetPeriod        `db:"period" json:"period"`
	StartDate        date.Date           `db:"start_date" json:"start_date"`
	EndDate          date.Date           `db:"end_date" json:"end_date"`
	Active           bool                `db:"active" json:"active"`
	SourceID         *string             `db:"source_id" json:"source_id,omitempty"`
	SourcePercentage decimal.NullDecimal `db:"source_percentage" json:"source_percentage"`
	FrozenSpent      *money.Money        `db:"frozen_spent" json:"frozen_spent,omitempty"`
	Version          int64               `db:"version" json:"version"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
	ExpiredAt        *time.Time          `db:"expired_at" json:"expired_at,omitempty"`
	DeletedAt        *time.Time          `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Due reports whether the sweeper should expire the budget on today.
func (b Budget) Due(today date.Date) bool {
	return b.Active && b.DeletedAt == nil && b.EndDate.Before(today)
}

// Claims reports whether the budget still holds part of its source on today.
func (b Budget) Claims(today date.Date) bool {
	return b.Active && b.DeletedAt == nil && !b.EndDate.Before(today)
}

type Saving struct {
	ID            string      `db:"id" json:"id"`
	OwnerID       string      `db:"owner_id" json:"owner_id"`
	Name          string      `db:"name" json:"name"`
	TargetAmount  money.Money `db:"target_amount" json:"target_amount"`
	CurrentAmount money.Money `db:"current_amount" json:"current_amount"`
	Version       int64       `db:"version" json:"version"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

type SavingTransactionKind string

const (
	SavingDeposit    SavingTransactionKind = "deposit"
	SavingWithdrawal SavingTransactionKind = "withdrawal"
)

type SavingTransaction struct {
	ID         string                `db:"id" json:"id"`
	OwnerID    string                `db:"owner_id" json:"owner_id"`
	SavingID   string                `db:"saving_id" json:"saving_id"`
	WalletID   string                `db:"wallet_id" json:"wallet_id"`
	Kind       SavingTransactionKind `db:"kind" json:"kind"`
	Amount     money.Money           `db:"amount" json:"amount"`
	OccurredOn date.Date             `db:"occurred_on" json:"occurred_on"`
	CreatedAt  time.Time             `db:"created_at" json:"created_at"`
}

type MutationStatus string

const (
	MutationInFlight     MutationStatus = "in_flight"
	MutationCommitted    MutationStatus = "committed"
	MutationRolledBack   MutationStatus = "rolled_back"
	MutationInconsistent MutationStatus = "inconsistent"
)

// Mutation tracks one Apply call under its idempotency key.
type Mutation struct {
	ID             string         `db:"id" json:"id"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key"`
	OwnerID        string         `db:"owner_id" json:"owner_id"`
	Status         MutationStatus `db:"status" json:"status"`
	Fingerprint    string         `db:"fingerprint" json:"fingerprint"`
	WalletIDs      []string       `db:"-" json:"wallet_ids"`
	Payload        []byte         `db:"payload" json:"-"`
	Result         []byte         `db:"result" json:"-"`
	Error          string         `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Unresolved reports whether the mutation may have left partial writes behind.
func (m Mutation) Unresolved() bool {
	return m.Status == MutationInFlight || m.Status == MutationInconsistent
}

// BalanceCheck compares a wallet's cached balance with its ledger sum.
type BalanceCheck struct {
	WalletID   string      `db:"wallet_id" json:"wallet_id"`
	OwnerID    string      `db:"owner_id" json:"owner_id"`
	Balance    money.Money `db:"balance" json:"balance"`
	LedgerSum  money.Money `db:"ledger_sum" json:"ledger_sum"`
	Difference money.Money `db:"difference" json:"difference"`
}
