package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"walletledger/internal/date"
	"walletledger/internal/ledger"
	"walletledger/internal/memstore"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/services"

	"github.com/shopspring/decimal"
)

const owner = "user-1"

var _ services.Repository = (*memstore.Store)(nil)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store    *memstore.Store
	protocol *ledger.Protocol
	svc      *services.Services
	clock    *clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := memstore.New()
	clk := &clock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	p := ledger.New(ledger.NewCompensatingStrategy(st, nil), ledger.Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		Timeout:     time.Minute,
		Now:         clk.Now,
	})
	svc := services.New(p, st, services.Options{
		ConflictBackoff: time.Millisecond,
		Now:             clk.Now,
	})
	return fixture{store: st, protocol: p, svc: svc, clock: clk}
}

func (f fixture) wallet(t *testing.T, name string, initial money.Money) models.Wallet {
	t.Helper()
	w, err := f.svc.Wallets.CreateWallet(context.Background(), services.CreateWalletRequest{
		OwnerID:        owner,
		Name:           name,
		Type:           models.WalletCash,
		InitialBalance: initial,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return w
}

func (f fixture) balance(t *testing.T, walletID string) money.Money {
	t.Helper()
	b, err := f.svc.Wallets.GetWalletBalance(context.Background(), owner, walletID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func (f fixture) expectBalance(t *testing.T, walletID string, want money.Money) {
	t.Helper()
	if got := f.balance(t, walletID); got != want {
		t.Fatalf("expected balance %s for %s, got %s", want, walletID, got)
	}
}

func (f fixture) assertBalanced(t *testing.T) {
	t.Helper()
	checks, err := f.svc.VerifyBalances(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(checks) != 0 {
		t.Fatalf("expected cached balances to match the ledger, got %+v", checks)
	}
}

func (f fixture) expense(t *testing.T, walletID string, amount money.Money, category string, on date.Date) {
	t.Helper()
	_, _, err := f.svc.Transactions.RecordTransaction(context.Background(), services.RecordTransactionRequest{
		OwnerID:  owner,
		WalletID: walletID,
		Amount:   amount,
		Kind:     models.TransactionExpense,
		Category: category,
		Date:     on,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func pct(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

// TestScenarios walks one owner through an expense, a transfer, a loan and a
// budget source in sequence.
func TestScenarios(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cash := f.wallet(t, "Cash", 100_000)
	food, err := f.svc.Budgets.AllocateBudget(ctx, services.AllocateBudgetRequest{
		OwnerID:   owner,
		Category:  "Food",
		Amount:    50_000,
		Period:    models.PeriodMonthly,
		StartDate: date.New(2024, 5, 1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.expense(t, cash.ID, 30_000, "Food", date.Date{})
	f.expectBalance(t, cash.ID, 70_000)
	spent, err := f.svc.Sweeper.GetDerivedSpend(ctx, owner, food.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spent != 30_000 {
		t.Fatalf("expected derived spend 30000, got %s", spent)
	}

	bank := f.wallet(t, "Bank", 0)
	if _, _, err := f.svc.Transactions.RecordTransfer(ctx, services.TransferRequest{
		OwnerID:             owner,
		SourceWalletID:      cash.ID,
		DestinationWalletID: bank.ID,
		Amount:              20_000,
		SourceFee:           2_000,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.expectBalance(t, cash.ID, 48_000)
	f.expectBalance(t, bank.ID, 20_000)

	loan, _, err := f.svc.Loans.IssueLoan(ctx, services.IssueLoanRequest{
		OwnerID:     owner,
		Type:        models.LoanPayable,
		Amount:      100_000,
		WalletID:    cash.ID,
		Counterpart: "Budi",
		DueDate:     date.New(2024, 6, 10),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loan.Status != models.LoanUnpaid {
		t.Fatalf("expected unpaid loan, got %s", loan.Status)
	}
	f.expectBalance(t, cash.ID, 148_000)

	steps := []struct {
		amount     money.Money
		wantCash   money.Money
		wantPaid   money.Money
		wantStatus models.LoanStatus
	}{
		{40_000, 108_000, 40_000, models.LoanPartial},
		{60_000, 48_000, 100_000, models.LoanPaid},
	}
	for _, step := range steps {
		loan, _, err = f.svc.Loans.RecordLoanPayment(ctx, services.LoanPaymentRequest{
			OwnerID: owner,
			LoanID:  loan.ID,
			Amount:  step.amount,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		f.expectBalance(t, cash.ID, step.wantCash)
		if loan.PaidAmount != step.wantPaid || loan.Status != step.wantStatus {
			t.Fatalf("expected paid %s status %s, got %s %s", step.wantPaid, step.wantStatus, loan.PaidAmount, loan.Status)
		}
	}
	_, _, err = f.svc.Loans.RecordLoanPayment(ctx, services.LoanPaymentRequest{OwnerID: owner, LoanID: loan.ID, Amount: 1})
	if !errors.Is(err, services.ErrOverRepayment) {
		t.Fatalf("expected ErrOverRepayment, got %v", err)
	}

	salary, err := f.svc.Budgets.CreateBudgetSource(ctx, services.CreateBudgetSourceRequest{
		OwnerID: owner,
		Name:    "Salary",
		Amount:  1_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	allocate := func(category string, percent int64) (models.Budget, error) {
		return f.svc.Budgets.AllocateBudget(ctx, services.AllocateBudgetRequest{
			OwnerID:    owner,
			SourceID:   salary.ID,
			Category:   category,
			Percentage: pct(percent),
			Period:     models.PeriodMonthly,
		})
	}
	rent, err := allocate("Rent", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rent.Amount != 500_000 {
		t.Fatalf("expected rent amount 500000, got %s", rent.Amount)
	}
	if _, err := allocate("Food", 60); !errors.Is(err, services.ErrAllocationExceeded) {
		t.Fatalf("expected ErrAllocationExceeded, got %v", err)
	}
	groceries, err := allocate("Food", 40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if groceries.Amount != 400_000 {
		t.Fatalf("expected food amount 400000, got %s", groceries.Amount)
	}

	f.assertBalanced(t)
}

func TestBalanceInvariantAcrossOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 500_000)
	bank := f.wallet(t, "Bank", 100_000)

	f.expense(t, cash.ID, 12_345, "Food", date.Date{})
	if _, _, err := f.svc.Transactions.RecordTransaction(ctx, services.RecordTransactionRequest{
		OwnerID: owner, WalletID: bank.ID, Amount: 250_000, Kind: models.TransactionIncome, Category: "Salary",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transfer, _, err := f.svc.Transactions.RecordTransfer(ctx, services.TransferRequest{
		OwnerID: owner, SourceWalletID: bank.ID, DestinationWalletID: cash.ID,
		Amount: 40_000, SourceFee: 500, DestinationFee: 250, FeeCategory: "Fees",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := f.svc.Transactions.ReverseTransfer(ctx, services.ReverseTransferRequest{OwnerID: owner, TransferID: transfer.ID}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loan, _, err := f.svc.Loans.IssueLoan(ctx, services.IssueLoanRequest{
		OwnerID: owner, Type: models.LoanReceivable, Amount: 30_000, WalletID: cash.ID, Counterpart: "Sari",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := f.svc.Loans.RecordLoanPayment(ctx, services.LoanPaymentRequest{OwnerID: owner, LoanID: loan.ID, Amount: 10_000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	saving, err := f.svc.Savings.CreateSaving(ctx, services.CreateSavingRequest{OwnerID: owner, Name: "Holiday", TargetAmount: 1_000_000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := f.svc.Savings.DepositSaving(ctx, services.SavingMovementRequest{OwnerID: owner, SavingID: saving.ID, WalletID: bank.ID, Amount: 75_000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A failed write in the middle must leave no trace either.
	f.store.FailOn("ApplyWalletDelta", 2)
	_, _, err = f.svc.Transactions.RecordTransfer(ctx, services.TransferRequest{
		OwnerID: owner, SourceWalletID: cash.ID, DestinationWalletID: bank.ID, Amount: 1_000,
	})
	if !errors.Is(err, memstore.ErrInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	f.store.Heal()

	f.assertBalanced(t)
}

func TestReplayedRequestAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 100_000)
	bank := f.wallet(t, "Bank", 0)

	req := services.TransferRequest{
		OwnerID:             owner,
		SourceWalletID:      cash.ID,
		DestinationWalletID: bank.ID,
		Amount:              10_000,
		SourceFee:           100,
		IdempotencyKey:      "transfer-42",
	}
	first, _, err := f.svc.Transactions.RecordTransfer(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, entries, err := f.svc.Transactions.RecordTransfer(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the replay to return transfer %s, got %s", first.ID, second.ID)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries in the replayed result, got %d", len(entries))
	}
	f.expectBalance(t, cash.ID, 89_900)
	f.expectBalance(t, bank.ID, 10_000)
	f.assertBalanced(t)
}

func TestKeyFromAnotherOwnerIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 100_000)
	if _, _, err := f.svc.Transactions.RecordTransaction(ctx, services.RecordTransactionRequest{
		OwnerID: owner, WalletID: cash.ID, Amount: 3_000, Kind: models.TransactionExpense, Category: "Food",
		IdempotencyKey: "k1",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other, err := f.svc.Wallets.CreateWallet(ctx, services.CreateWalletRequest{
		OwnerID: "user-2", Name: "Cash", Type: models.WalletCash, InitialBalance: 50_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx, _, err := f.svc.Transactions.RecordTransaction(ctx, services.RecordTransactionRequest{
		OwnerID: "user-2", WalletID: other.ID, Amount: 7_000, Kind: models.TransactionExpense, Category: "Food",
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, ledger.ErrIntentMismatch) {
		t.Fatalf("expected ErrIntentMismatch, got %v (tx %+v)", err, tx)
	}
	b, err := f.svc.Wallets.GetWalletBalance(ctx, "user-2", other.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != 50_000 {
		t.Fatalf("expected user-2 balance to stay 50000, got %s", b)
	}
	f.expectBalance(t, cash.ID, 97_000)
	f.assertBalanced(t)
}

func TestReusedKeyWithAnotherRequestIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 1_000_000)
	bank := f.wallet(t, "Bank", 0)
	loan, _, err := f.svc.Loans.IssueLoan(ctx, services.IssueLoanRequest{
		OwnerID: owner, Type: models.LoanPayable, Amount: 50_000, WalletID: cash.ID, Counterpart: "Budi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	saving, err := f.svc.Savings.CreateSaving(ctx, services.CreateSavingRequest{OwnerID: owner, Name: "Holiday", TargetAmount: 500_000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	salary, err := f.svc.Budgets.CreateBudgetSource(ctx, services.CreateBudgetSourceRequest{OwnerID: owner, Name: "Salary", Amount: 1_000_000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		call   func(key string, amount money.Money) error
		first  money.Money
		second money.Money
	}{
		{
			name: "transaction",
			call: func(key string, amount money.Money) error {
				_, _, err := f.svc.Transactions.RecordTransaction(ctx, services.RecordTransactionRequest{
					OwnerID: owner, WalletID: cash.ID, Amount: amount, Kind: models.TransactionExpense, IdempotencyKey: key,
				})
				return err
			},
			first: 1_000, second: 9_000,
		},
		{
			name: "transfer",
			call: func(key string, amount money.Money) error {
				_, _, err := f.svc.Transactions.RecordTransfer(ctx, services.TransferRequest{
					OwnerID: owner, SourceWalletID: cash.ID, DestinationWalletID: bank.ID, Amount: amount, IdempotencyKey: key,
				})
				return err
			},
			first: 2_000, second: 2_500,
		},
		{
			name: "loan payment",
			call: func(key string, amount money.Money) error {
				_, _, err := f.svc.Loans.RecordLoanPayment(ctx, services.LoanPaymentRequest{
					OwnerID: owner, LoanID: loan.ID, Amount: amount, IdempotencyKey: key,
				})
				return err
			},
			first: 10_000, second: 20_000,
		},
		{
			name: "saving deposit",
			call: func(key string, amount money.Money) error {
				_, _, err := f.svc.Savings.DepositSaving(ctx, services.SavingMovementRequest{
					OwnerID: owner, SavingID: saving.ID, WalletID: cash.ID, Amount: amount, IdempotencyKey: key,
				})
				return err
			},
			first: 5_000, second: 6_000,
		},
		{
			name: "budget allocation",
			call: func(key string, amount money.Money) error {
				_, err := f.svc.Budgets.AllocateBudget(ctx, services.AllocateBudgetRequest{
					OwnerID: owner, SourceID: salary.ID, Category: "Rent", Amount: amount,
					Period: models.PeriodMonthly, IdempotencyKey: key,
				})
				return err
			},
			first: 100_000, second: 200_000,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key := "reuse-" + tc.name
			if err := tc.call(key, tc.first); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			cashBefore := f.balance(t, cash.ID)
			if err := tc.call(key, tc.first); err != nil {
				t.Fatalf("expected the same request to replay, got %v", err)
			}
			if err := tc.call(key, tc.second); !errors.Is(err, ledger.ErrIntentMismatch) {
				t.Fatalf("expected ErrIntentMismatch, got %v", err)
			}
			f.expectBalance(t, cash.ID, cashBefore)
		})
	}
	f.assertBalanced(t)
}
