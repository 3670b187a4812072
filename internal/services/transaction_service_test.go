package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"walletledger/internal/date"
	"walletledger/internal/models"
	"walletledger/internal/services"
)

func TestRecordTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 10_000)

	tx, entry, err := f.svc.Transactions.RecordTransaction(ctx, services.RecordTransactionRequest{
		OwnerID:     owner,
		WalletID:    cash.ID,
		Amount:      2_500,
		Kind:        models.TransactionExpense,
		Category:    " Food ",
		Date:        date.New(2024, 5, 3),
		Description: "lunch",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Category != "Food" || tx.OccurredOn != date.New(2024, 5, 3) {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if entry.Delta != -2_500 || entry.Kind != models.EntryExpense || entry.DomainRef == nil || *entry.DomainRef != tx.ID {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	stored, err := f.svc.Transactions.GetTransaction(ctx, owner, tx.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Amount != 2_500 {
		t.Fatalf("expected stored amount 2500, got %s", stored.Amount)
	}
	f.expectBalance(t, cash.ID, 7_500)
}

func TestRecordTransactionRejects(t *testing.T) {
	f := newFixture(t)
	cash := f.wallet(t, "Cash", 1_000)
	tests := []struct {
		name string
		req  services.RecordTransactionRequest
		want error
	}{
		{"zero amount", services.RecordTransactionRequest{WalletID: cash.ID, Kind: models.TransactionIncome}, services.ErrInvalidAmount},
		{"unknown kind", services.RecordTransactionRequest{WalletID: cash.ID, Amount: 1, Kind: "gift"}, services.ErrInvalidRequest},
		{"reserved category", services.RecordTransactionRequest{WalletID: cash.ID, Amount: 1, Kind: models.TransactionExpense, Category: models.CategoryAll}, services.ErrInvalidRequest},
		{"overdraft", services.RecordTransactionRequest{WalletID: cash.ID, Amount: 1_001, Kind: models.TransactionExpense, Category: "Food"}, services.ErrInsufficientFunds},
		{"unknown wallet", services.RecordTransactionRequest{WalletID: "missing", Amount: 1, Kind: models.TransactionIncome}, services.ErrWalletNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.OwnerID = owner
			_, _, err := f.svc.Transactions.RecordTransaction(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	f.expectBalance(t, cash.ID, 1_000)
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 1_000)
	dollars, err := f.svc.Wallets.CreateWallet(ctx, services.CreateWalletRequest{
		OwnerID: owner, Name: "Dollars", Type: models.WalletBank, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tests := []struct {
		name string
		req  services.TransferRequest
		want error
	}{
		{"same wallet", services.TransferRequest{SourceWalletID: cash.ID, DestinationWalletID: cash.ID, Amount: 10}, services.ErrSameWallet},
		{"negative fee", services.TransferRequest{SourceWalletID: cash.ID, DestinationWalletID: dollars.ID, Amount: 10, SourceFee: -1}, services.ErrInvalidAmount},
		{"fee above amount", services.TransferRequest{SourceWalletID: cash.ID, DestinationWalletID: dollars.ID, Amount: 10, DestinationFee: 11}, services.ErrInvalidAmount},
		{"currency", services.TransferRequest{SourceWalletID: cash.ID, DestinationWalletID: dollars.ID, Amount: 10}, services.ErrCurrencyMismatch},
		{"missing wallet", services.TransferRequest{SourceWalletID: cash.ID, DestinationWalletID: "nope", Amount: 10}, services.ErrWalletNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.OwnerID = owner
			_, _, err := f.svc.Transactions.RecordTransfer(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTransferFeeCategoryBooksExpenses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 10_000)
	bank := f.wallet(t, "Bank", 0)

	_, entries, err := f.svc.Transactions.RecordTransfer(ctx, services.TransferRequest{
		OwnerID:             owner,
		SourceWalletID:      cash.ID,
		DestinationWalletID: bank.ID,
		Amount:              5_000,
		SourceFee:           100,
		DestinationFee:      50,
		FeeCategory:         "Fees",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	f.expectBalance(t, cash.ID, 4_900)
	f.expectBalance(t, bank.ID, 4_950)

	spent, err := f.store.SumSpend(ctx, owner, "Fees", date.New(2024, 5, 1), date.New(2024, 5, 31))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spent != 150 {
		t.Fatalf("expected 150 of fee spend, got %s", spent)
	}
}

// Fees are charged again on reversal, so each wallet ends up short by
// source fee plus destination fee.
func TestReverseTransferKeepsFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 100_000)
	bank := f.wallet(t, "Bank", 50_000)

	transfer, _, err := f.svc.Transactions.RecordTransfer(ctx, services.TransferRequest{
		OwnerID:             owner,
		SourceWalletID:      cash.ID,
		DestinationWalletID: bank.ID,
		Amount:              10_000,
		SourceFee:           300,
		DestinationFee:      200,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.expectBalance(t, cash.ID, 89_700)
	f.expectBalance(t, bank.ID, 59_800)

	req := services.ReverseTransferRequest{OwnerID: owner, TransferID: transfer.ID}
	reversal, _, err := f.svc.Transactions.ReverseTransfer(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reversal.ReversalOf == nil || *reversal.ReversalOf != transfer.ID {
		t.Fatalf("expected reversal of %s, got %+v", transfer.ID, reversal.ReversalOf)
	}
	f.expectBalance(t, cash.ID, 100_000-500)
	f.expectBalance(t, bank.ID, 50_000-500)

	again, _, err := f.svc.Transactions.ReverseTransfer(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != reversal.ID {
		t.Fatalf("expected a repeated reversal to replay %s, got %s", reversal.ID, again.ID)
	}
	f.expectBalance(t, cash.ID, 99_500)

	f.clock.Set(time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC))
	later, _, err := f.svc.Transactions.ReverseTransfer(ctx, services.ReverseTransferRequest{
		OwnerID: owner, TransferID: transfer.ID, Date: date.New(2024, 5, 20),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if later.ID != reversal.ID {
		t.Fatalf("expected a transfer to be reversed once, got %s and %s", reversal.ID, later.ID)
	}
	f.expectBalance(t, cash.ID, 99_500)

	_, _, err = f.svc.Transactions.ReverseTransfer(ctx, services.ReverseTransferRequest{OwnerID: owner, TransferID: reversal.ID})
	if !errors.Is(err, services.ErrInvalidRequest) {
		t.Fatalf("expected reversing a reversal to fail, got %v", err)
	}
	f.assertBalanced(t)
}
