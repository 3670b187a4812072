package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"walletledger/internal/date"
	"walletledger/internal/ledger"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/services"
)

func budget(t *testing.T, f fixture, ownerID, category string, amount money.Money, start date.Date) models.Budget {
	t.Helper()
	b, err := f.svc.Budgets.AllocateBudget(context.Background(), services.AllocateBudgetRequest{
		OwnerID:   ownerID,
		Category:  category,
		Amount:    amount,
		Period:    models.PeriodMonthly,
		StartDate: start,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func TestSweepAllExpiresDueBudgets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.wallet(t, "Cash", 100_000)

	food := budget(t, f, owner, "Food", 50_000, date.New(2024, 5, 1))
	everything := budget(t, f, owner, models.CategoryAll, 90_000, date.New(2024, 5, 1))
	june := budget(t, f, owner, "Food", 50_000, date.New(2024, 6, 1))
	other := budget(t, f, "user-2", "Rent", 10_000, date.New(2024, 4, 1))

	f.expense(t, cash.ID, 30_000, "Food", date.New(2024, 5, 12))
	f.expense(t, cash.ID, 5_000, "Transport", date.New(2024, 5, 20))
	f.expense(t, cash.ID, 7_000, "Food", date.New(2024, 6, 2))

	f.clock.Set(time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC))
	n, err := f.svc.Sweeper.SweepAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 budgets expired, got %d", n)
	}

	tests := []struct {
		owner  string
		id     string
		active bool
		frozen money.Money
	}{
		{owner, food.ID, false, 30_000},
		{owner, everything.ID, false, 35_000},
		{owner, june.ID, true, 0},
		{"user-2", other.ID, false, 0},
	}
	for _, tt := range tests {
		b, err := f.svc.Budgets.GetBudget(ctx, tt.owner, tt.id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b.Active != tt.active {
			t.Fatalf("budget %s: expected active=%v", b.Category, tt.active)
		}
		if !tt.active && (b.FrozenSpent == nil || *b.FrozenSpent != tt.frozen || b.ExpiredAt == nil) {
			t.Fatalf("budget %s: expected frozen spend %s, got %+v", b.Category, tt.frozen, b.FrozenSpent)
		}
	}

	// The derived figure still follows the entries, not the frozen copy.
	spent, err := f.svc.Sweeper.GetDerivedSpend(ctx, owner, june.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spent != 7_000 {
		t.Fatalf("expected 7000 spent in June, got %s", spent)
	}

	n, err = f.svc.Sweeper.SweepAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected a second sweep to find nothing, got %d", n)
	}
}

func TestListBudgetsSweepsLazily(t *testing.T) {
	f := newFixture(t)
	b := budget(t, f, owner, "Food", 1_000, date.New(2024, 4, 1))

	budgets, err := f.svc.Budgets.ListBudgets(context.Background(), owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(budgets) != 1 || budgets[0].ID != b.ID || budgets[0].Active {
		t.Fatalf("expected the April budget to be listed as expired, got %+v", budgets)
	}
}

func TestSweepToleratesConcurrentEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := budget(t, f, owner, "Food", 1_000, date.New(2024, 4, 1))

	// Another writer bumps the budget between the sweeper's read and write.
	f.store.Hook("PutRecord", func() {
		f.store.Hook("PutRecord", nil)
		edited := b
		edited.Version++
		if err := f.store.PutRecord(ctx, edited, b.Version); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
	n, err := f.svc.Sweeper.SweepOwner(ctx, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the conflicting budget to be skipped, got %d", n)
	}
	m, err := f.store.GetMutation(ctx, "budget-expire:"+b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != models.MutationRolledBack {
		t.Fatalf("expected the sweep mutation rolled back, got %s", m.Status)
	}

	n, err = f.svc.Sweeper.SweepOwner(ctx, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the next pass to expire the budget, got %d", n)
	}
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	budget(t, f, owner, "Food", 1_000, date.New(2024, 4, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Sweeper.Run(ctx, time.Hour) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		owners, err := f.store.OwnersWithDueBudgets(context.Background(), f.protocol.Today())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(owners) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the first tick to sweep the budget")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after cancel")
	}

	if err := f.svc.Sweeper.Run(context.Background(), 0); err == nil {
		t.Fatal("expected a zero interval to be rejected")
	}
}

func TestDerivedSpendChecksOwner(t *testing.T) {
	f := newFixture(t)
	b := budget(t, f, owner, "Food", 1_000, date.New(2024, 5, 1))

	_, err := f.svc.Sweeper.GetDerivedSpend(context.Background(), "user-2", b.ID)
	if !errors.Is(err, services.ErrOwnerMismatch) {
		t.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}
	_, err = f.svc.Sweeper.GetDerivedSpend(context.Background(), owner, "missing")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
