package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"walletledger/internal/date"
	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/models"
	"walletledger/internal/money"

	"golang.org/x/sync/errgroup"
)

// Sweeper expires budgets whose end date has passed. It runs lazily before
// budget reads and allocations, and eagerly on a ticker from the server.
type Sweeper struct {
	protocol Applier
	budgets  BudgetStore
	spend    SpendReader
	opts     Options
	logger   *log.Logger
}

func NewSweeper(protocol Applier, budgets BudgetStore, spend SpendReader, opts Options) *Sweeper {
	opts = opts.withDefaults()
	return &Sweeper{
		protocol: protocol,
		budgets:  budgets,
		spend:    spend,
		opts:     opts,
		logger:   opts.Logger.WithComponent(log.ComponentSweeper),
	}
}

// SweepOwner expires every due budget of the owner and returns how many it
// flipped. A budget changed by someone else mid-sweep is left for the next
// pass.
func (s *Sweeper) SweepOwner(ctx context.Context, ownerID string) (int, error) {
	all, err := s.budgets.ListBudgets(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("list budgets of %s: %w", ownerID, err)
	}
	today := s.protocol.Today()
	var (
		expired int
		errs    []error
	)
	for _, b := range all {
		if !b.Due(today) {
			continue
		}
		err := s.expire(ctx, b)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ledger.ErrConcurrentModification):
			s.logger.DebugContext(ctx, "budget changed during sweep", log.FieldBudgetID, b.ID)
		default:
			errs = append(errs, fmt.Errorf("expire budget %s: %w", b.ID, err))
		}
	}
	if expired > 0 {
		s.logger.InfoContext(ctx, "budgets expired", log.FieldOwnerID, ownerID, log.FieldCount, expired)
	}
	return expired, errors.Join(errs...)
}

// SweepAll sweeps every owner with due budgets, at most SweepConcurrency
// owners at a time.
func (s *Sweeper) SweepAll(ctx context.Context) (int, error) {
	started := time.Now()
	owners, err := s.budgets.OwnersWithDueBudgets(ctx, s.protocol.Today())
	if err != nil {
		return 0, fmt.Errorf("list owners with due budgets: %w", err)
	}
	counts := make([]int, len(owners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SweepConcurrency)
	for i, owner := range owners {
		i, owner := i, owner
		g.Go(func() error {
			n, err := s.SweepOwner(gctx, owner)
			counts[i] = n
			if err != nil {
				s.logger.Failure(gctx, log.OpSweep, err, log.FieldOwnerID, owner)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	s.logger.InfoContext(ctx, "sweep complete",
		log.FieldCount, total,
		"owners", len(owners),
		log.FieldDuration, time.Since(started).Milliseconds())
	return total, ctx.Err()
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepAll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Failure(ctx, log.OpSweep, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// GetDerivedSpend sums the owner's expense entries that fall inside the
// budget's dates and category. Expired budgets are derived the same way;
// FrozenSpent only records what the sweep saw.
func (s *Sweeper) GetDerivedSpend(ctx context.Context, ownerID, budgetID string) (money.Money, error) {
	b, err := s.budgets.GetBudget(ctx, budgetID)
	if err != nil {
		return 0, err
	}
	if err := owned(ownerID, b.OwnerID); err != nil {
		return 0, err
	}
	return s.spend.SumSpend(ctx, b.OwnerID, b.Category, b.StartDate, b.EndDate)
}

// expire flips one budget to inactive through the protocol. The key and date
// are fixed per budget so a repeated sweep replays instead of conflicting.
func (s *Sweeper) expire(ctx context.Context, b models.Budget) error {
	spent, err := s.spend.SumSpend(ctx, b.OwnerID, b.Category, b.StartDate, b.EndDate)
	if err != nil {
		return err
	}
	now := s.opts.Now().UTC()
	b.Active = false
	b.FrozenSpent = &spent
	b.ExpiredAt = &now
	b.Version++
	_, err = s.protocol.Apply(ctx, ledger.Intent{
		IdempotencyKey: "budget-expire:" + b.ID,
		OwnerID:        b.OwnerID,
		OccurredOn:     expiryDate(b),
		Records:        []models.Record{b},
	})
	return err
}

func expiryDate(b models.Budget) date.Date {
	return b.EndDate.AddDays(1)
}
