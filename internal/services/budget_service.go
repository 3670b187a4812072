package services

import (
	"context"
	"fmt"
	"strings"

	"walletledger/internal/date"
	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/models"
	"walletledger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// BudgetService resolves budget allocations against their funding sources.
// For every source the live claims of its budgets never exceed the source
// amount or 100 percent.
type BudgetService struct {
	protocol Applier
	budgets  BudgetStore
	sweeper  *Sweeper
	opts     Options
	logger   *log.Logger
}

func NewBudgetService(protocol Applier, budgets BudgetStore, sweeper *Sweeper, opts Options) *BudgetService {
	opts = opts.withDefaults()
	return &BudgetService{
		protocol: protocol,
		budgets:  budgets,
		sweeper:  sweeper,
		opts:     opts,
		logger:   opts.Logger.WithComponent(log.ComponentService),
	}
}

type CreateBudgetSourceRequest struct {
	OwnerID        string
	Name           string
	Amount         money.Money
	IdempotencyKey string
}

func (s *BudgetService) CreateBudgetSource(ctx context.Context, req CreateBudgetSourceRequest) (models.BudgetSource, error) {
	if req.OwnerID == "" || strings.TrimSpace(req.Name) == "" {
		return models.BudgetSource{}, fmt.Errorf("%w: owner and name are required", ErrInvalidRequest)
	}
	if err := money.Positive(req.Amount); err != nil {
		return models.BudgetSource{}, err
	}
	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(src models.BudgetSource) bool {
		return src.Name == strings.TrimSpace(req.Name) && src.Amount == req.Amount
	}))
	if err != nil {
		return models.BudgetSource{}, err
	}
	if !done {
		src := models.BudgetSource{
			ID:        uuid.NewString(),
			OwnerID:   req.OwnerID,
			Name:      strings.TrimSpace(req.Name),
			Amount:    req.Amount,
			Version:   1,
			CreatedAt: s.opts.Now().UTC(),
		}
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: keyOrNew(req.IdempotencyKey),
			OwnerID:        req.OwnerID,
			Records:        []models.Record{src},
		})
		if err != nil {
			return models.BudgetSource{}, err
		}
	}
	return firstRecord[models.BudgetSource](res)
}

type AllocateBudgetRequest struct {
	OwnerID string
	// SourceID is empty for a standalone budget.
	SourceID string
	Category string
	// Exactly one of Amount and Percentage is set when SourceID is set.
	Amount         money.Money
	Percentage     decimal.NullDecimal
	Period         models.BudgetPeriod
	StartDate      date.Date
	EndDate        date.Date
	IdempotencyKey string
}

// AllocateBudget creates a budget, optionally claiming part of a source. A
// percentage becomes source.amount * pct / 100 truncated toward zero; an
// amount becomes its share of the source truncated to 4 decimal places.
func (s *BudgetService) AllocateBudget(ctx context.Context, req AllocateBudgetRequest) (models.Budget, error) {
	category := strings.TrimSpace(req.Category)
	if req.OwnerID == "" || category == "" {
		return models.Budget{}, fmt.Errorf("%w: owner and category are required", ErrInvalidRequest)
	}
	today := s.protocol.Today()
	start := dateOr(req.StartDate, today)
	end, err := periodEnd(req.Period, start, req.EndDate)
	if err != nil {
		return models.Budget{}, err
	}
	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(b models.Budget) bool {
		return b.Category == category &&
			b.Period == req.Period &&
			sameDay(req.StartDate, b.StartDate) &&
			sameDay(req.EndDate, b.EndDate) &&
			sameSource(req.SourceID, b.SourceID) &&
			sameAllocation(b, req.Amount, req.Percentage)
	}))
	if err != nil {
		return models.Budget{}, err
	}
	if done {
		return firstRecord[models.Budget](res)
	}

	budget := models.Budget{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Category:  category,
		Period:    req.Period,
		StartDate: start,
		EndDate:   end,
		Active:    true,
		Version:   1,
		CreatedAt: s.opts.Now().UTC(),
	}
	key := keyOrNew(req.IdempotencyKey)

	if req.SourceID == "" {
		if req.Percentage.Valid {
			return models.Budget{}, fmt.Errorf("%w: a percentage needs a budget source", ErrInvalidRequest)
		}
		if err := money.Positive(req.Amount); err != nil {
			return models.Budget{}, err
		}
		budget.Amount = req.Amount
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: key,
			OwnerID:        req.OwnerID,
			Records:        []models.Record{budget},
		})
		if err != nil {
			return models.Budget{}, err
		}
		return firstRecord[models.Budget](res)
	}

	if req.Percentage.Valid == !req.Amount.IsZero() {
		return models.Budget{}, fmt.Errorf("%w: give either an amount or a percentage", ErrInvalidRequest)
	}
	// Expired budgets release their claim; flip their flags before counting.
	if _, err := s.sweeper.SweepOwner(ctx, req.OwnerID); err != nil {
		s.logger.WarnContext(ctx, "lazy sweep failed", log.FieldOwnerID, req.OwnerID, log.FieldError, err)
	}

	err = retryOnConflict(ctx, s.opts, func() error {
		src, err := s.source(ctx, req.OwnerID, req.SourceID)
		if err != nil {
			return err
		}
		b := budget
		b.SourceID = refTo(src.ID)
		if err := resolveAllocation(&b, src, req.Amount, req.Percentage); err != nil {
			return err
		}
		if err := s.checkCeiling(ctx, src, b, today); err != nil {
			return err
		}
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: key,
			OwnerID:        req.OwnerID,
			Records:        []models.Record{b, bumped(src)},
		})
		return err
	})
	if err != nil {
		return models.Budget{}, err
	}
	b, err := firstRecord[models.Budget](res)
	if err != nil {
		return models.Budget{}, err
	}
	s.logger.InfoContext(ctx, "budget allocated",
		log.FieldBudgetID, b.ID,
		log.FieldOwnerID, b.OwnerID,
		log.FieldAmount, int64(b.Amount))
	return b, nil
}

type ReallocateRequest struct {
	OwnerID        string
	BudgetID       string
	Amount         money.Money
	Percentage     decimal.Decimal
	IdempotencyKey string
}

// RecomputeAmount sets a new percentage and derives the amount from it.
func (s *BudgetService) RecomputeAmount(ctx context.Context, req ReallocateRequest) (models.Budget, error) {
	if !req.Percentage.IsPositive() || req.Percentage.GreaterThan(hundred) {
		return models.Budget{}, fmt.Errorf("%w: percentage must be in (0, 100]", ErrInvalidAmount)
	}
	pct := decimal.NewNullDecimal(req.Percentage)
	same := func(b models.Budget) bool { return sameAllocation(b, 0, pct) }
	return s.reallocate(ctx, req, same, func(b *models.Budget, src *models.BudgetSource) error {
		if src == nil {
			return fmt.Errorf("%w: budget %s has no source", ErrInvalidRequest, b.ID)
		}
		return resolveAllocation(b, *src, 0, pct)
	})
}

// RecomputeAllocation sets a new amount and derives the percentage from it.
func (s *BudgetService) RecomputeAllocation(ctx context.Context, req ReallocateRequest) (models.Budget, error) {
	if err := money.Positive(req.Amount); err != nil {
		return models.Budget{}, err
	}
	same := func(b models.Budget) bool { return b.Amount == req.Amount }
	return s.reallocate(ctx, req, same, func(b *models.Budget, src *models.BudgetSource) error {
		if src == nil {
			b.Amount = req.Amount
			return nil
		}
		return resolveAllocation(b, *src, req.Amount, decimal.NullDecimal{})
	})
}

func (s *BudgetService) reallocate(ctx context.Context, req ReallocateRequest, same func(models.Budget) bool, apply func(b *models.Budget, src *models.BudgetSource) error) (models.Budget, error) {
	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(b models.Budget) bool {
		return b.ID == req.BudgetID && same(b)
	}))
	if err != nil {
		return models.Budget{}, err
	}
	if done {
		return firstRecord[models.Budget](res)
	}
	key := keyOrNew(req.IdempotencyKey)
	today := s.protocol.Today()
	err = retryOnConflict(ctx, s.opts, func() error {
		b, err := s.liveBudget(ctx, req.OwnerID, req.BudgetID, today)
		if err != nil {
			return err
		}
		updated := b
		updated.Version++
		records := []models.Record{}
		if b.SourceID == nil {
			if err := apply(&updated, nil); err != nil {
				return err
			}
		} else {
			src, err := s.source(ctx, req.OwnerID, *b.SourceID)
			if err != nil {
				return err
			}
			if err := apply(&updated, &src); err != nil {
				return err
			}
			if err := s.checkCeiling(ctx, src, updated, today); err != nil {
				return err
			}
			records = append(records, bumped(src))
		}
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: key,
			OwnerID:        req.OwnerID,
			Records:        append([]models.Record{updated}, records...),
		})
		return err
	})
	if err != nil {
		return models.Budget{}, err
	}
	return firstRecord[models.Budget](res)
}

type DeleteBudgetRequest struct {
	OwnerID        string
	BudgetID       string
	IdempotencyKey string
}

// DeleteBudget retires an active budget. Expired budgets are history and
// stay as they are.
func (s *BudgetService) DeleteBudget(ctx context.Context, req DeleteBudgetRequest) error {
	key := req.IdempotencyKey
	if key == "" {
		key = "budget-delete:" + req.BudgetID
	}
	deleted := sameRecord(func(b models.Budget) bool {
		return b.ID == req.BudgetID && b.DeletedAt != nil
	})
	if _, done, err := replay(ctx, s.protocol, req.OwnerID, key, deleted); err != nil || done {
		return err
	}
	today := s.protocol.Today()
	return retryOnConflict(ctx, s.opts, func() error {
		b, err := s.liveBudget(ctx, req.OwnerID, req.BudgetID, today)
		if err != nil {
			return err
		}
		now := s.opts.Now().UTC()
		b.Active = false
		b.DeletedAt = &now
		b.Version++
		_, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: key,
			OwnerID:        req.OwnerID,
			Records:        []models.Record{b},
		})
		return err
	})
}

// SourceUsage summarizes how much of a source its live budgets claim.
type SourceUsage struct {
	Source              models.BudgetSource `json:"source"`
	Allocated           money.Money         `json:"allocated"`
	AllocatedPercentage decimal.Decimal     `json:"allocated_percentage"`
	Remaining           money.Money         `json:"remaining"`
	Budgets             []models.Budget     `json:"budgets"`
}

func (s *BudgetService) SourceUsage(ctx context.Context, ownerID, sourceID string) (SourceUsage, error) {
	src, err := s.source(ctx, ownerID, sourceID)
	if err != nil {
		return SourceUsage{}, err
	}
	claims, err := s.claims(ctx, src.ID, "", s.protocol.Today())
	if err != nil {
		return SourceUsage{}, err
	}
	usage := SourceUsage{Source: src, Budgets: claims, AllocatedPercentage: decimal.Zero}
	for _, b := range claims {
		if usage.Allocated, err = usage.Allocated.Add(b.Amount); err != nil {
			return SourceUsage{}, err
		}
		if b.SourcePercentage.Valid {
			usage.AllocatedPercentage = usage.AllocatedPercentage.Add(b.SourcePercentage.Decimal)
		}
	}
	if usage.Remaining, err = src.Amount.Sub(usage.Allocated); err != nil {
		return SourceUsage{}, err
	}
	return usage, nil
}

func (s *BudgetService) GetBudget(ctx context.Context, ownerID, budgetID string) (models.Budget, error) {
	b, err := s.budgets.GetBudget(ctx, budgetID)
	if err != nil {
		return models.Budget{}, err
	}
	if err := owned(ownerID, b.OwnerID); err != nil {
		return models.Budget{}, err
	}
	if b.DeletedAt != nil {
		return models.Budget{}, ErrNotFound
	}
	return b, nil
}

// ListBudgets sweeps the owner's expired budgets first so callers never see
// a stale active flag.
func (s *BudgetService) ListBudgets(ctx context.Context, ownerID string) ([]models.Budget, error) {
	if _, err := s.sweeper.SweepOwner(ctx, ownerID); err != nil {
		s.logger.WarnContext(ctx, "lazy sweep failed", log.FieldOwnerID, ownerID, log.FieldError, err)
	}
	return s.budgets.ListBudgets(ctx, ownerID)
}

func (s *BudgetService) ListBudgetSources(ctx context.Context, ownerID string) ([]models.BudgetSource, error) {
	return s.budgets.ListBudgetSources(ctx, ownerID)
}

func (s *BudgetService) source(ctx context.Context, ownerID, sourceID string) (models.BudgetSource, error) {
	src, err := s.budgets.GetBudgetSource(ctx, sourceID)
	if err != nil {
		return models.BudgetSource{}, err
	}
	if err := owned(ownerID, src.OwnerID); err != nil {
		return models.BudgetSource{}, err
	}
	return src, nil
}

// liveBudget loads a budget that may still change: not deleted, not expired.
func (s *BudgetService) liveBudget(ctx context.Context, ownerID, budgetID string, today date.Date) (models.Budget, error) {
	b, err := s.GetBudget(ctx, ownerID, budgetID)
	if err != nil {
		return models.Budget{}, err
	}
	if !b.Claims(today) {
		return models.Budget{}, fmt.Errorf("%w: %s ended on %s", ErrBudgetExpired, b.ID, b.EndDate)
	}
	return b, nil
}

// claims lists the budgets holding part of the source today, leaving out
// excludeID.
func (s *BudgetService) claims(ctx context.Context, sourceID, excludeID string, today date.Date) ([]models.Budget, error) {
	all, err := s.budgets.ListBudgetsBySource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	var live []models.Budget
	for _, b := range all {
		if b.ID != excludeID && b.Claims(today) {
			live = append(live, b)
		}
	}
	return live, nil
}

// checkCeiling rejects b if it would push the source's live claims past its
// amount or past 100 percent.
func (s *BudgetService) checkCeiling(ctx context.Context, src models.BudgetSource, b models.Budget, today date.Date) error {
	others, err := s.claims(ctx, src.ID, b.ID, today)
	if err != nil {
		return err
	}
	amount := b.Amount
	pct := decimal.Zero
	if b.SourcePercentage.Valid {
		pct = b.SourcePercentage.Decimal
	}
	for _, o := range others {
		if amount, err = amount.Add(o.Amount); err != nil {
			return err
		}
		if o.SourcePercentage.Valid {
			pct = pct.Add(o.SourcePercentage.Decimal)
		}
	}
	if amount > src.Amount || pct.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s would claim %s (%s%%) of %s", ErrAllocationExceeded, src.Name, amount, pct.String(), src.Amount)
	}
	return nil
}

// resolveAllocation fills the amount and percentage of b from whichever of
// them the caller gave.
func resolveAllocation(b *models.Budget, src models.BudgetSource, amount money.Money, pct decimal.NullDecimal) error {
	if pct.Valid {
		if !pct.Decimal.IsPositive() || pct.Decimal.GreaterThan(hundred) {
			return fmt.Errorf("%w: percentage must be in (0, 100]", ErrInvalidAmount)
		}
		derived, err := money.Percent(src.Amount, pct.Decimal)
		if err != nil {
			return err
		}
		if err := money.Positive(derived); err != nil {
			return fmt.Errorf("%s%% of %s rounds to nothing: %w", pct.Decimal, src.Amount, err)
		}
		b.Amount = derived
		b.SourcePercentage = pct
		return nil
	}
	if err := money.Positive(amount); err != nil {
		return err
	}
	ratio, err := money.Ratio(amount, src.Amount)
	if err != nil {
		return err
	}
	b.Amount = amount
	b.SourcePercentage = decimal.NewNullDecimal(ratio)
	return nil
}

func sameSource(requested string, stored *string) bool {
	if stored == nil {
		return requested == ""
	}
	return *stored == requested
}

// sameAllocation reports whether b was allocated from the given amount or
// percentage, whichever one was requested.
func sameAllocation(b models.Budget, amount money.Money, pct decimal.NullDecimal) bool {
	if pct.Valid {
		return b.SourcePercentage.Valid && b.SourcePercentage.Decimal.Equal(pct.Decimal)
	}
	return b.Amount == amount
}

// bumped returns src at its next version. Writing it with every allocation
// serializes allocations against the same source.
func bumped(src models.BudgetSource) models.BudgetSource {
	src.Version++
	return src
}

// periodEnd derives the last day of a budget from its period.
func periodEnd(period models.BudgetPeriod, start, end date.Date) (date.Date, error) {
	switch period {
	case models.PeriodWeekly:
		return start.AddDays(6), nil
	case models.PeriodMonthly:
		return start.AddMonths(1).AddDays(-1), nil
	case models.PeriodDateRange:
		if end.IsZero() || end.Before(start) {
			return date.Date{}, fmt.Errorf("%w: date range needs an end on or after %s", ErrInvalidRequest, start)
		}
		return end, nil
	default:
		return date.Date{}, fmt.Errorf("%w: unknown period %q", ErrInvalidRequest, period)
	}
}
