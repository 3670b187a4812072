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
)

// SavingService moves money between wallets and savings goals.
type SavingService struct {
	protocol Applier
	savings  SavingStore
	opts     Options
	logger   *log.Logger
}

func NewSavingService(protocol Applier, savings SavingStore, opts Options) *SavingService {
	opts = opts.withDefaults()
	return &SavingService{
		protocol: protocol,
		savings:  savings,
		opts:     opts,
		logger:   opts.Logger.WithComponent(log.ComponentService),
	}
}

type CreateSavingRequest struct {
	OwnerID        string
	Name           string
	TargetAmount   money.Money
	IdempotencyKey string
}

func (s *SavingService) CreateSaving(ctx context.Context, req CreateSavingRequest) (models.Saving, error) {
	if req.OwnerID == "" || strings.TrimSpace(req.Name) == "" {
		return models.Saving{}, fmt.Errorf("%w: owner and name are required", ErrInvalidRequest)
	}
	if err := money.Positive(req.TargetAmount); err != nil {
		return models.Saving{}, err
	}
	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(saving models.Saving) bool {
		return saving.Name == strings.TrimSpace(req.Name) && saving.TargetAmount == req.TargetAmount
	}))
	if err != nil {
		return models.Saving{}, err
	}
	if !done {
		saving := models.Saving{
			ID:           uuid.NewString(),
			OwnerID:      req.OwnerID,
			Name:         strings.TrimSpace(req.Name),
			TargetAmount: req.TargetAmount,
			Version:      1,
			CreatedAt:    s.opts.Now().UTC(),
		}
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: keyOrNew(req.IdempotencyKey),
			OwnerID:        req.OwnerID,
			Records:        []models.Record{saving},
		})
		if err != nil {
			return models.Saving{}, err
		}
	}
	return firstRecord[models.Saving](res)
}

type SavingMovementRequest struct {
	OwnerID        string
	SavingID       string
	WalletID       string
	Amount         money.Money
	Date           date.Date
	IdempotencyKey string
}

// DepositSaving debits the wallet and adds the amount to the saving.
func (s *SavingService) DepositSaving(ctx context.Context, req SavingMovementRequest) (models.Saving, models.LedgerEntry, error) {
	return s.move(ctx, req, models.SavingDeposit)
}

// WithdrawSaving takes the amount out of the saving and credits the wallet.
// A saving never goes below zero.
func (s *SavingService) WithdrawSaving(ctx context.Context, req SavingMovementRequest) (models.Saving, models.LedgerEntry, error) {
	return s.move(ctx, req, models.SavingWithdrawal)
}

func (s *SavingService) move(ctx context.Context, req SavingMovementRequest, kind models.SavingTransactionKind) (models.Saving, models.LedgerEntry, error) {
	if err := money.Positive(req.Amount); err != nil {
		return models.Saving{}, models.LedgerEntry{}, err
	}
	if req.WalletID == "" {
		return models.Saving{}, models.LedgerEntry{}, fmt.Errorf("%w: wallet is required", ErrInvalidRequest)
	}
	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(st models.SavingTransaction) bool {
		return st.SavingID == req.SavingID &&
			st.WalletID == req.WalletID &&
			st.Kind == kind &&
			st.Amount == req.Amount &&
			sameDay(req.Date, st.OccurredOn)
	}))
	if err != nil {
		return models.Saving{}, models.LedgerEntry{}, err
	}
	if !done {
		key := keyOrNew(req.IdempotencyKey)
		err = retryOnConflict(ctx, s.opts, func() error {
			saving, err := s.GetSaving(ctx, req.OwnerID, req.SavingID)
			if err != nil {
				return err
			}
			var (
				delta     money.Money
				entryKind models.EntryKind
			)
			updated := saving
			switch kind {
			case models.SavingDeposit:
				delta, entryKind = -req.Amount, models.EntrySavingDeposit
				if updated.CurrentAmount, err = saving.CurrentAmount.Add(req.Amount); err != nil {
					return err
				}
			case models.SavingWithdrawal:
				if req.Amount > saving.CurrentAmount {
					return fmt.Errorf("%w: saving holds %s, withdrawing %s", ErrInsufficientFunds, saving.CurrentAmount, req.Amount)
				}
				delta, entryKind = req.Amount, models.EntrySavingWithdrawal
				updated.CurrentAmount = saving.CurrentAmount - req.Amount
			}
			updated.Version++
			on := dateOr(req.Date, s.protocol.Today())
			movement := models.SavingTransaction{
				ID:         uuid.NewString(),
				OwnerID:    saving.OwnerID,
				SavingID:   saving.ID,
				WalletID:   req.WalletID,
				Kind:       kind,
				Amount:     req.Amount,
				OccurredOn: on,
				CreatedAt:  s.opts.Now().UTC(),
			}
			res, err = s.protocol.Apply(ctx, ledger.Intent{
				IdempotencyKey: key,
				OwnerID:        saving.OwnerID,
				OccurredOn:     on,
				Postings: []ledger.Posting{{
					WalletID:    req.WalletID,
					Delta:       delta,
					Kind:        entryKind,
					Description: saving.Name,
					DomainRef:   refTo(saving.ID),
				}},
				Records: []models.Record{updated, movement},
			})
			return err
		})
		if err != nil {
			return models.Saving{}, models.LedgerEntry{}, err
		}
	}
	saving, err := firstRecord[models.Saving](res)
	if err != nil {
		return models.Saving{}, models.LedgerEntry{}, err
	}
	return saving, firstEntry(res), nil
}

func (s *SavingService) GetSaving(ctx context.Context, ownerID, savingID string) (models.Saving, error) {
	saving, err := s.savings.GetSaving(ctx, savingID)
	if err != nil {
		return models.Saving{}, err
	}
	if err := owned(ownerID, saving.OwnerID); err != nil {
		return models.Saving{}, err
	}
	return saving, nil
}

func (s *SavingService) ListSavings(ctx context.Context, ownerID string) ([]models.Saving, error) {
	return s.savings.ListSavings(ctx, ownerID)
}
