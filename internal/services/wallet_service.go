package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/models"
	"walletledger/internal/money"

	"github.com/google/uuid"
)

type WalletService struct {
	protocol Applier
	wallets  WalletStore
	loans    LoanStore
	opts     Options
	logger   *log.Logger
}

func NewWalletService(protocol Applier, wallets WalletStore, loans LoanStore, opts Options) *WalletService {
	opts = opts.withDefaults()
	return &WalletService{
		protocol: protocol,
		wallets:  wallets,
		loans:    loans,
		opts:     opts,
		logger:   opts.Logger.WithComponent(log.ComponentService),
	}
}

type CreateWalletRequest struct {
	OwnerID        string
	Name           string
	Type           models.WalletType
	Currency       string
	InitialBalance money.Money
	AllowOverdraft bool
	IdempotencyKey string
}

// walletNamespace derives wallet ids from idempotency keys so a retried
// create finds the wallet its first attempt made.
var walletNamespace = uuid.MustParse("0b7c6a52-3f4e-4f0e-9a8c-5d2e7f1b9c64")

// CreateWallet stores the wallet with a zero balance and posts the initial
// deposit as an opening_balance entry, so the balance is backed by the
// ledger from the first moment.
func (s *WalletService) CreateWallet(ctx context.Context, req CreateWalletRequest) (models.Wallet, error) {
	if req.OwnerID == "" || strings.TrimSpace(req.Name) == "" {
		return models.Wallet{}, fmt.Errorf("%w: owner and name are required", ErrInvalidRequest)
	}
	if !req.Type.Valid() {
		return models.Wallet{}, fmt.Errorf("%w: unknown wallet type %q", ErrInvalidRequest, req.Type)
	}
	if err := money.NonNegative(req.InitialBalance); err != nil {
		return models.Wallet{}, err
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}

	id := uuid.NewString()
	if req.IdempotencyKey != "" {
		id = uuid.NewSHA1(walletNamespace, []byte(req.OwnerID+"/"+req.IdempotencyKey)).String()
	}

	created := false
	existing, err := s.wallets.GetWallet(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		w := models.Wallet{
			ID:             id,
			OwnerID:        req.OwnerID,
			Name:           strings.TrimSpace(req.Name),
			Type:           req.Type,
			Currency:       currency,
			AllowOverdraft: req.AllowOverdraft,
			Version:        1,
			CreatedAt:      s.opts.Now().UTC(),
		}
		if err := s.wallets.CreateWallet(ctx, w); err != nil {
			return models.Wallet{}, err
		}
		created = true
	case err != nil:
		return models.Wallet{}, err
	case existing.OwnerID != req.OwnerID:
		return models.Wallet{}, ErrOwnerMismatch
	case existing.Name != strings.TrimSpace(req.Name) || existing.Type != req.Type || existing.Currency != currency:
		return models.Wallet{}, fmt.Errorf("%w: key %q opened a different wallet", ledger.ErrIntentMismatch, req.IdempotencyKey)
	}

	if req.InitialBalance.IsPositive() {
		_, err := s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: "wallet-open:" + id,
			OwnerID:        req.OwnerID,
			Postings: []ledger.Posting{{
				WalletID:    id,
				Delta:       req.InitialBalance,
				Kind:        models.EntryOpeningBalance,
				Description: "Opening balance",
			}},
		})
		if err != nil {
			if created && !errors.Is(err, ledger.ErrMutationInFlight) && !errors.Is(err, ledger.ErrPartialFailureInconsistent) {
				if derr := s.wallets.DeleteWallet(ctx, id); derr != nil {
					s.logger.Failure(ctx, "delete unfunded wallet", derr, log.FieldWalletID, id)
				}
			}
			return models.Wallet{}, err
		}
	}
	return s.wallets.GetWallet(ctx, id)
}

func (s *WalletService) GetWallet(ctx context.Context, ownerID, walletID string) (models.Wallet, error) {
	w, err := s.wallets.GetWallet(ctx, walletID)
	if errors.Is(err, ErrNotFound) {
		return models.Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return models.Wallet{}, err
	}
	if w.OwnerID != ownerID {
		return models.Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

// GetWalletBalance returns the protocol-maintained cached balance.
func (s *WalletService) GetWalletBalance(ctx context.Context, ownerID, walletID string) (money.Money, error) {
	w, err := s.GetWallet(ctx, ownerID, walletID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

func (s *WalletService) ListWallets(ctx context.Context, ownerID string) ([]models.Wallet, error) {
	return s.wallets.ListWallets(ctx, ownerID)
}

func (s *WalletService) ListEntries(ctx context.Context, ownerID, walletID string) ([]models.LedgerEntry, error) {
	if _, err := s.GetWallet(ctx, ownerID, walletID); err != nil {
		return nil, err
	}
	return s.wallets.EntriesByWallet(ctx, walletID)
}

// DeleteWallet archives an empty wallet. Wallets holding money or backing an
// unpaid loan are refused, and entries are never removed.
func (s *WalletService) DeleteWallet(ctx context.Context, ownerID, walletID string) error {
	w, err := s.GetWallet(ctx, ownerID, walletID)
	if err != nil {
		return err
	}
	if w.Archived() {
		return ErrWalletNotFound
	}
	if !w.Balance.IsZero() {
		return fmt.Errorf("%w: balance is %s", ErrWalletNotEmpty, w.Balance)
	}
	loans, err := s.loans.ListLoans(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, l := range loans {
		if l.WalletID == walletID && l.DeriveStatus() != models.LoanPaid {
			return fmt.Errorf("%w: loan %s is open", ErrWalletNotEmpty, l.ID)
		}
	}
	if err := s.wallets.ArchiveWallet(ctx, walletID, w.Version, s.opts.Now().UTC()); err != nil {
		if errors.Is(err, ledger.ErrVersionConflict) {
			return fmt.Errorf("%w: wallet %s changed while archiving", ledger.ErrConcurrentModification, walletID)
		}
		return err
	}
	s.logger.InfoContext(ctx, "wallet archived", log.FieldWalletID, walletID, log.FieldOwnerID, ownerID)
	return nil
}
