package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"walletledger/internal/date"
	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/models"
	"walletledger/internal/money"

	"github.com/google/uuid"
)

type TransactionService struct {
	protocol  Applier
	wallets   WalletStore
	transfers TransferStore
	opts      Options
	logger    *log.Logger
}

func NewTransactionService(protocol Applier, wallets WalletStore, transfers TransferStore, opts Options) *TransactionService {
	opts = opts.withDefaults()
	return &TransactionService{
		protocol:  protocol,
		wallets:   wallets,
		transfers: transfers,
		opts:      opts,
		logger:    opts.Logger.WithComponent(log.ComponentService),
	}
}

type RecordTransactionRequest struct {
	OwnerID        string
	WalletID       string
	Amount         money.Money
	Kind           models.TransactionKind
	Category       string
	Date           date.Date
	Description    string
	IdempotencyKey string
}

func (s *TransactionService) RecordTransaction(ctx context.Context, req RecordTransactionRequest) (models.Transaction, models.LedgerEntry, error) {
	if err := money.Positive(req.Amount); err != nil {
		return models.Transaction{}, models.LedgerEntry{}, err
	}
	var (
		delta money.Money
		kind  models.EntryKind
	)
	switch req.Kind {
	case models.TransactionIncome:
		delta, kind = req.Amount, models.EntryIncome
	case models.TransactionExpense:
		delta, kind = -req.Amount, models.EntryExpense
	default:
		return models.Transaction{}, models.LedgerEntry{}, fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidRequest, req.Kind)
	}
	category := strings.TrimSpace(req.Category)
	if category == models.CategoryAll {
		return models.Transaction{}, models.LedgerEntry{}, fmt.Errorf("%w: %q is reserved for budgets", ErrInvalidRequest, category)
	}

	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(tx models.Transaction) bool {
		return tx.WalletID == req.WalletID &&
			tx.Kind == req.Kind &&
			tx.Amount == req.Amount &&
			tx.Category == category &&
			tx.Description == req.Description &&
			sameDay(req.Date, tx.OccurredOn)
	}))
	if err != nil {
		return models.Transaction{}, models.LedgerEntry{}, err
	}
	if !done {
		on := dateOr(req.Date, s.protocol.Today())
		tx := models.Transaction{
			ID:          uuid.NewString(),
			OwnerID:     req.OwnerID,
			WalletID:    req.WalletID,
			Kind:        req.Kind,
			Amount:      req.Amount,
			Category:    category,
			OccurredOn:  on,
			Description: req.Description,
			CreatedAt:   s.opts.Now().UTC(),
		}
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: keyOrNew(req.IdempotencyKey),
			OwnerID:        req.OwnerID,
			OccurredOn:     on,
			Postings: []ledger.Posting{{
				WalletID:    req.WalletID,
				Delta:       delta,
				Kind:        kind,
				Category:    category,
				Description: req.Description,
				DomainRef:   refTo(tx.ID),
			}},
			Records: []models.Record{tx},
		})
		if err != nil {
			return models.Transaction{}, models.LedgerEntry{}, err
		}
	}
	tx, err := firstRecord[models.Transaction](res)
	if err != nil {
		return models.Transaction{}, models.LedgerEntry{}, err
	}
	return tx, firstEntry(res), nil
}

func (s *TransactionService) GetTransaction(ctx context.Context, ownerID, id string) (models.Transaction, error) {
	tx, err := s.transfers.GetTransaction(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}
	if err := owned(ownerID, tx.OwnerID); err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

type TransferRequest struct {
	OwnerID             string
	SourceWalletID      string
	DestinationWalletID string
	Amount              money.Money
	SourceFee           money.Money
	DestinationFee      money.Money
	// FeeCategory, when set, books fees as separate expense entries in that
	// category instead of folding them into the transfer legs.
	FeeCategory    string
	Date           date.Date
	Description    string
	IdempotencyKey string
}

// RecordTransfer debits the source by amount plus source fee and credits the
// destination by amount minus destination fee.
func (s *TransactionService) RecordTransfer(ctx context.Context, req TransferRequest) (models.Transfer, []models.LedgerEntry, error) {
	if err := validateTransfer(req); err != nil {
		return models.Transfer{}, nil, err
	}
	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(t models.Transfer) bool {
		return t.ReversalOf == nil &&
			t.SourceWalletID == req.SourceWalletID &&
			t.DestinationWalletID == req.DestinationWalletID &&
			t.Amount == req.Amount &&
			t.SourceFee == req.SourceFee &&
			t.DestinationFee == req.DestinationFee &&
			t.FeeCategory == strings.TrimSpace(req.FeeCategory) &&
			t.Description == req.Description &&
			sameDay(req.Date, t.OccurredOn)
	}))
	if err != nil {
		return models.Transfer{}, nil, err
	}
	if !done {
		if err := s.checkWallets(ctx, req.OwnerID, req.SourceWalletID, req.DestinationWalletID); err != nil {
			return models.Transfer{}, nil, err
		}
		on := dateOr(req.Date, s.protocol.Today())
		t := models.Transfer{
			ID:                  uuid.NewString(),
			OwnerID:             req.OwnerID,
			SourceWalletID:      req.SourceWalletID,
			DestinationWalletID: req.DestinationWalletID,
			Amount:              req.Amount,
			SourceFee:           req.SourceFee,
			DestinationFee:      req.DestinationFee,
			FeeCategory:         strings.TrimSpace(req.FeeCategory),
			OccurredOn:          on,
			Description:         req.Description,
			CreatedAt:           s.opts.Now().UTC(),
		}
		postings, err := transferPostings(t)
		if err != nil {
			return models.Transfer{}, nil, err
		}
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: keyOrNew(req.IdempotencyKey),
			OwnerID:        req.OwnerID,
			OccurredOn:     on,
			Postings:       postings,
			Records:        []models.Record{t},
		})
		if err != nil {
			return models.Transfer{}, nil, err
		}
	}
	t, err := firstRecord[models.Transfer](res)
	if err != nil {
		return models.Transfer{}, nil, err
	}
	return t, res.Entries, nil
}

type ReverseTransferRequest struct {
	OwnerID    string
	TransferID string
	Date       date.Date
}

// ReverseTransfer records the equal and opposite transfer. Fees are not
// refunded: the reversal charges them again in the same roles, so each
// wallet ends up short by source fee plus destination fee. A transfer is
// reversed at most once; later calls return the first reversal.
func (s *TransactionService) ReverseTransfer(ctx context.Context, req ReverseTransferRequest) (models.Transfer, []models.LedgerEntry, error) {
	original, err := s.transfers.GetTransfer(ctx, req.TransferID)
	if err != nil {
		return models.Transfer{}, nil, err
	}
	if err := owned(req.OwnerID, original.OwnerID); err != nil {
		return models.Transfer{}, nil, err
	}
	if original.ReversalOf != nil {
		return models.Transfer{}, nil, fmt.Errorf("%w: transfer %s is itself a reversal", ErrInvalidRequest, original.ID)
	}
	key := reversalKey(original.ID)
	res, done, err := replay(ctx, s.protocol, req.OwnerID, key, sameRecord(func(t models.Transfer) bool {
		return t.ReversalOf != nil && *t.ReversalOf == original.ID
	}))
	if err != nil {
		return models.Transfer{}, nil, err
	}
	if !done {
		on := dateOr(req.Date, s.protocol.Today())
		reversal := models.Transfer{
			ID:                  uuid.NewString(),
			OwnerID:             original.OwnerID,
			SourceWalletID:      original.DestinationWalletID,
			DestinationWalletID: original.SourceWalletID,
			Amount:              original.Amount,
			SourceFee:           original.SourceFee,
			DestinationFee:      original.DestinationFee,
			FeeCategory:         original.FeeCategory,
			OccurredOn:          on,
			Description:         "Reversal of " + original.ID,
			ReversalOf:          refTo(original.ID),
			CreatedAt:           s.opts.Now().UTC(),
		}
		postings, err := transferPostings(reversal)
		if err != nil {
			return models.Transfer{}, nil, err
		}
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: key,
			OwnerID:        original.OwnerID,
			OccurredOn:     on,
			Postings:       postings,
			Records:        []models.Record{reversal},
		})
		if err != nil {
			return models.Transfer{}, nil, err
		}
	}
	t, err := firstRecord[models.Transfer](res)
	if err != nil {
		return models.Transfer{}, nil, err
	}
	return t, res.Entries, nil
}

func reversalKey(transferID string) string {
	return "transfer-reversal:" + transferID
}

func validateTransfer(req TransferRequest) error {
	if err := money.Positive(req.Amount); err != nil {
		return err
	}
	if err := money.NonNegative(req.SourceFee); err != nil {
		return fmt.Errorf("source fee: %w", err)
	}
	if err := money.NonNegative(req.DestinationFee); err != nil {
		return fmt.Errorf("destination fee: %w", err)
	}
	if req.DestinationFee > req.Amount {
		return fmt.Errorf("%w: destination fee exceeds amount", ErrInvalidAmount)
	}
	if req.SourceWalletID == "" || req.DestinationWalletID == "" {
		return fmt.Errorf("%w: source and destination wallets are required", ErrInvalidRequest)
	}
	if req.SourceWalletID == req.DestinationWalletID {
		return ErrSameWallet
	}
	if strings.TrimSpace(req.FeeCategory) == models.CategoryAll {
		return fmt.Errorf("%w: %q is reserved for budgets", ErrInvalidRequest, models.CategoryAll)
	}
	return nil
}

func (s *TransactionService) checkWallets(ctx context.Context, ownerID, sourceID, destinationID string) error {
	var currency string
	for i, id := range []string{sourceID, destinationID} {
		w, err := s.wallets.GetWallet(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrWalletNotFound, id)
		}
		if err != nil {
			return err
		}
		if w.OwnerID != ownerID || w.Archived() {
			return fmt.Errorf("%w: %s", ErrWalletNotFound, id)
		}
		if i == 0 {
			currency = w.Currency
		} else if w.Currency != currency {
			return fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, currency, w.Currency)
		}
	}
	return nil
}

// transferPostings builds the legs of t. Zero legs are dropped because the
// protocol rejects zero deltas.
func transferPostings(t models.Transfer) ([]ledger.Posting, error) {
	ref := refTo(t.ID)
	var postings []ledger.Posting
	add := func(walletID string, delta money.Money, kind models.EntryKind, category string) {
		if delta.IsZero() {
			return
		}
		postings = append(postings, ledger.Posting{
			WalletID:    walletID,
			Delta:       delta,
			Kind:        kind,
			Category:    category,
			Description: t.Description,
			DomainRef:   ref,
		})
	}

	if t.FeeCategory == "" {
		debit, err := t.Amount.Add(t.SourceFee)
		if err != nil {
			return nil, err
		}
		credit, err := t.Amount.Sub(t.DestinationFee)
		if err != nil {
			return nil, err
		}
		add(t.SourceWalletID, -debit, models.EntryTransferOut, "")
		add(t.DestinationWalletID, credit, models.EntryTransferIn, "")
		return postings, nil
	}

	add(t.SourceWalletID, -t.Amount, models.EntryTransferOut, "")
	add(t.SourceWalletID, -t.SourceFee, models.EntryExpense, t.FeeCategory)
	add(t.DestinationWalletID, t.Amount, models.EntryTransferIn, "")
	add(t.DestinationWalletID, -t.DestinationFee, models.EntryExpense, t.FeeCategory)
	return postings, nil
}
