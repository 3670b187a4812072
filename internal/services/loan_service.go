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

// LoanService tracks loans and their repayments. Every money movement goes
// through the protocol together with the loan row it changes.
type LoanService struct {
	protocol Applier
	loans    LoanStore
	opts     Options
	logger   *log.Logger
}

func NewLoanService(protocol Applier, loans LoanStore, opts Options) *LoanService {
	opts = opts.withDefaults()
	return &LoanService{
		protocol: protocol,
		loans:    loans,
		opts:     opts,
		logger:   opts.Logger.WithComponent(log.ComponentService),
	}
}

type IssueLoanRequest struct {
	OwnerID        string
	Type           models.LoanType
	Amount         money.Money
	WalletID       string
	Counterpart    string
	DueDate        date.Date
	Description    string
	Date           date.Date
	IdempotencyKey string
}

// IssueLoan records the loan and its disbursement: a payable loan credits the
// wallet, a receivable loan debits it.
func (s *LoanService) IssueLoan(ctx context.Context, req IssueLoanRequest) (models.Loan, models.LedgerEntry, error) {
	if err := money.Positive(req.Amount); err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	delta, err := disbursement(req.Type, req.Amount)
	if err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	if strings.TrimSpace(req.Counterpart) == "" {
		return models.Loan{}, models.LedgerEntry{}, fmt.Errorf("%w: counterpart is required", ErrInvalidRequest)
	}

	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(loan models.Loan) bool {
		return loan.Type == req.Type &&
			loan.Amount == req.Amount &&
			loan.WalletID == req.WalletID &&
			loan.Counterpart == strings.TrimSpace(req.Counterpart) &&
			loan.DueDate.Equal(req.DueDate) &&
			loan.Description == req.Description
	}))
	if err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	if !done {
		on := dateOr(req.Date, s.protocol.Today())
		loan := models.Loan{
			ID:          uuid.NewString(),
			OwnerID:     req.OwnerID,
			Type:        req.Type,
			Amount:      req.Amount,
			Status:      models.LoanUnpaid,
			DueDate:     req.DueDate,
			Counterpart: strings.TrimSpace(req.Counterpart),
			WalletID:    req.WalletID,
			Description: req.Description,
			Version:     1,
			CreatedAt:   s.opts.Now().UTC(),
		}
		res, err = s.protocol.Apply(ctx, ledger.Intent{
			IdempotencyKey: keyOrNew(req.IdempotencyKey),
			OwnerID:        req.OwnerID,
			OccurredOn:     on,
			Postings: []ledger.Posting{{
				WalletID:    req.WalletID,
				Delta:       delta,
				Kind:        models.EntryLoanDisbursement,
				Description: loan.Counterpart,
				DomainRef:   refTo(loan.ID),
			}},
			Records: []models.Record{loan},
		})
		if err != nil {
			return models.Loan{}, models.LedgerEntry{}, err
		}
	}
	loan, err := firstRecord[models.Loan](res)
	if err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	return loan, firstEntry(res), nil
}

type LoanPaymentRequest struct {
	OwnerID        string
	LoanID         string
	Amount         money.Money
	Date           date.Date
	IdempotencyKey string
}

// RecordLoanPayment adds a payment to the loan and moves money the opposite
// way to the disbursement.
func (s *LoanService) RecordLoanPayment(ctx context.Context, req LoanPaymentRequest) (models.Loan, models.LedgerEntry, error) {
	if err := money.Positive(req.Amount); err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	res, done, err := replay(ctx, s.protocol, req.OwnerID, req.IdempotencyKey, sameRecord(func(p models.LoanPayment) bool {
		return p.LoanID == req.LoanID &&
			p.Amount == req.Amount &&
			sameDay(req.Date, p.PaidOn)
	}))
	if err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	if !done {
		key := keyOrNew(req.IdempotencyKey)
		err = retryOnConflict(ctx, s.opts, func() error {
			loan, err := s.liveLoan(ctx, req.OwnerID, req.LoanID)
			if err != nil {
				return err
			}
			if req.Amount > loan.Remaining() {
				return fmt.Errorf("%w: remaining %s, paying %s", ErrOverRepayment, loan.Remaining(), req.Amount)
			}
			paid, err := loan.PaidAmount.Add(req.Amount)
			if err != nil {
				return err
			}
			delta, err := disbursement(loan.Type, req.Amount)
			if err != nil {
				return err
			}
			on := dateOr(req.Date, s.protocol.Today())
			updated := loan
			updated.PaidAmount = paid
			updated.Status = updated.DeriveStatus()
			updated.Version++
			payment := models.LoanPayment{
				ID:        uuid.NewString(),
				OwnerID:   loan.OwnerID,
				LoanID:    loan.ID,
				Amount:    req.Amount,
				PaidOn:    on,
				CreatedAt: s.opts.Now().UTC(),
			}
			res, err = s.protocol.Apply(ctx, ledger.Intent{
				IdempotencyKey: key,
				OwnerID:        loan.OwnerID,
				OccurredOn:     on,
				Postings: []ledger.Posting{{
					WalletID:    loan.WalletID,
					Delta:       -delta,
					Kind:        models.EntryLoanRepayment,
					Description: loan.Counterpart,
					DomainRef:   refTo(loan.ID),
				}},
				Records: []models.Record{updated, payment},
			})
			return err
		})
		if err != nil {
			return models.Loan{}, models.LedgerEntry{}, err
		}
	}
	loan, err := firstRecord[models.Loan](res)
	if err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	if loan.Status == models.LoanPaid {
		s.logger.InfoContext(ctx, "loan paid off", log.FieldLoanID, loan.ID, log.FieldOwnerID, loan.OwnerID)
	}
	return loan, firstEntry(res), nil
}

type DeleteLoanRequest struct {
	OwnerID        string
	LoanID         string
	Date           date.Date
	IdempotencyKey string
}

// DeleteLoan marks an unpaid loan deleted and posts a reversal of its
// disbursement. Loans with payments cannot be deleted.
func (s *LoanService) DeleteLoan(ctx context.Context, req DeleteLoanRequest) (models.Loan, models.LedgerEntry, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = "loan-delete:" + req.LoanID
	}
	res, done, err := replay(ctx, s.protocol, req.OwnerID, key, sameRecord(func(loan models.Loan) bool {
		return loan.ID == req.LoanID && loan.DeletedAt != nil
	}))
	if err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	if !done {
		err = retryOnConflict(ctx, s.opts, func() error {
			loan, err := s.liveLoan(ctx, req.OwnerID, req.LoanID)
			if err != nil {
				return err
			}
			if loan.PaidAmount.IsPositive() {
				return fmt.Errorf("%w: %s paid so far", ErrLoanHasPayments, loan.PaidAmount)
			}
			delta, err := disbursement(loan.Type, loan.Amount)
			if err != nil {
				return err
			}
			now := s.opts.Now().UTC()
			updated := loan
			updated.DeletedAt = &now
			updated.Version++
			res, err = s.protocol.Apply(ctx, ledger.Intent{
				IdempotencyKey: key,
				OwnerID:        loan.OwnerID,
				OccurredOn:     dateOr(req.Date, s.protocol.Today()),
				Postings: []ledger.Posting{{
					WalletID:    loan.WalletID,
					Delta:       -delta,
					Kind:        models.EntryReversal,
					Description: "Loan deleted: " + loan.Counterpart,
					DomainRef:   refTo(loan.ID),
				}},
				Records: []models.Record{updated},
			})
			return err
		})
		if err != nil {
			return models.Loan{}, models.LedgerEntry{}, err
		}
	}
	loan, err := firstRecord[models.Loan](res)
	if err != nil {
		return models.Loan{}, models.LedgerEntry{}, err
	}
	return loan, firstEntry(res), nil
}

func (s *LoanService) GetLoan(ctx context.Context, ownerID, loanID string) (models.Loan, error) {
	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return models.Loan{}, err
	}
	if err := owned(ownerID, loan.OwnerID); err != nil {
		return models.Loan{}, err
	}
	return loan, nil
}

func (s *LoanService) ListLoans(ctx context.Context, ownerID string) ([]models.Loan, error) {
	return s.loans.ListLoans(ctx, ownerID)
}

func (s *LoanService) ListPayments(ctx context.Context, ownerID, loanID string) ([]models.LoanPayment, error) {
	if _, err := s.GetLoan(ctx, ownerID, loanID); err != nil {
		return nil, err
	}
	return s.loans.ListLoanPayments(ctx, loanID)
}

// IsOverdue reports whether the loan is unpaid past its due date.
func (s *LoanService) IsOverdue(loan models.Loan, today date.Date) bool {
	return loan.IsOverdue(today)
}

// ListOverdue returns the owner's loans that are overdue today.
func (s *LoanService) ListOverdue(ctx context.Context, ownerID string) ([]models.Loan, error) {
	loans, err := s.loans.ListLoans(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	today := s.protocol.Today()
	var overdue []models.Loan
	for _, l := range loans {
		if s.IsOverdue(l, today) {
			overdue = append(overdue, l)
		}
	}
	return overdue, nil
}

func (s *LoanService) liveLoan(ctx context.Context, ownerID, loanID string) (models.Loan, error) {
	loan, err := s.GetLoan(ctx, ownerID, loanID)
	if err != nil {
		return models.Loan{}, err
	}
	if loan.DeletedAt != nil {
		return models.Loan{}, ErrNotFound
	}
	return loan, nil
}

// disbursement is the wallet delta of lending or borrowing amount.
func disbursement(t models.LoanType, amount money.Money) (money.Money, error) {
	switch t {
	case models.LoanPayable:
		return amount, nil
	case models.LoanReceivable:
		return -amount, nil
	default:
		return 0, fmt.Errorf("%w: unknown loan type %q", ErrInvalidRequest, t)
	}
}
