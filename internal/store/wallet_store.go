package store

import (
	"context"
	"time"

	"walletledger/internal/ledger"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

type WalletStore struct {
	db DB
}

const walletColumns = `id, owner_id, name, type, currency, balance, allow_overdraft, version, created_at, archived_at`

func NewWalletStore(db DB) *WalletStore {
	return &WalletStore{db: db}
}

func (s *WalletStore) Create(ctx context.Context, w models.Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, name, type, currency, balance, allow_overdraft, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, w.ID, w.OwnerID, w.Name, w.Type, w.Currency, w.Balance, w.AllowOverdraft, w.Version, w.CreatedAt)
	return err
}

// Delete removes a wallet that never received an entry.
func (s *WalletStore) Delete(ctx context.Context, walletID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM wallets
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM ledger_entries WHERE wallet_id = $1)
	`, walletID)
	return err
}

func (s *WalletStore) GetByID(ctx context.Context, walletID string) (models.Wallet, error) {
	var row models.Wallet
	err := s.db.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

// GetForUpdate locks the wallet row until the surrounding transaction ends.
func (s *WalletStore) GetForUpdate(ctx context.Context, walletID string) (models.Wallet, error) {
	var row models.Wallet
	err := s.db.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID)
	if err != nil {
		return models.Wallet{}, notFound(err)
	}
	return row, nil
}

func (s *WalletStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Wallet, error) {
	var rows []models.Wallet
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE owner_id = $1
		ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// AdjustBalance adds delta if the wallet is still at version.
func (s *WalletStore) AdjustBalance(ctx context.Context, walletID string, version int64, delta money.Money) (models.Wallet, error) {
	return s.swap(ctx, `balance = balance + $3`, walletID, version, delta)
}

// SetBalance overwrites the balance if the wallet is still at version.
func (s *WalletStore) SetBalance(ctx context.Context, walletID string, version int64, balance money.Money) (models.Wallet, error) {
	return s.swap(ctx, `balance = $3`, walletID, version, balance)
}

func (s *WalletStore) Archive(ctx context.Context, walletID string, version int64, at time.Time) error {
	return expectOne(s.db.ExecContext(ctx, `
		UPDATE wallets
		SET archived_at = $3, version = version + 1
		WHERE id = $1 AND version = $2
	`, walletID, version, at))
}

func (s *WalletStore) swap(ctx context.Context, set, walletID string, version int64, amount money.Money) (models.Wallet, error) {
	var rows []models.Wallet
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE wallets
		SET `+set+`, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+walletColumns, walletID, version, amount)
	if err != nil {
		return models.Wallet{}, err
	}
	if len(rows) == 0 {
		return models.Wallet{}, ledger.ErrVersionConflict
	}
	return rows[0], nil
}
