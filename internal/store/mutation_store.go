package store

import (
	"context"
	"time"

	"walletledger/internal/db"
	"walletledger/internal/ledger"
	"walletledger/internal/models"

	"github.com/lib/pq"
)

type MutationStore struct {
	db DB
}

type mutationRow struct {
	ID             string                `db:"id"`
	IdempotencyKey string                `db:"idempotency_key"`
	OwnerID        string                `db:"owner_id"`
	Status         models.MutationStatus `db:"status"`
	Fingerprint    string                `db:"fingerprint"`
	WalletIDs      pq.StringArray        `db:"wallet_ids"`
	Payload        []byte                `db:"payload"`
	Result         []byte                `db:"result"`
	Error          string                `db:"error"`
	CreatedAt      time.Time             `db:"created_at"`
	UpdatedAt      time.Time             `db:"updated_at"`
}

func (r mutationRow) model() models.Mutation {
	return models.Mutation{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		OwnerID:        r.OwnerID,
		Status:         r.Status,
		Fingerprint:    r.Fingerprint,
		WalletIDs:      []string(r.WalletIDs),
		Payload:        r.Payload,
		Result:         r.Result,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const mutationColumns = `id, idempotency_key, owner_id, status, fingerprint, wallet_ids, payload, result, error, created_at, updated_at`

func NewMutationStore(db DB) *MutationStore {
	return &MutationStore{db: db}
}

func (s *MutationStore) GetByKey(ctx context.Context, idempotencyKey string) (models.Mutation, error) {
	var row mutationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+mutationColumns+` FROM mutations WHERE idempotency_key = $1`, idempotencyKey)
	if err != nil {
		return models.Mutation{}, notFound(err)
	}
	return row.model(), nil
}

// Create claims the idempotency key. A rolled back mutation holding the key
// gives it up; any other holder makes Create fail with ErrMutationExists.
func (s *MutationStore) Create(ctx context.Context, m models.Mutation) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM mutations
		WHERE idempotency_key = $1 AND status = 'rolled_back'
	`, m.IdempotencyKey); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations (id, idempotency_key, owner_id, status, fingerprint, wallet_ids, payload, result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.IdempotencyKey, m.OwnerID, m.Status, m.Fingerprint, pq.Array(m.WalletIDs),
		jsonArg(m.Payload), jsonArg(m.Result), m.Error, m.CreatedAt, m.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ledger.ErrMutationExists
	}
	return err
}

func (s *MutationStore) Update(ctx context.Context, m models.Mutation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET status = $3, result = $4, error = $5, updated_at = $6
		WHERE idempotency_key = $1 AND id = $2
	`, m.IdempotencyKey, m.ID, m.Status, jsonArg(m.Result), m.Error, m.UpdatedAt)
	if err := expectOne(res, err); err != nil {
		if err == ledger.ErrVersionConflict {
			return ledger.ErrNotFound
		}
		return err
	}
	return nil
}

// Unresolved lists in-flight and inconsistent mutations, oldest first,
// limited to those touching walletID unless it is empty.
func (s *MutationStore) Unresolved(ctx context.Context, walletID string) ([]models.Mutation, error) {
	var rows []mutationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+mutationColumns+`
		FROM mutations
		WHERE status IN ('in_flight', 'inconsistent')
		  AND ($1 = '' OR $1 = ANY(wallet_ids))
		ORDER BY created_at, id
	`, walletID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Mutation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// jsonArg sends raw JSON as text so Postgres parses it into jsonb. Empty
// documents become NULL.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
