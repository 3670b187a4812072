package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"walletledger/internal/db"
	"walletledger/internal/log"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

// Reconcile rolls an in-flight or inconsistent mutation forward from its
// stored payload: missing records and entries are written, and each wallet
// balance is recomputed from committed entries plus this mutation's own.
// A committed key returns its result unchanged.
func (p *Protocol) Reconcile(ctx context.Context, key string) (Result, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	logger := p.logger.With(log.FieldIdempotencyKey, key, log.FieldOperation, log.OpReconcile)

	var res Result
	err := p.strategy.Run(ctx, func(ctx context.Context, s Store, _ *UndoLog) error {
		m, err := s.GetMutation(ctx, key)
		if err != nil {
			return err
		}
		switch m.Status {
		case models.MutationCommitted:
			res, err = resultFromMutation(m)
			res.Duplicate = true
			return err
		case models.MutationRolledBack:
			return fmt.Errorf("%w: %s was rolled back", ErrNotReconcilable, m.ID)
		}
		if p.live(m) {
			return fmt.Errorf("%w: %s", ErrMutationInFlight, m.ID)
		}
		res, err = p.rollForward(ctx, s, m)
		return err
	})
	if err != nil {
		logger.Failure(ctx, log.OpReconcile, err)
		return Result{}, err
	}
	if res.Duplicate {
		return res, nil
	}
	logger.InfoContext(ctx, "mutation reconciled", log.FieldMutationID, res.MutationID)
	p.notifyCommitted(ctx, res)
	return res, nil
}

func (p *Protocol) rollForward(ctx context.Context, s Store, m models.Mutation) (Result, error) {
	entries, records, err := decodePayload(m.Payload)
	if err != nil {
		return Result{}, err
	}

	for _, rec := range records {
		if err := restoreRecord(ctx, s, rec); err != nil {
			return Result{}, err
		}
	}

	present, err := s.EntriesByMutation(ctx, m.ID)
	if err != nil {
		return Result{}, err
	}
	have := make(map[string]bool, len(present))
	for _, e := range present {
		have[e.ID] = true
	}
	var missing []models.LedgerEntry
	for _, e := range entries {
		if !have[e.ID] {
			missing = append(missing, e)
		}
	}
	if len(missing) > 0 {
		if err := s.InsertEntries(ctx, missing); err != nil {
			return Result{}, err
		}
	}

	balances := make(map[string]money.Money, len(m.WalletIDs))
	for _, id := range m.WalletIDs {
		w, err := p.resetBalance(ctx, s, m, id)
		if err != nil {
			return Result{}, err
		}
		balances[id] = w.Balance
	}

	raw, err := json.Marshal(storedResult{Balances: balances})
	if err != nil {
		return Result{}, err
	}
	m.Status = models.MutationCommitted
	m.Result = raw
	m.Error = ""
	m.UpdatedAt = p.cfg.Now().UTC()
	if err := s.UpdateMutation(ctx, m); err != nil {
		return Result{}, err
	}
	return Result{
		MutationID:     m.ID,
		IdempotencyKey: m.IdempotencyKey,
		OwnerID:        m.OwnerID,
		Entries:        entries,
		Records:        records,
		Balances:       balances,
	}, nil
}

// restoreRecord writes rec unless it is already in place. A stored version
// other than rec's or the one before it means someone else moved the row on.
func restoreRecord(ctx context.Context, s Store, rec models.Record) error {
	version := rec.RecordVersion()
	stored, err := s.GetRecord(ctx, rec.RecordTable(), rec.RecordID())
	switch {
	case errors.Is(err, ErrNotFound):
		if version != 1 {
			return fmt.Errorf("%w: %s %s is missing", ErrNotReconcilable, rec.RecordTable(), rec.RecordID())
		}
		return s.PutRecord(ctx, rec, 0)
	case err != nil:
		return err
	}
	switch stored.RecordVersion() {
	case version:
		return nil
	case version - 1:
		return s.PutRecord(ctx, rec, version-1)
	default:
		return fmt.Errorf("%w: %s %s is at version %d", ErrNotReconcilable, rec.RecordTable(), rec.RecordID(), stored.RecordVersion())
	}
}

// live reports whether an in-flight mutation may still be running. Apply
// never outlives the configured timeout, so older ones are abandoned.
func (p *Protocol) live(m models.Mutation) bool {
	return m.Status == models.MutationInFlight && p.cfg.Now().Sub(m.UpdatedAt) < p.cfg.Timeout
}

// resetBalance refuses to touch a wallet while another mutation on it may
// still be running, since its pending delta would be overwritten.
func (p *Protocol) resetBalance(ctx context.Context, s Store, m models.Mutation, walletID string) (models.Wallet, error) {
	for attempt := 1; ; attempt++ {
		w, err := s.GetWallet(ctx, walletID)
		if err != nil {
			return models.Wallet{}, err
		}
		others, err := s.UnresolvedMutations(ctx, walletID)
		if err != nil {
			return models.Wallet{}, err
		}
		for _, o := range others {
			if o.ID != m.ID && p.live(o) {
				return models.Wallet{}, fmt.Errorf("%w: wallet %s is also touched by mutation %s", ErrConcurrentModification, walletID, o.ID)
			}
		}
		sum, err := s.SumCommittedEntries(ctx, walletID, m.ID)
		if err != nil {
			return models.Wallet{}, err
		}
		updated, err := s.SetWalletBalance(ctx, walletID, w.Version, sum)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return models.Wallet{}, err
		}
		if attempt >= p.cfg.MaxAttempts {
			return models.Wallet{}, fmt.Errorf("%w: wallet %s after %d attempts", ErrConcurrentModification, walletID, attempt)
		}
		if err := db.Sleep(ctx, db.Backoff(attempt, p.cfg.BaseBackoff)); err != nil {
			return models.Wallet{}, err
		}
	}
}

// ReconcileAll resolves every unresolved mutation it can and reports how
// many it committed. Failures are joined; one stuck mutation does not stop
// the rest.
func (p *Protocol) ReconcileAll(ctx context.Context) (int, error) {
	var pending []models.Mutation
	err := p.strategy.Run(ctx, func(ctx context.Context, s Store, _ *UndoLog) error {
		var err error
		pending, err = s.UnresolvedMutations(ctx, "")
		return err
	})
	if err != nil {
		return 0, err
	}
	var (
		done int
		errs []error
	)
	for _, m := range pending {
		if _, err := p.Reconcile(ctx, m.IdempotencyKey); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.ID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
