package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"walletledger/internal/date"
	"walletledger/internal/db"
	"walletledger/internal/log"
	"walletledger/internal/models"
	"walletledger/internal/money"

	"github.com/google/uuid"
)

// Config tunes the Protocol. Zero values fall back to defaults.
type Config struct {
	// MaxAttempts bounds compare-and-swap retries per wallet.
	MaxAttempts int
	BaseBackoff time.Duration
	// Timeout applies to calls whose context has no deadline.
	Timeout   time.Duration
	Logger    *log.Logger
	Now       func() time.Time
	Observers []Observer
}

// Protocol is the only writer of wallet balances.
type Protocol struct {
	strategy Strategy
	cfg      Config
	logger   *log.Logger

	mu        sync.RWMutex
	observers []Observer
}

func New(strategy Strategy, cfg Config) *Protocol {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 20 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	return &Protocol{
		strategy:  strategy,
		cfg:       cfg,
		logger:    logger.WithComponent(log.ComponentLedger),
		observers: append([]Observer(nil), cfg.Observers...),
	}
}

// Observe registers o for every mutation settled from now on.
func (p *Protocol) Observe(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// Today is the Protocol's notion of the current calendar date.
func (p *Protocol) Today() date.Date {
	return date.Of(p.cfg.Now())
}

func (p *Protocol) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.Timeout)
}

// Apply commits the intent or leaves no trace of it. Replaying a committed
// idempotency key returns the original result with Duplicate set.
func (p *Protocol) Apply(ctx context.Context, in Intent) (Result, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if err := in.validate(); err != nil {
		return Result{}, err
	}
	if in.OccurredOn.IsZero() {
		in.OccurredOn = p.Today()
	}
	fp, err := in.fingerprint()
	if err != nil {
		return Result{}, err
	}

	logger := p.logger.With(log.FieldIdempotencyKey, in.IdempotencyKey, log.FieldOwnerID, in.OwnerID)
	start := p.cfg.Now()

	var (
		res Result
		mut models.Mutation
	)
	err = p.strategy.Run(ctx, func(ctx context.Context, s Store, undo *UndoLog) error {
		res, mut = Result{}, models.Mutation{}

		existing, err := s.GetMutation(ctx, in.IdempotencyKey)
		switch {
		case err == nil:
			replayed, done, err := replay(existing, fp)
			if done {
				res = replayed
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		deltas, walletIDs, err := p.check(ctx, s, in)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		now := p.cfg.Now().UTC()
		mut = models.Mutation{
			ID:             uuid.NewString(),
			IdempotencyKey: in.IdempotencyKey,
			OwnerID:        in.OwnerID,
			Status:         models.MutationInFlight,
			Fingerprint:    fp,
			WalletIDs:      walletIDs,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		entries := p.buildEntries(in, mut.ID, now)
		if mut.Payload, err = encodePayload(entries, in.Records); err != nil {
			return err
		}
		return p.write(ctx, s, undo, &mut, in.Records, entries, deltas, walletIDs, &res)
	})

	if errors.Is(err, ErrMutationExists) {
		// Another call claimed the key between our lookup and insert.
		return p.lookup(ctx, in.OwnerID, in.IdempotencyKey, fp)
	}
	if err != nil {
		p.settleFailure(ctx, logger, mut, err)
		return Result{}, err
	}
	if res.Duplicate {
		logger.DebugContext(ctx, "idempotent replay", log.FieldMutationID, res.MutationID)
		return res, nil
	}
	logger.InfoContext(ctx, "mutation committed",
		log.FieldMutationID, res.MutationID,
		log.FieldCount, len(res.Entries),
		log.FieldDuration, p.cfg.Now().Sub(start).Milliseconds())
	p.notifyCommitted(ctx, res)
	return res, nil
}

// ApplyStrict is Apply for callers that treat a replayed key as an error.
func (p *Protocol) ApplyStrict(ctx context.Context, in Intent) (Result, error) {
	res, err := p.Apply(ctx, in)
	if err != nil {
		return Result{}, err
	}
	if res.Duplicate {
		return res, ErrDuplicateMutation
	}
	return res, nil
}

// Lookup returns the committed result ownerID stored under key. Rolled back
// and unknown keys report ErrNotFound; a key another owner used reports
// ErrIntentMismatch.
func (p *Protocol) Lookup(ctx context.Context, ownerID, key string) (Result, error) {
	return p.lookup(ctx, ownerID, key, "")
}

// lookup is Lookup that checks the stored mutation against fingerprint when
// one is given.
func (p *Protocol) lookup(ctx context.Context, ownerID, key, fingerprint string) (Result, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var res Result
	err := p.strategy.Run(ctx, func(ctx context.Context, s Store, _ *UndoLog) error {
		m, err := s.GetMutation(ctx, key)
		if err != nil {
			return err
		}
		if m.OwnerID != ownerID {
			return fmt.Errorf("%w: key %q belongs to another owner", ErrIntentMismatch, key)
		}
		if m.Status == models.MutationRolledBack {
			return ErrNotFound
		}
		if fingerprint == "" {
			fingerprint = m.Fingerprint
		}
		var done bool
		res, done, err = replay(m, fingerprint)
		if !done {
			return ErrNotFound
		}
		return err
	})
	return res, err
}

// replay decides what an existing mutation under the same key means for a
// new call. done is false when the call should go ahead.
func replay(m models.Mutation, fingerprint string) (Result, bool, error) {
	switch m.Status {
	case models.MutationCommitted:
		if m.Fingerprint != fingerprint {
			return Result{}, true, ErrIntentMismatch
		}
		res, err := resultFromMutation(m)
		if err != nil {
			return Result{}, true, err
		}
		res.Duplicate = true
		return res, true, nil
	case models.MutationInFlight:
		return Result{}, true, fmt.Errorf("%w: %s", ErrMutationInFlight, m.ID)
	case models.MutationInconsistent:
		return Result{}, true, fmt.Errorf("%w: %s", ErrPartialFailureInconsistent, m.ID)
	default:
		return Result{}, false, nil
	}
}

// check validates the intent against current wallet state. Nothing has been
// written when it fails.
func (p *Protocol) check(ctx context.Context, s Store, in Intent) (map[string]money.Money, []string, error) {
	deltas, walletIDs, err := in.walletDeltas()
	if err != nil {
		return nil, nil, err
	}
	for _, id := range walletIDs {
		w, err := s.GetWallet(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
		}
		if err != nil {
			return nil, nil, err
		}
		if w.OwnerID != in.OwnerID || w.Archived() {
			return nil, nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
		}
		next, err := w.Balance.Add(deltas[id])
		if err != nil {
			return nil, nil, err
		}
		if deltas[id].IsNegative() && next.IsNegative() && !w.AllowOverdraft {
			return nil, nil, fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, id)
		}
	}
	return deltas, walletIDs, nil
}

func (p *Protocol) buildEntries(in Intent, mutationID string, now time.Time) []models.LedgerEntry {
	entries := make([]models.LedgerEntry, 0, len(in.Postings))
	for _, post := range in.Postings {
		entries = append(entries, models.LedgerEntry{
			ID:          uuid.NewString(),
			OwnerID:     in.OwnerID,
			WalletID:    post.WalletID,
			Delta:       post.Delta,
			Kind:        post.Kind,
			Category:    post.Category,
			Description: post.Description,
			OccurredOn:  in.OccurredOn,
			DomainRef:   post.DomainRef,
			MutationID:  mutationID,
			CreatedAt:   now,
		})
	}
	return entries
}

// write performs the ordered writes: mutation row, domain records, entries,
// wallet balances, commit mark. Each write registers its undo first thing
// after it succeeds.
func (p *Protocol) write(ctx context.Context, s Store, undo *UndoLog, mut *models.Mutation, records []models.Record, entries []models.LedgerEntry, deltas map[string]money.Money, walletIDs []string, res *Result) error {
	if err := s.CreateMutation(ctx, *mut); err != nil {
		return err
	}
	undo.Push("mutation", func(ctx context.Context, s Store) error {
		rolled := *mut
		rolled.Status = models.MutationRolledBack
		rolled.UpdatedAt = p.cfg.Now().UTC()
		return s.UpdateMutation(ctx, rolled)
	})

	for _, rec := range records {
		if err := p.putRecord(ctx, s, undo, rec); err != nil {
			return err
		}
	}

	if len(entries) > 0 {
		if err := s.InsertEntries(ctx, entries); err != nil {
			return err
		}
		undo.Push("entries", func(ctx context.Context, s Store) error {
			return s.DeleteEntries(ctx, mut.ID)
		})
	}

	balances := make(map[string]money.Money, len(walletIDs))
	for _, id := range walletIDs {
		id := id
		delta := deltas[id]
		if delta.IsZero() {
			w, err := s.GetWallet(ctx, id)
			if err != nil {
				return err
			}
			balances[id] = w.Balance
			continue
		}
		w, err := p.adjust(ctx, s, id, delta, true)
		if err != nil {
			return err
		}
		balances[id] = w.Balance
		undo.Push("wallet "+id, func(ctx context.Context, s Store) error {
			reverse, err := delta.Neg()
			if err != nil {
				return err
			}
			_, err = p.adjust(ctx, s, id, reverse, false)
			return err
		})
	}

	result, err := json.Marshal(storedResult{Balances: balances})
	if err != nil {
		return err
	}
	mut.Status = models.MutationCommitted
	mut.Result = result
	mut.UpdatedAt = p.cfg.Now().UTC()
	if err := s.UpdateMutation(ctx, *mut); err != nil {
		mut.Status = models.MutationInFlight
		return err
	}

	*res = Result{
		MutationID:     mut.ID,
		IdempotencyKey: mut.IdempotencyKey,
		OwnerID:        mut.OwnerID,
		Entries:        entries,
		Records:        records,
		Balances:       balances,
	}
	return nil
}

// putRecord inserts version 1 records and compare-and-swaps newer ones
// against the previous version.
func (p *Protocol) putRecord(ctx context.Context, s Store, undo *UndoLog, rec models.Record) error {
	table, id, version := rec.RecordTable(), rec.RecordID(), rec.RecordVersion()
	if version == 1 {
		if err := s.PutRecord(ctx, rec, 0); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return fmt.Errorf("%w: %s %s already exists", ErrConcurrentModification, table, id)
			}
			return err
		}
		undo.Push(table+" "+id, func(ctx context.Context, s Store) error {
			return s.DeleteRecord(ctx, table, id)
		})
		return nil
	}

	prev, err := s.GetRecord(ctx, table, id)
	if err != nil {
		return err
	}
	if err := s.PutRecord(ctx, rec, version-1); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("%w: %s %s", ErrConcurrentModification, table, id)
		}
		return err
	}
	undo.Push(table+" "+id, func(ctx context.Context, s Store) error {
		return s.PutRecord(ctx, prev, version)
	})
	return nil
}

// adjust applies delta to a wallet with compare-and-swap, re-reading and
// backing off when another writer got there first.
func (p *Protocol) adjust(ctx context.Context, s Store, walletID string, delta money.Money, enforce bool) (models.Wallet, error) {
	for attempt := 1; ; attempt++ {
		w, err := s.GetWallet(ctx, walletID)
		if err != nil {
			return models.Wallet{}, err
		}
		if enforce && delta.IsNegative() {
			next, err := w.Balance.Add(delta)
			if err != nil {
				return models.Wallet{}, err
			}
			if next.IsNegative() && !w.AllowOverdraft {
				return models.Wallet{}, fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, walletID)
			}
		}
		updated, err := s.ApplyWalletDelta(ctx, walletID, w.Version, delta)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return models.Wallet{}, err
		}
		if attempt >= p.cfg.MaxAttempts {
			return models.Wallet{}, fmt.Errorf("%w: wallet %s after %d attempts", ErrConcurrentModification, walletID, attempt)
		}
		p.logger.DebugContext(ctx, "wallet version conflict", log.FieldWalletID, walletID, log.FieldAttempt, attempt)
		if err := db.Sleep(ctx, db.Backoff(attempt, p.cfg.BaseBackoff)); err != nil {
			return models.Wallet{}, err
		}
	}
}

func (p *Protocol) settleFailure(ctx context.Context, logger *log.Logger, mut models.Mutation, err error) {
	switch {
	case errors.Is(err, ErrPartialFailureInconsistent):
		if mut.ID == "" {
			// Replay of a mutation already marked inconsistent.
			return
		}
		mut.Status = models.MutationInconsistent
		mut.Error = err.Error()
		mut.UpdatedAt = p.cfg.Now().UTC()
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
		defer cancel()
		merr := p.strategy.Run(markCtx, func(ctx context.Context, s Store, _ *UndoLog) error {
			return s.UpdateMutation(ctx, mut)
		})
		logger.Failure(ctx, log.OpRollback, err,
			log.FieldMutationID, mut.ID,
			log.FieldStatus, mut.Status,
			"mark_error", merr)
		p.notifyInconsistent(ctx, mut, err)
	case errors.Is(err, ErrMutationInFlight):
		logger.WarnContext(ctx, "mutation left in flight", log.FieldMutationID, mut.ID, log.FieldError, err)
	case errors.Is(err, ErrConcurrentModification):
		logger.InfoContext(ctx, "mutation rejected", log.FieldError, err)
	default:
		logger.DebugContext(ctx, "mutation rejected", log.FieldError, err)
	}
}

func (p *Protocol) snapshotObservers() []Observer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Observer(nil), p.observers...)
}

func (p *Protocol) notifyCommitted(ctx context.Context, res Result) {
	for _, o := range p.snapshotObservers() {
		o.MutationCommitted(ctx, res)
	}
}

func (p *Protocol) notifyInconsistent(ctx context.Context, m models.Mutation, cause error) {
	for _, o := range p.snapshotObservers() {
		o.MutationInconsistent(ctx, m, cause)
	}
}
