package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"walletledger/internal/date"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

// Intent is one all-or-nothing group of balance changes, plus the domain
// records that must be written with them.
type Intent struct {
	IdempotencyKey string
	OwnerID        string
	OccurredOn     date.Date
	Postings       []Posting
	Records        []models.Record
}

// Posting becomes exactly one ledger entry.
type Posting struct {
	WalletID    string
	Delta       money.Money
	Kind        models.EntryKind
	Category    string
	Description string
	DomainRef   *string
}

// Result describes a committed mutation. Duplicate is set when the result
// was served from an earlier call with the same idempotency key.
type Result struct {
	MutationID     string                 `json:"mutation_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	OwnerID        string                 `json:"owner_id"`
	Entries        []models.LedgerEntry   `json:"entries"`
	Records        []models.Record        `json:"-"`
	Balances       map[string]money.Money `json:"balances"`
	Duplicate      bool                   `json:"duplicate"`
}

// EntryFor returns the first entry posted to walletID.
func (r Result) EntryFor(walletID string) (models.LedgerEntry, bool) {
	for _, e := range r.Entries {
		if e.WalletID == walletID {
			return e, true
		}
	}
	return models.LedgerEntry{}, false
}

// Record returns the record stored under table and id.
func (r Result) Record(table, id string) (models.Record, bool) {
	for _, rec := range r.Records {
		if rec.RecordTable() == table && rec.RecordID() == id {
			return rec, true
		}
	}
	return nil, false
}

func (in Intent) validate() error {
	if in.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidIntent)
	}
	if in.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidIntent)
	}
	if len(in.Postings) == 0 && len(in.Records) == 0 {
		return ErrEmptyIntent
	}
	for i, p := range in.Postings {
		if p.WalletID == "" {
			return fmt.Errorf("%w: posting %d has no wallet", ErrInvalidIntent, i)
		}
		if p.Delta.IsZero() {
			return fmt.Errorf("%w: posting %d has a zero delta", ErrInvalidAmount, i)
		}
		if !p.Kind.Valid() {
			return fmt.Errorf("%w: posting %d has unknown kind %q", ErrInvalidIntent, i, p.Kind)
		}
	}
	seen := make(map[string]bool, len(in.Records))
	for _, rec := range in.Records {
		if rec.RecordID() == "" || rec.RecordVersion() < 1 {
			return fmt.Errorf("%w: %s record needs an id and a version", ErrInvalidIntent, rec.RecordTable())
		}
		key := rec.RecordTable() + "/" + rec.RecordID()
		if seen[key] {
			return fmt.Errorf("%w: %s appears twice", ErrInvalidIntent, key)
		}
		seen[key] = true
	}
	return nil
}

// walletDeltas nets the postings per wallet and returns the wallet ids in
// sorted order, which is the order wallets are read and locked in.
func (in Intent) walletDeltas() (map[string]money.Money, []string, error) {
	net := make(map[string]money.Money)
	for _, p := range in.Postings {
		sum, err := net[p.WalletID].Add(p.Delta)
		if err != nil {
			return nil, nil, err
		}
		net[p.WalletID] = sum
	}
	ids := make([]string, 0, len(net))
	for id := range net {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return net, ids, nil
}

type fingerprintPosting struct {
	WalletID    string           `json:"w"`
	Delta       money.Money      `json:"d"`
	Kind        models.EntryKind `json:"k"`
	Category    string           `json:"c"`
	Description string           `json:"s"`
}

// fingerprint identifies what the intent does, not the ids callers
// generated for it, so a retried request with fresh record ids still matches.
func (in Intent) fingerprint() (string, error) {
	postings := make([]fingerprintPosting, 0, len(in.Postings))
	for _, p := range in.Postings {
		postings = append(postings, fingerprintPosting{
			WalletID:    p.WalletID,
			Delta:       p.Delta,
			Kind:        p.Kind,
			Category:    p.Category,
			Description: p.Description,
		})
	}
	tables := make([]string, 0, len(in.Records))
	for _, rec := range in.Records {
		tables = append(tables, rec.RecordTable())
	}
	sort.Strings(tables)
	raw, err := json.Marshal(struct {
		Owner    string               `json:"o"`
		On       string               `json:"on"`
		Postings []fingerprintPosting `json:"p"`
		Tables   []string             `json:"t"`
	}{in.OwnerID, in.OccurredOn.String(), postings, tables})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// payload is what a mutation row keeps so the mutation can be replayed or
// rolled forward later.
type payload struct {
	Entries []models.LedgerEntry    `json:"entries"`
	Records []models.RecordEnvelope `json:"records"`
}

func encodePayload(entries []models.LedgerEntry, records []models.Record) ([]byte, error) {
	p := payload{Entries: entries, Records: make([]models.RecordEnvelope, 0, len(records))}
	for _, rec := range records {
		env, err := models.EncodeRecord(rec)
		if err != nil {
			return nil, err
		}
		p.Records = append(p.Records, env)
	}
	return json.Marshal(p)
}

func decodePayload(raw []byte) ([]models.LedgerEntry, []models.Record, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("decode mutation payload: %w", err)
	}
	records := make([]models.Record, 0, len(p.Records))
	for _, env := range p.Records {
		rec, err := models.DecodeRecord(env)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	return p.Entries, records, nil
}

type storedResult struct {
	Balances map[string]money.Money `json:"balances"`
}

// resultFromMutation rebuilds the Result of a committed mutation.
func resultFromMutation(m models.Mutation) (Result, error) {
	entries, records, err := decodePayload(m.Payload)
	if err != nil {
		return Result{}, err
	}
	var stored storedResult
	if len(m.Result) > 0 {
		if err := json.Unmarshal(m.Result, &stored); err != nil {
			return Result{}, fmt.Errorf("decode mutation result: %w", err)
		}
	}
	return Result{
		MutationID:     m.ID,
		IdempotencyKey: m.IdempotencyKey,
		OwnerID:        m.OwnerID,
		Entries:        entries,
		Records:        records,
		Balances:       stored.Balances,
	}, nil
}
