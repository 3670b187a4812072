package events

import (
	"encoding/json"
	"time"

	"walletledger/internal/ledger"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

// Routing keys on the ledger exchange.
const (
	RoutingCommitted    = "mutation.committed"
	RoutingInconsistent = "mutation.inconsistent"
)

// MutationEvent is published once per settled mutation. Consumers fetch
// entries by mutation id when they need more than the balances.
type MutationEvent struct {
	Type           string                 `json:"type"`
	MutationID     string                 `json:"mutation_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	OwnerID        string                 `json:"owner_id"`
	Balances       map[string]money.Money `json:"balances,omitempty"`
	EntryCount     int                    `json:"entry_count"`
	Error          string                 `json:"error,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

func committedEvent(res ledger.Result, at time.Time) MutationEvent {
	return MutationEvent{
		Type:           RoutingCommitted,
		MutationID:     res.MutationID,
		IdempotencyKey: res.IdempotencyKey,
		OwnerID:        res.OwnerID,
		Balances:       res.Balances,
		EntryCount:     len(res.Entries),
		Timestamp:      at,
	}
}

func inconsistentEvent(m models.Mutation, cause error, at time.Time) MutationEvent {
	ev := MutationEvent{
		Type:           RoutingInconsistent,
		MutationID:     m.ID,
		IdempotencyKey: m.IdempotencyKey,
		OwnerID:        m.OwnerID,
		Timestamp:      at,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev
}

func (e MutationEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func MutationEventFromJSON(data []byte) (MutationEvent, error) {
	var ev MutationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return MutationEvent{}, err
	}
	return ev, nil
}
