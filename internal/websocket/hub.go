package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"walletledger/internal/ledger"
	"walletledger/internal/models"
	"walletledger/internal/money"
)

type BalanceUpdate struct {
	WalletID   string      `json:"wallet_id"`
	Balance    money.Money `json:"balance"`
	MutationID string      `json:"mutation_id"`
}

// Hub fans committed balances out to the owner's open connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

var _ ledger.Observer = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(ownerID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[ownerID] == nil {
		h.clients[ownerID] = make(map[*Client]struct{})
	}
	h.clients[ownerID][client] = struct{}{}
}

// Unregister drops the client and closes its send channel, which ends its
// write loop. Unregistering twice is a no-op.
func (h *Hub) Unregister(ownerID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ownerID][client]; !ok {
		return
	}
	delete(h.clients[ownerID], client)
	close(client.send)
	if len(h.clients[ownerID]) == 0 {
		delete(h.clients, ownerID)
	}
}

// Connections counts the owner's registered clients.
func (h *Hub) Connections(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[ownerID])
}

// BroadcastBalance drops the update for clients whose buffer is full.
func (h *Hub) BroadcastBalance(ownerID string, update BalanceUpdate) {
	payload, _ := json.Marshal(update)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[ownerID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}

func (h *Hub) MutationCommitted(_ context.Context, res ledger.Result) {
	walletIDs := make([]string, 0, len(res.Balances))
	for id := range res.Balances {
		walletIDs = append(walletIDs, id)
	}
	sort.Strings(walletIDs)
	for _, id := range walletIDs {
		h.BroadcastBalance(res.OwnerID, BalanceUpdate{
			WalletID:   id,
			Balance:    res.Balances[id],
			MutationID: res.MutationID,
		})
	}
}

// MutationInconsistent sends nothing: the cached balances are not
// trustworthy until the mutation is reconciled.
func (h *Hub) MutationInconsistent(context.Context, models.Mutation, error) {}
