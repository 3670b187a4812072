package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"walletledger/internal/ledger"
	"walletledger/internal/models"
	"walletledger/internal/money"

	"github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	sent    []published
	err     error
	ctxDone bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.ctxDone = ctx.Err() != nil
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestPublisherMutationCommitted(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, "ledger", nil)
	p.now = func() time.Time { return time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC) }

	p.MutationCommitted(context.Background(), ledger.Result{
		MutationID:     "m-1",
		IdempotencyKey: "key-1",
		OwnerID:        "owner-1",
		Entries:        []models.LedgerEntry{{ID: "e-1"}, {ID: "e-2"}},
		Balances:       map[string]money.Money{"w-1": 900, "w-2": 100},
	})

	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(ch.sent))
	}
	got := ch.sent[0]
	if got.exchange != "ledger" || got.key != RoutingCommitted {
		t.Fatalf("unexpected routing: %s %s", got.exchange, got.key)
	}
	if got.msg.DeliveryMode != amqp091.Persistent || got.msg.MessageId != "m-1" {
		t.Fatalf("unexpected publishing: %#v", got.msg)
	}
	ev, err := MutationEventFromJSON(got.msg.Body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.EntryCount != 2 || ev.Balances["w-1"] != 900 || ev.OwnerID != "owner-1" {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestPublisherOutlivesCancelledCaller(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, "ledger", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.MutationInconsistent(ctx, models.Mutation{ID: "m-2", IdempotencyKey: "key-2"}, errors.New("undo failed"))

	if ch.ctxDone {
		t.Fatalf("publish context must not inherit the caller's cancellation")
	}
	if len(ch.sent) != 1 || ch.sent[0].key != RoutingInconsistent {
		t.Fatalf("unexpected messages: %#v", ch.sent)
	}
	ev, err := MutationEventFromJSON(ch.sent[0].msg.Body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Error != "undo failed" {
		t.Fatalf("unexpected error field: %q", ev.Error)
	}
}

func TestPublisherSwallowsBrokerErrors(t *testing.T) {
	ch := &fakeChannel{err: errors.New("connection closed")}
	p := NewPublisher(ch, "ledger", nil)
	p.MutationCommitted(context.Background(), ledger.Result{MutationID: "m-3"})
	if len(ch.sent) != 0 {
		t.Fatalf("expected nothing recorded, got %#v", ch.sent)
	}
}
