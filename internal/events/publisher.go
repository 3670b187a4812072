// Package events publishes settled mutations to an AMQP topic exchange.
package events

import (
	"context"
	"fmt"
	"time"

	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/models"

	"github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// Channel is the part of *amqp091.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher is a ledger.Observer. Publishing failures are logged and never
// reach the caller of the mutation.
type Publisher struct {
	conn     *amqp091.Connection
	channel  Channel
	exchange string
	logger   *log.Logger
	now      func() time.Time
}

var _ ledger.Observer = (*Publisher)(nil)

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange string, logger *log.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p := NewPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func NewPublisher(ch Channel, exchange string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Discard()
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger.WithComponent(log.ComponentEvents),
		now:      time.Now,
	}
}

func (p *Publisher) MutationCommitted(ctx context.Context, res ledger.Result) {
	p.publish(ctx, RoutingCommitted, committedEvent(res, p.now().UTC()))
}

func (p *Publisher) MutationInconsistent(ctx context.Context, m models.Mutation, cause error) {
	p.publish(ctx, RoutingInconsistent, inconsistentEvent(m, cause, p.now().UTC()))
}

func (p *Publisher) publish(ctx context.Context, key string, ev MutationEvent) {
	body, err := ev.ToJSON()
	if err != nil {
		p.logger.Failure(ctx, log.OpPublish, err, log.FieldMutationID, ev.MutationID)
		return
	}
	// The mutation is settled; a caller that went away must not drop the event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    ev.MutationID,
			Timestamp:    ev.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Failure(ctx, log.OpPublish, err,
			log.FieldMutationID, ev.MutationID,
			log.FieldIdempotencyKey, ev.IdempotencyKey)
		return
	}
	p.logger.DebugContext(ctx, "published mutation event",
		log.FieldMutationID, ev.MutationID,
		log.FieldStatus, key)
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
