package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cashback-service/internal/config"
	"cashback-service/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const publishTimeout = 5 * time.Second

var errPublisherClosed = errors.New("publisher is closed")

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// channelOpener returns a ready channel and a func releasing it together with
// its connection.
type channelOpener func() (amqpChannel, func() error, error)

// Publisher sends balance messages to the ledger exchange. A channel that
// went away with the broker connection is reopened on the next publish.
type Publisher struct {
	exchange   string
	routingKey string
	log        *logrus.Logger
	open       channelOpener

	mu      sync.Mutex
	channel amqpChannel
	closer  func() error
	closed  bool
}

func New(cfg config.RabbitConfig, log *logrus.Logger) (*Publisher, error) {
	p := newPublisher(func() (amqpChannel, func() error, error) {
		return dial(cfg)
	}, cfg.BalanceExchange, cfg.BalanceRoutingKey, log)

	p.mu.Lock()
	err := p.connectLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"host":        cfg.Host,
		"exchange":    cfg.BalanceExchange,
		"routing_key": cfg.BalanceRoutingKey,
	}).Info("balance publisher connected to RabbitMQ")
	return p, nil
}

func dial(cfg config.RabbitConfig) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.BalanceExchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return ch, func() error {
		return multierr.Combine(ch.Close(), conn.Close())
	}, nil
}

func newPublisher(open channelOpener, exchange, routingKey string, log *logrus.Logger) *Publisher {
	return &Publisher{
		exchange:   exchange,
		routingKey: routingKey,
		log:        log,
		open:       open,
	}
}

// Publish sends msg as a persistent JSON message. The event id doubles as
// the AMQP message id so consumers can deduplicate redeliveries.
func (p *Publisher) Publish(ctx context.Context, msg model.BalanceMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal balance message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EventID,
		Timestamp:    time.Now().UTC(),
		Type:         messageType(msg),
		Body:         body,
	}

	ch, err := p.current()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, publishing)
	if errors.Is(err, amqp.ErrClosed) {
		p.log.WithError(err).Warn("balance publisher channel closed, reconnecting")
		if ch, err = p.reopen(ch); err != nil {
			return fmt.Errorf("reconnect balance publisher: %w", err)
		}
		err = ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, publishing)
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.exchange, err)
	}

	p.log.WithFields(logrus.Fields{
		"event_id":       msg.EventID,
		"transaction_id": msg.TransactionID,
		"amount":         msg.Amount.String(),
		"republished":    msg.Republished,
	}).Debug("balance message published")
	return nil
}

// current returns the open channel, dialing again if an earlier reconnect
// left none behind.
func (p *Publisher) current() (amqpChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errPublisherClosed
	}
	if p.channel == nil {
		if err := p.connectLocked(); err != nil {
			return nil, fmt.Errorf("reconnect balance publisher: %w", err)
		}
	}
	return p.channel, nil
}

// reopen replaces stale with a fresh channel. If another publish already
// replaced it, that channel is returned as is.
func (p *Publisher) reopen(stale amqpChannel) (amqpChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errPublisherClosed
	}
	if p.channel != nil && p.channel != stale {
		return p.channel, nil
	}

	if err := p.releaseLocked(); err != nil {
		p.log.WithError(err).Debug("failed to close stale publisher connection")
	}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	p.log.Info("balance publisher reconnected to RabbitMQ")
	return p.channel, nil
}

func (p *Publisher) connectLocked() error {
	ch, closer, err := p.open()
	if err != nil {
		return err
	}
	p.channel = ch
	p.closer = closer
	return nil
}

func (p *Publisher) releaseLocked() error {
	p.channel = nil
	if p.closer == nil {
		return nil
	}
	err := p.closer()
	p.closer = nil
	return err
}

func messageType(msg model.BalanceMessage) string {
	if msg.Amount.IsNegative() {
		return "cashback.reversed"
	}
	return "cashback.granted"
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return p.releaseLocked()
}
