package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cashback-service/internal/config"
	"cashback-service/internal/processor"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	consumerTimeout      = 30 * time.Second
)

type Consumer struct {
	cfg      config.RabbitConfig
	log      *logrus.Logger
	updates  chan<- processor.IncomingUpdate
	recorder processor.DeliveryRecorder

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	cfg config.RabbitConfig,
	log *logrus.Logger,
	updates chan<- processor.IncomingUpdate,
	recorder processor.DeliveryRecorder,
) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	c := newConsumer(cfg, log, updates, recorder)
	c.ctx = ctx
	c.cancel = cancel

	if err := c.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return c, nil
}

func newConsumer(
	cfg config.RabbitConfig,
	log *logrus.Logger,
	updates chan<- processor.IncomingUpdate,
	recorder processor.DeliveryRecorder,
) *Consumer {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Consumer{
		cfg:      cfg,
		log:      log,
		updates:  updates,
		recorder: recorder,
	}
}

type nopRecorder struct{}

func (nopRecorder) IncDelivery(string, string) {}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL())
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	for _, queue := range []string{c.cfg.TransactionQueue, c.cfg.CancellationQueue} {
		if _, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"host":               c.cfg.Host,
		"transaction_queue":  c.cfg.TransactionQueue,
		"cancellation_queue": c.cfg.CancellationQueue,
	}).Info("connected to RabbitMQ")

	// Monitor connection for errors
	go c.monitorConnection()

	return nil
}

func (c *Consumer) monitorConnection() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-notifyClose:
		if err != nil {
			c.log.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			c.reconnect()
		}
	case <-c.ctx.Done():
		return
	}
}

func (c *Consumer) reconnect() {
	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		c.log.WithField("attempt", attempt).Info("attempting to reconnect to RabbitMQ")

		if err := c.connect(); err == nil {
			c.log.Info("successfully reconnected to RabbitMQ")
			// Restart consuming in a new goroutine
			go func() {
				if err := c.Start(c.ctx); err != nil && c.ctx.Err() == nil {
					c.log.WithError(err).Error("failed to restart consumer after reconnect")
				}
			}()
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("reconnection failed, retrying")

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	c.log.Error("max reconnection attempts reached, giving up")
}

// Start consumes both queues until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()

	if channel == nil {
		return fmt.Errorf("channel is not initialized")
	}

	transactions, err := consume(channel, c.cfg.TransactionQueue)
	if err != nil {
		return err
	}
	cancellations, err := consume(channel, c.cfg.CancellationQueue)
	if err != nil {
		return err
	}

	c.log.WithField("workers", c.cfg.Workers).Info("starting consumer workers")

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, transactions, cancellations, i)
	}

	<-ctx.Done()
	c.log.Info("stopping consumer workers")
	c.wg.Wait()

	return nil
}

func consume(channel *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	msgs, err := channel.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", queue, err)
	}
	return msgs, nil
}

func (c *Consumer) worker(ctx context.Context, transactions, cancellations <-chan amqp.Delivery, workerID int) {
	defer c.wg.Done()

	c.log.WithField("worker_id", workerID).Debug("worker started")

	for transactions != nil || cancellations != nil {
		select {
		case <-ctx.Done():
			c.log.WithField("worker_id", workerID).Debug("worker stopped")
			return

		case msg, ok := <-transactions:
			if !ok {
				c.log.WithField("worker_id", workerID).Warn("transaction channel closed")
				transactions = nil
				continue
			}
			c.processMessage(ctx, msg, processor.KindTransaction, workerID)

		case msg, ok := <-cancellations:
			if !ok {
				c.log.WithField("worker_id", workerID).Warn("cancellation channel closed")
				cancellations = nil
				continue
			}
			c.processMessage(ctx, msg, processor.KindCancellation, workerID)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery, kind processor.Kind, workerID int) {
	ctx, cancel := context.WithTimeout(ctx, consumerTimeout)
	defer cancel()

	var (
		upd processor.IncomingUpdate
		err error
	)
	switch kind {
	case processor.KindCancellation:
		upd, err = decodeCancellation(msg)
	default:
		upd, err = decodeTransaction(msg)
	}
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"worker_id": workerID,
			"kind":      kind,
			"error":     err,
			"body":      string(msg.Body),
		}).Error("invalid message")

		// Reject and don't requeue malformed messages
		_ = msg.Nack(false, false)
		c.recorder.IncDelivery(string(kind), processor.ResultReject)
		return
	}

	select {
	case c.updates <- upd:
		c.log.WithFields(logrus.Fields{
			"worker_id":      workerID,
			"kind":           kind,
			"transaction_id": transactionID(upd),
			"republishing":   upd.Republishing,
		}).Debug("message sent to processor")
	case <-ctx.Done():
		c.log.WithField("worker_id", workerID).Warn("context cancelled while sending message")
		_ = msg.Nack(false, true) // Requeue
		c.recorder.IncDelivery(string(kind), processor.ResultRequeue)
		return
	}
}

func transactionID(upd processor.IncomingUpdate) int64 {
	if upd.Kind == processor.KindCancellation {
		return upd.TransactionID
	}
	return upd.Transaction.ID
}

func (c *Consumer) Close() error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.channel != nil {
		err = multierr.Append(err, c.channel.Close())
		c.channel = nil
	}

	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
		c.conn = nil
	}

	c.log.Info("consumer closed")
	return err
}
