package processor

import (
	"context"
	"strings"
	"sync"
	"time"

	"cashback-service/internal/model"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	processTimeout = 30 * time.Second
	maxRetries     = 3
)

// Kind tells which engine operation an update is for
type Kind string

const (
	KindTransaction  Kind = "transaction"
	KindCancellation Kind = "cancellation"
)

// Delivery results reported to the DeliveryRecorder
const (
	ResultAck     = "ack"
	ResultRequeue = "requeue"
	ResultReject  = "reject"
)

type IncomingUpdate struct {
	Kind          Kind
	Transaction   model.Transaction
	Republishing  bool
	TransactionID int64
	Delivery      amqp091.Delivery
}

// Engine is the cashback decision engine
type Engine interface {
	Process(ctx context.Context, tx model.Transaction, republishing bool) error
	Cancel(ctx context.Context, transactionID int64) error
}

type DeliveryRecorder interface {
	IncDelivery(kind, result string)
}

type nopRecorder struct{}

func (nopRecorder) IncDelivery(string, string) {}

// StartProcessorPool runs workers that hand updates to the engine and ack or
// requeue the underlying delivery. The returned WaitGroup is done once every
// worker has drained and exited.
func StartProcessorPool(
	ctx context.Context,
	engine Engine,
	updates <-chan IncomingUpdate,
	numWorkers int,
	recorder DeliveryRecorder,
	log *logrus.Logger,
) *sync.WaitGroup {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	log.Infof("Starting processor pool with %d workers", numWorkers)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, id, engine, updates, recorder, log)
		}(i)
	}
	return &wg
}

func runWorker(
	ctx context.Context,
	id int,
	engine Engine,
	updates <-chan IncomingUpdate,
	recorder DeliveryRecorder,
	log *logrus.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			Handle(ctx, id, engine, upd, recorder, log)
		}
	}
}

// Handle runs one update through the engine, retrying transient database
// errors, then settles the delivery. A failed attempt may already have stored
// the cashback, so transaction retries run as republishes: the engine then
// emits the stored reward instead of reporting a duplicate.
func Handle(
	ctx context.Context,
	workerID int,
	engine Engine,
	upd IncomingUpdate,
	recorder DeliveryRecorder,
	log *logrus.Logger,
) {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	fields := logrus.Fields{
		"worker_id":      workerID,
		"kind":           upd.Kind,
		"transaction_id": upd.transactionID(),
	}

	var err error
	attempt := upd
	for i := 0; i < maxRetries; i++ {
		if i > 0 && attempt.Kind == KindTransaction {
			attempt.Republishing = true
		}
		err = dispatch(ctx, engine, attempt)
		if err == nil {
			break
		}

		if isTransient(err) && i < maxRetries-1 {
			log.WithFields(fields).Warnf("Transient database error (attempt %d/%d). Retrying...", i+1, maxRetries)
			time.Sleep(time.Millisecond * time.Duration(100*(i+1)))
			continue
		}
		break
	}

	if err != nil {
		log.WithFields(fields).WithError(err).Error("cashback processing failed, requeueing")
		if nackErr := upd.Delivery.Nack(false, true); nackErr != nil {
			log.WithError(nackErr).Warn("failed to nack message")
		}
		recorder.IncDelivery(string(upd.Kind), ResultRequeue)
		return
	}

	if ackErr := upd.Delivery.Ack(false); ackErr != nil {
		log.WithError(ackErr).Warn("failed to ack message")
	}
	recorder.IncDelivery(string(upd.Kind), ResultAck)
}

func dispatch(ctx context.Context, engine Engine, upd IncomingUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	switch upd.Kind {
	case KindCancellation:
		return engine.Cancel(ctx, upd.TransactionID)
	default:
		return engine.Process(ctx, upd.Transaction, upd.Republishing)
	}
}

func (u IncomingUpdate) transactionID() int64 {
	if u.Kind == KindCancellation {
		return u.TransactionID
	}
	return u.Transaction.ID
}

// transientMarkers are the driver texts of MySQL deadlocks (error 1213) and
// Postgres serialization failures and deadlocks (40001, 40P01).
var transientMarkers = []string{
	"Error 1213",
	"Deadlock found",
	"deadlock detected",
	"SQLSTATE 40001",
	"SQLSTATE 40P01",
}

func isTransient(err error) bool {
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
