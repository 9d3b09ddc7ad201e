// Package cashback decides whether a transaction earns cashback, persists the
// reward and emits the matching balance adjustment.
//
// The manager holds no state between calls. Uniqueness of the cashback per
// transaction is enforced by the Store (insert if absent); the lookup before
// insert only short-circuits republishing and is not race-free on its own.
package cashback

import (
	"context"
	"errors"
	"fmt"

	"cashback-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var hundred = decimal.NewFromInt(100)

type Manager struct {
	merchants MerchantResolver
	rates     RateResolver
	store     Store
	publisher Publisher
	observer  Observer
	log       *logrus.Logger
}

type Option func(*Manager)

// WithObserver reports decision outcomes to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

func NewManager(
	merchants MerchantResolver,
	rates RateResolver,
	store Store,
	publisher Publisher,
	log *logrus.Logger,
	opts ...Option,
) (*Manager, error) {
	if merchants == nil {
		return nil, errors.New("merchant resolver is required")
	}
	if rates == nil {
		return nil, errors.New("rate resolver is required")
	}
	if store == nil {
		return nil, errors.New("cashback store is required")
	}
	if publisher == nil {
		return nil, errors.New("balance publisher is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	m := &Manager{
		merchants: merchants,
		rates:     rates,
		store:     store,
		publisher: publisher,
		observer:  noopObserver{},
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Process evaluates tx. When republishing and a cashback already exists, the
// stored reward is emitted again instead of being recomputed.
func (m *Manager) Process(ctx context.Context, tx model.Transaction, republishing bool) error {
	fields := logrus.Fields{
		"transaction_id": tx.ID,
		"mid":            tx.MID,
	}

	if republishing {
		existing, err := m.store.FindByTransactionID(ctx, tx.ID)
		if err != nil {
			return fmt.Errorf("find cashback: %w", err)
		}
		if existing != nil {
			if err := m.publisher.Publish(ctx, model.BalanceMessage{
				EventID:       GrantEventID(tx.ID),
				BankAccountID: tx.BankAccountID,
				Amount:        existing.AmountReturned,
				TransactionID: tx.ID,
				Republished:   true,
			}); err != nil {
				return fmt.Errorf("republish balance message: %w", err)
			}
			m.log.WithFields(fields).WithField("amount", existing.AmountReturned.String()).
				Info("republished existing cashback")
			m.observer.Observe(OutcomeRepublished)
			return nil
		}
	}

	return m.grant(ctx, tx, fields)
}

func (m *Manager) grant(ctx context.Context, tx model.Transaction, fields logrus.Fields) error {
	merchantID, ok := m.merchants.Resolve(ctx, tx.MID)
	if !ok {
		m.log.WithFields(fields).Debug("merchant not resolved, no cashback")
		m.observer.Observe(OutcomeNoMerchant)
		return nil
	}
	fields["merchant_id"] = merchantID
	m.log.WithFields(fields).Info("merchant found for MID")

	rate, err := m.rates.RateFor(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("cashback rate for %s: %w", merchantID, err)
	}
	if rate.IsZero() {
		m.log.WithFields(fields).Info("no cashback rate for merchant")
		m.observer.Observe(OutcomeZeroRate)
		return nil
	}

	reward := Reward(tx.Amount, rate)
	fields["rate"] = rate.String()
	fields["amount"] = tx.Amount.String()
	fields["reward"] = reward.String()

	cb := &model.Cashback{
		BankAccountID:        tx.BankAccountID,
		TransactionAmount:    tx.Amount,
		AmountReturned:       reward,
		TransactionID:        tx.ID,
		MerchantID:           merchantID,
		NetworkTransactionID: tx.NetworkTransactionID,
	}
	created, err := m.store.Save(ctx, cb)
	if err != nil {
		return fmt.Errorf("save cashback: %w", err)
	}
	if !created {
		// A concurrent delivery of the same transaction won the insert and
		// owns the publish.
		m.log.WithFields(fields).Warn("cashback already recorded for transaction, skipping publish")
		m.observer.Observe(OutcomeDuplicate)
		return nil
	}

	if err := m.publisher.Publish(ctx, model.BalanceMessage{
		EventID:       GrantEventID(tx.ID),
		BankAccountID: tx.BankAccountID,
		Amount:        reward,
		TransactionID: tx.ID,
		Republished:   false,
	}); err != nil {
		return fmt.Errorf("publish balance message: %w", err)
	}

	m.log.WithFields(fields).Info("cashback applied")
	m.observer.Observe(OutcomeGranted)
	return nil
}

// Cancel reverses the cashback of transactionID. Cancelling a transaction
// without cashback is a no-op.
func (m *Manager) Cancel(ctx context.Context, transactionID int64) error {
	existing, err := m.store.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("find cashback: %w", err)
	}
	if existing == nil {
		m.log.WithField("transaction_id", transactionID).Debug("no cashback to cancel")
		m.observer.Observe(OutcomeCancelNoop)
		return nil
	}

	m.log.WithFields(logrus.Fields{
		"transaction_id": transactionID,
		"amount":         existing.AmountReturned.String(),
	}).Info("cancel cashback of transaction")

	if err := m.store.Delete(ctx, existing); err != nil {
		return fmt.Errorf("delete cashback: %w", err)
	}

	if err := m.publisher.Publish(ctx, model.BalanceMessage{
		EventID:       CancelEventID(existing.TransactionID),
		BankAccountID: existing.BankAccountID,
		Amount:        existing.AmountReturned.Neg(),
		TransactionID: existing.TransactionID,
		Republished:   false,
	}); err != nil {
		return fmt.Errorf("publish reversal: %w", err)
	}

	m.observer.Observe(OutcomeCancelled)
	return nil
}

// Reward is amount × rate / 100, rounded to the scale the cashback table
// stores so that replays and reversals emit exactly the granted amount.
func Reward(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred).Round(model.AmountScale)
}
