package cashback

import (
	"context"

	"cashback-service/internal/model"
	"github.com/shopspring/decimal"
)

// MerchantResolver maps a point-of-sale identifier to a merchant identity.
// ok is false when the MID could not be resolved, for whatever reason.
type MerchantResolver interface {
	Resolve(ctx context.Context, mid string) (merchantID string, ok bool)
}

// RateResolver returns the cashback percentage of a merchant, zero when the
// merchant has no active program.
type RateResolver interface {
	RateFor(ctx context.Context, merchantID string) (decimal.Decimal, error)
}

// Store persists at most one cashback per transaction.
type Store interface {
	// FindByTransactionID returns nil, nil when no cashback exists.
	FindByTransactionID(ctx context.Context, transactionID int64) (*model.Cashback, error)
	// Save inserts the cashback unless one already exists for its
	// transaction. created reports whether this call wrote the row.
	Save(ctx context.Context, cashback *model.Cashback) (created bool, err error)
	Delete(ctx context.Context, cashback *model.Cashback) error
}

// Publisher emits balance adjustments to the ledger.
type Publisher interface {
	Publish(ctx context.Context, msg model.BalanceMessage) error
}

// Observer receives the outcome of every decision.
type Observer interface {
	Observe(outcome Outcome)
}

// Outcome labels a finished decision.
type Outcome string

const (
	OutcomeGranted     Outcome = "granted"
	OutcomeRepublished Outcome = "republished"
	OutcomeNoMerchant  Outcome = "no_merchant"
	OutcomeZeroRate    Outcome = "zero_rate"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeCancelNoop  Outcome = "cancel_noop"
)

type noopObserver struct{}

func (noopObserver) Observe(Outcome) {}
