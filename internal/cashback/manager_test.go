package cashback

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"cashback-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMerchants struct {
	byMID map[string]string
	calls int
}

func (f *fakeMerchants) Resolve(_ context.Context, mid string) (string, bool) {
	f.calls++
	id, ok := f.byMID[mid]
	return id, ok
}

type fakeRates struct {
	rates map[string]decimal.Decimal
	err   error
	calls int
}

func (f *fakeRates) RateFor(_ context.Context, merchantID string) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.rates[merchantID], nil
}

type memStore struct {
	mu        sync.Mutex
	rows      map[int64]model.Cashback
	findErr   error
	saveErr   error
	deleteErr error
	saves     int
}

func newMemStore() *memStore {
	return &memStore{rows: map[int64]model.Cashback{}}
}

func (s *memStore) FindByTransactionID(_ context.Context, id int64) (*model.Cashback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	cb, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &cb, nil
}

func (s *memStore) Save(_ context.Context, cb *model.Cashback) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return false, s.saveErr
	}
	if _, ok := s.rows[cb.TransactionID]; ok {
		return false, nil
	}
	s.rows[cb.TransactionID] = *cb
	return true, nil
}

func (s *memStore) Delete(_ context.Context, cb *model.Cashback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.rows, cb.TransactionID)
	return nil
}

type recordingPublisher struct {
	msgs []model.BalanceMessage
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg model.BalanceMessage) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

type recordingObserver struct {
	outcomes []Outcome
}

func (o *recordingObserver) Observe(outcome Outcome) {
	o.outcomes = append(o.outcomes, outcome)
}

type fixture struct {
	merchants *fakeMerchants
	rates     *fakeRates
	store     *memStore
	publisher *recordingPublisher
	observer  *recordingObserver
	manager   *Manager
}

func newFixture(t *testing.T, rate string) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{
		merchants: &fakeMerchants{byMID: map[string]string{"M1": "S1"}},
		rates:     &fakeRates{rates: map[string]decimal.Decimal{"S1": decimal.RequireFromString(rate)}},
		store:     newMemStore(),
		publisher: &recordingPublisher{},
		observer:  &recordingObserver{},
	}
	m, err := NewManager(f.merchants, f.rates, f.store, f.publisher, log, WithObserver(f.observer))
	require.NoError(t, err)
	f.manager = m
	return f
}

func sampleTransaction() model.Transaction {
	return model.Transaction{
		ID:                   42,
		BankAccountID:        "A1",
		MID:                  "M1",
		Amount:               decimal.RequireFromString("100.0"),
		NetworkTransactionID: "MC-42",
	}
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	log := logrus.New()
	_, err := NewManager(nil, &fakeRates{}, newMemStore(), &recordingPublisher{}, log)
	assert.Error(t, err)
	_, err = NewManager(&fakeMerchants{}, nil, newMemStore(), &recordingPublisher{}, log)
	assert.Error(t, err)
	_, err = NewManager(&fakeMerchants{}, &fakeRates{}, nil, &recordingPublisher{}, log)
	assert.Error(t, err)
	_, err = NewManager(&fakeMerchants{}, &fakeRates{}, newMemStore(), nil, log)
	assert.Error(t, err)
	_, err = NewManager(&fakeMerchants{}, &fakeRates{}, newMemStore(), &recordingPublisher{}, nil)
	assert.Error(t, err)
}

func TestProcessGrantsCashback(t *testing.T) {
	f := newFixture(t, "5.0")

	require.NoError(t, f.manager.Process(context.Background(), sampleTransaction(), false))

	stored, ok := f.store.rows[42]
	require.True(t, ok)
	assert.True(t, stored.AmountReturned.Equal(decimal.NewFromInt(5)), "reward %s", stored.AmountReturned)
	assert.True(t, stored.TransactionAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "A1", stored.BankAccountID)
	assert.Equal(t, "S1", stored.MerchantID)
	assert.Equal(t, "MC-42", stored.NetworkTransactionID)

	require.Len(t, f.publisher.msgs, 1)
	msg := f.publisher.msgs[0]
	assert.Equal(t, "A1", msg.BankAccountID)
	assert.True(t, msg.Amount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(42), msg.TransactionID)
	assert.False(t, msg.Republished)
	assert.Equal(t, GrantEventID(42), msg.EventID)
	assert.Equal(t, []Outcome{OutcomeGranted}, f.observer.outcomes)
}

func TestProcessZeroRateIsNoop(t *testing.T) {
	f := newFixture(t, "0")

	require.NoError(t, f.manager.Process(context.Background(), sampleTransaction(), false))

	assert.Empty(t, f.store.rows)
	assert.Zero(t, f.store.saves)
	assert.Empty(t, f.publisher.msgs)
	assert.Equal(t, []Outcome{OutcomeZeroRate}, f.observer.outcomes)
}

func TestProcessUnresolvedMerchantIsNoop(t *testing.T) {
	f := newFixture(t, "5")
	tx := sampleTransaction()
	tx.MID = "unknown"

	require.NoError(t, f.manager.Process(context.Background(), tx, false))

	assert.Zero(t, f.rates.calls)
	assert.Empty(t, f.store.rows)
	assert.Empty(t, f.publisher.msgs)
	assert.Equal(t, []Outcome{OutcomeNoMerchant}, f.observer.outcomes)
}

func TestProcessRewardComputation(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		rate   string
		want   string
	}{
		{name: "whole percent", amount: "100", rate: "5", want: "5"},
		{name: "fractional rate", amount: "80", rate: "2.5", want: "2"},
		{name: "fractional amount", amount: "19.99", rate: "10", want: "1.999"},
		{name: "small rate", amount: "12.34", rate: "0.5", want: "0.0617"},
		{name: "rounded to stored scale", amount: "10.01", rate: "1.125", want: "0.112613"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.rate)
			tx := sampleTransaction()
			tx.Amount = decimal.RequireFromString(tc.amount)

			require.NoError(t, f.manager.Process(context.Background(), tx, false))

			want := decimal.RequireFromString(tc.want)
			require.Len(t, f.publisher.msgs, 1)
			assert.True(t, f.publisher.msgs[0].Amount.Equal(want), "got %s want %s", f.publisher.msgs[0].Amount, want)
			assert.True(t, f.store.rows[42].AmountReturned.Equal(want))
		})
	}
}

func TestProcessRepublishReusesStoredReward(t *testing.T) {
	f := newFixture(t, "5")
	ctx := context.Background()
	require.NoError(t, f.manager.Process(ctx, sampleTransaction(), false))

	// A later rate change must not affect the replayed amount.
	f.rates.rates["S1"] = decimal.NewFromInt(50)
	f.merchants.calls = 0

	require.NoError(t, f.manager.Process(ctx, sampleTransaction(), true))

	assert.Zero(t, f.merchants.calls)
	assert.Equal(t, 1, f.store.saves)
	assert.Len(t, f.store.rows, 1)
	require.Len(t, f.publisher.msgs, 2)
	replay := f.publisher.msgs[1]
	assert.True(t, replay.Republished)
	assert.True(t, replay.Amount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(42), replay.TransactionID)
	assert.Equal(t, "A1", replay.BankAccountID)
	assert.Equal(t, f.publisher.msgs[0].EventID, replay.EventID)
	assert.Equal(t, []Outcome{OutcomeGranted, OutcomeRepublished}, f.observer.outcomes)
}

func TestProcessRepublishFallsThroughWithoutCashback(t *testing.T) {
	tests := []struct {
		name     string
		mid      string
		rate     string
		persists bool
		outcome  Outcome
	}{
		{name: "unresolved merchant", mid: "nope", rate: "5", outcome: OutcomeNoMerchant},
		{name: "zero rate", mid: "M1", rate: "0", outcome: OutcomeZeroRate},
		{name: "positive rate", mid: "M1", rate: "5", persists: true, outcome: OutcomeGranted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.rate)
			tx := sampleTransaction()
			tx.MID = tc.mid

			require.NoError(t, f.manager.Process(context.Background(), tx, true))

			assert.Equal(t, []Outcome{tc.outcome}, f.observer.outcomes)
			if !tc.persists {
				assert.Empty(t, f.store.rows)
				assert.Empty(t, f.publisher.msgs)
				return
			}
			require.Len(t, f.publisher.msgs, 1)
			assert.False(t, f.publisher.msgs[0].Republished)
			assert.True(t, f.publisher.msgs[0].Amount.Equal(decimal.NewFromInt(5)))
			assert.Len(t, f.store.rows, 1)
		})
	}
}

func TestProcessLostInsertRaceDoesNotPublish(t *testing.T) {
	f := newFixture(t, "5")
	f.store.rows[42] = model.Cashback{TransactionID: 42, BankAccountID: "A1", AmountReturned: decimal.NewFromInt(5)}

	require.NoError(t, f.manager.Process(context.Background(), sampleTransaction(), false))

	assert.Len(t, f.store.rows, 1)
	assert.Empty(t, f.publisher.msgs)
	assert.Equal(t, []Outcome{OutcomeDuplicate}, f.observer.outcomes)
}

func TestProcessPropagatesCollaboratorErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("rate resolver", func(t *testing.T) {
		f := newFixture(t, "5")
		f.rates.err = boom
		err := f.manager.Process(context.Background(), sampleTransaction(), false)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, f.store.rows)
		assert.Empty(t, f.publisher.msgs)
	})

	t.Run("store save", func(t *testing.T) {
		f := newFixture(t, "5")
		f.store.saveErr = boom
		err := f.manager.Process(context.Background(), sampleTransaction(), false)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, f.publisher.msgs)
	})

	t.Run("publisher after persist", func(t *testing.T) {
		f := newFixture(t, "5")
		f.publisher.err = boom
		err := f.manager.Process(context.Background(), sampleTransaction(), false)
		assert.ErrorIs(t, err, boom)
		// persisted before publish; a republish recovers the event
		assert.Len(t, f.store.rows, 1)

		f.publisher.err = nil
		require.NoError(t, f.manager.Process(context.Background(), sampleTransaction(), true))
		require.Len(t, f.publisher.msgs, 1)
		assert.True(t, f.publisher.msgs[0].Republished)
	})

	t.Run("republish lookup", func(t *testing.T) {
		f := newFixture(t, "5")
		f.store.findErr = boom
		err := f.manager.Process(context.Background(), sampleTransaction(), true)
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, f.merchants.calls)
	})
}

func TestRewardAmountIsStableAcrossGrantRepublishAndCancel(t *testing.T) {
	f := newFixture(t, "1.125")
	ctx := context.Background()
	tx := sampleTransaction()
	tx.Amount = decimal.RequireFromString("10.01")

	require.NoError(t, f.manager.Process(ctx, tx, false))
	require.NoError(t, f.manager.Process(ctx, tx, true))
	require.NoError(t, f.manager.Cancel(ctx, tx.ID))

	require.Len(t, f.publisher.msgs, 3)
	granted := f.publisher.msgs[0].Amount
	assert.True(t, granted.Equal(decimal.RequireFromString("0.112613")), "granted %s", granted)
	assert.True(t, f.publisher.msgs[1].Amount.Equal(granted), "republished %s", f.publisher.msgs[1].Amount)
	assert.True(t, f.publisher.msgs[2].Amount.Equal(granted.Neg()), "reversed %s", f.publisher.msgs[2].Amount)
	assert.True(t, granted.Add(f.publisher.msgs[2].Amount).IsZero())
}

func TestCancelReversesCashbackOnce(t *testing.T) {
	f := newFixture(t, "5")
	ctx := context.Background()
	require.NoError(t, f.manager.Process(ctx, sampleTransaction(), false))

	require.NoError(t, f.manager.Cancel(ctx, 42))

	assert.Empty(t, f.store.rows)
	require.Len(t, f.publisher.msgs, 2)
	reversal := f.publisher.msgs[1]
	assert.True(t, reversal.Amount.Equal(decimal.NewFromInt(-5)))
	assert.Equal(t, int64(42), reversal.TransactionID)
	assert.Equal(t, "A1", reversal.BankAccountID)
	assert.False(t, reversal.Republished)
	assert.Equal(t, CancelEventID(42), reversal.EventID)

	require.NoError(t, f.manager.Cancel(ctx, 42))
	assert.Len(t, f.publisher.msgs, 2)
	assert.Equal(t, []Outcome{OutcomeGranted, OutcomeCancelled, OutcomeCancelNoop}, f.observer.outcomes)
}

func TestCancelUnknownTransactionIsNoop(t *testing.T) {
	f := newFixture(t, "5")

	require.NoError(t, f.manager.Cancel(context.Background(), 7))

	assert.Empty(t, f.publisher.msgs)
}

func TestCancelUsesStoredRecord(t *testing.T) {
	f := newFixture(t, "5")
	f.store.rows[9] = model.Cashback{TransactionID: 9, BankAccountID: "B2", AmountReturned: decimal.RequireFromString("1.25")}

	require.NoError(t, f.manager.Cancel(context.Background(), 9))

	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, "B2", f.publisher.msgs[0].BankAccountID)
	assert.True(t, f.publisher.msgs[0].Amount.Equal(decimal.RequireFromString("-1.25")))
}

func TestCancelDeleteFailureDoesNotPublish(t *testing.T) {
	f := newFixture(t, "5")
	f.store.rows[42] = model.Cashback{TransactionID: 42, AmountReturned: decimal.NewFromInt(5)}
	boom := errors.New("boom")
	f.store.deleteErr = boom

	err := f.manager.Cancel(context.Background(), 42)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.publisher.msgs)
}

func TestEventIDsAreStablePerKind(t *testing.T) {
	assert.Equal(t, GrantEventID(42), GrantEventID(42))
	assert.NotEqual(t, GrantEventID(42), GrantEventID(43))
	assert.NotEqual(t, GrantEventID(42), CancelEventID(42))
}

func TestProcessAndCancelApplyNoIDGuard(t *testing.T) {
	// Ids are validated where payloads are decoded; the engine treats every
	// id the same on both paths.
	f := newFixture(t, "5")
	ctx := context.Background()
	tx := sampleTransaction()
	tx.ID = 0

	require.NoError(t, f.manager.Process(ctx, tx, false))
	require.NoError(t, f.manager.Cancel(ctx, 0))

	require.Len(t, f.publisher.msgs, 2)
	assert.True(t, f.publisher.msgs[0].Amount.Equal(decimal.NewFromInt(5)))
	assert.True(t, f.publisher.msgs[1].Amount.Equal(decimal.NewFromInt(-5)))
	assert.Empty(t, f.store.rows)
	assert.Equal(t, []Outcome{OutcomeGranted, OutcomeCancelled}, f.observer.outcomes)
}
