package durable

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/epoch"
	"p2p_energy_market/internal/escrow"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDBOSContext replays a fixed sequence of step results, mirroring
// the crash/resume behaviour of the real DBOS runtime. A step index marked
// replayed in skip returns its recorded result without invoking fn at all,
// the same guarantee DBOS gives a workflow resumed after a crash: a step
// that already committed never runs its side effect twice.
type scriptedDBOSContext struct {
	dbos.DBOSContext
	results []any
	errs    []error
	skip    []bool
	index   int
}

func (m *scriptedDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	if m.index >= len(m.results) {
		return nil, fmt.Errorf("unexpected step call at index %d", m.index)
	}
	i := m.index
	m.index++
	if i < len(m.skip) && m.skip[i] {
		return m.results[i], m.errs[i]
	}
	res, err := fn(context.Background())
	if err != nil {
		return res, err
	}
	return res, m.errs[i]
}

type fakeTx struct{}

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeBeginner struct{}

func (fakeBeginner) Begin(ctx context.Context) (core.Tx, error) { return fakeTx{}, nil }

type fakeOrderRepo struct {
	inserted []*core.Order
}

func (f *fakeOrderRepo) Insert(ctx context.Context, tx core.Tx, o *core.Order) error {
	f.inserted = append(f.inserted, o)
	return nil
}
func (f *fakeOrderRepo) Update(ctx context.Context, tx core.Tx, o *core.Order) error { return nil }
func (f *fakeOrderRepo) Get(ctx context.Context, id uuid.UUID) (*core.Order, error) { return nil, nil }
func (f *fakeOrderRepo) OpenBuys(ctx context.Context, epochID uuid.UUID) ([]*core.Order, error) {
	return nil, nil
}
func (f *fakeOrderRepo) OpenSellsSorted(ctx context.Context, epochID uuid.UUID) ([]*core.Order, error) {
	return nil, nil
}
func (f *fakeOrderRepo) ExpireStale(ctx context.Context, now time.Time) ([]*core.Order, error) {
	return nil, nil
}
func (f *fakeOrderRepo) PendingConditional(ctx context.Context, limit int, now time.Time) ([]*core.Order, error) {
	return nil, nil
}
func (f *fakeOrderRepo) RecentFilledAveragePrice(ctx context.Context, since time.Time) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}
func (f *fakeOrderRepo) CountInEpoch(ctx context.Context, epochID uuid.UUID) (int64, error) {
	return 0, nil
}
func (f *fakeOrderRepo) LatestMeterZone(ctx context.Context, userID uuid.UUID) (*int32, error) {
	return nil, nil
}

type fakeEpochRepo struct{ e *core.Epoch }

func (f *fakeEpochRepo) Insert(ctx context.Context, tx core.Tx, e *core.Epoch) error { return nil }
func (f *fakeEpochRepo) Update(ctx context.Context, tx core.Tx, e *core.Epoch) error { return nil }
func (f *fakeEpochRepo) GetByNumber(ctx context.Context, epochNumber int64) (*core.Epoch, error) {
	return f.e, nil
}
func (f *fakeEpochRepo) Latest(ctx context.Context) (*core.Epoch, error) { return f.e, nil }
func (f *fakeEpochRepo) PendingEnteringWindow(ctx context.Context, now time.Time) ([]*core.Epoch, error) {
	return nil, nil
}
func (f *fakeEpochRepo) ActiveExpired(ctx context.Context, now time.Time) ([]*core.Epoch, error) {
	return nil, nil
}
func (f *fakeEpochRepo) ClearedUnsettled(ctx context.Context) ([]*core.Epoch, error) { return nil, nil }
func (f *fakeEpochRepo) RecentClearedOrSettled(ctx context.Context, limit int) ([]*core.Epoch, error) {
	return nil, nil
}

type fakeEscrowRepo struct {
	funds  int
	energy int
}

func (f *fakeEscrowRepo) LockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	f.funds++
	return nil
}
func (f *fakeEscrowRepo) LockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	f.energy++
	return nil
}
func (f *fakeEscrowRepo) UnlockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	return nil
}
func (f *fakeEscrowRepo) UnlockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	return nil
}
func (f *fakeEscrowRepo) ReleaseOnMatch(ctx context.Context, tx core.Tx, buyOrderID, sellOrderID uuid.UUID, amount, price decimal.Decimal) error {
	return nil
}
func (f *fakeEscrowRepo) SumLocked(ctx context.Context, tx core.Tx, orderID uuid.UUID, assetType core.AssetType) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})               {}
func (nopLogger) Info(msg string, fields ...interface{})                {}
func (nopLogger) Warn(msg string, fields ...interface{})                {}
func (nopLogger) Error(msg string, fields ...interface{})                {}
func (nopLogger) Fatal(msg string, fields ...interface{})                {}
func (nopLogger) WithField(key string, value interface{}) core.ILogger  { return nopLogger{} }
func (nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return nopLogger{} }

func newWorkflows(orderRepo *fakeOrderRepo, escrowRepo *fakeEscrowRepo, now time.Time) *Workflows {
	epochRepo := &fakeEpochRepo{e: &core.Epoch{ID: uuid.New(), Status: core.EpochActive, StartTime: now.Add(-time.Minute), EndTime: now.Add(14 * time.Minute)}}
	reg := epoch.New(epochRepo, fakeBeginner{})
	ledger := escrow.New(escrowRepo)
	return NewWorkflows(orderRepo, reg, ledger, nil, nil, fakeBeginner{}, nil, nil, nopLogger{})
}

func TestCreateOrderInsertsAndLocksFunds(t *testing.T) {
	now := time.Now().UTC()
	orderRepo := &fakeOrderRepo{}
	escrowRepo := &fakeEscrowRepo{}
	w := newWorkflows(orderRepo, escrowRepo, now)

	input := CreateOrderInput{
		UserID: uuid.New(), Side: core.SideBuy, OrderType: core.OrderTypeLimit,
		EnergyAmount: decimal.NewFromInt(3), Price: decimal.NewFromFloat(0.20),
	}

	mockCtx := &scriptedDBOSContext{
		results: []any{nil},
		errs:    []error{nil},
	}

	result, err := w.CreateOrder(mockCtx, input)
	require.NoError(t, err)

	order := result.(*core.Order)
	require.Len(t, orderRepo.inserted, 1)
	assert.Equal(t, order.ID, orderRepo.inserted[0].ID)
	assert.Equal(t, 1, escrowRepo.funds)
	assert.Equal(t, 0, escrowRepo.energy)
}

// TestCreateOrderResumesAfterCrash simulates a crash after the insert step
// committed but before the workflow returned: a second invocation with a
// DBOS context that replays the cached step-1 result must not insert the
// order or lock escrow a second time.
func TestCreateOrderResumesAfterCrash(t *testing.T) {
	now := time.Now().UTC()
	orderRepo := &fakeOrderRepo{}
	escrowRepo := &fakeEscrowRepo{}
	w := newWorkflows(orderRepo, escrowRepo, now)

	input := CreateOrderInput{
		UserID: uuid.New(), Side: core.SideSell, OrderType: core.OrderTypeLimit,
		EnergyAmount: decimal.NewFromInt(2), Price: decimal.NewFromFloat(0.15),
	}

	firstAttempt := &scriptedDBOSContext{
		results: []any{nil},
		errs:    []error{errors.New("process killed mid-step")},
	}
	_, err := w.CreateOrder(firstAttempt, input)
	require.Error(t, err)
	require.Len(t, orderRepo.inserted, 1, "the step's side effect still ran once before the simulated crash")

	cachedOrder := orderRepo.inserted[0]
	resumedAttempt := &scriptedDBOSContext{
		results: []any{cachedOrder},
		errs:    []error{nil},
		skip:    []bool{true},
	}
	result, err := w.CreateOrder(resumedAttempt, input)
	require.NoError(t, err)
	assert.Equal(t, cachedOrder.ID, result.(*core.Order).ID)
	assert.Len(t, orderRepo.inserted, 1, "replay must not re-run the insert step's side effect")
	assert.Equal(t, 1, escrowRepo.funds+escrowRepo.energy, "replay must not re-lock escrow")
}
