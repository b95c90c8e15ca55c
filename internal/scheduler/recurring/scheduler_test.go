package recurring

import (
	"context"
	"testing"
	"time"

	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/epoch"
	"p2p_energy_market/internal/escrow"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct{}

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeBeginner struct{}

func (fakeBeginner) Begin(ctx context.Context) (core.Tx, error) { return fakeTx{}, nil }

type fakeRecurringRepo struct {
	due        []*core.RecurringOrder
	advanced   []*core.RecurringOrder
	executions []*core.RecurringOrderExecution
}

func (f *fakeRecurringRepo) DueBatch(ctx context.Context, now time.Time, limit int) ([]*core.RecurringOrder, error) {
	return f.due, nil
}
func (f *fakeRecurringRepo) Advance(ctx context.Context, tx core.Tx, ro *core.RecurringOrder) error {
	f.advanced = append(f.advanced, ro)
	return nil
}
func (f *fakeRecurringRepo) RecordExecution(ctx context.Context, tx core.Tx, e *core.RecurringOrderExecution) error {
	f.executions = append(f.executions, e)
	return nil
}

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

type fakeEscrowRepo struct{}

func (fakeEscrowRepo) LockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	return nil
}
func (fakeEscrowRepo) LockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	return nil
}
func (fakeEscrowRepo) UnlockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	return nil
}
func (fakeEscrowRepo) UnlockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	return nil
}
func (fakeEscrowRepo) ReleaseOnMatch(ctx context.Context, tx core.Tx, buyOrderID, sellOrderID uuid.UUID, amount, price decimal.Decimal) error {
	return nil
}
func (fakeEscrowRepo) SumLocked(ctx context.Context, tx core.Tx, orderID uuid.UUID, assetType core.AssetType) (decimal.Decimal, error) {
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

func TestExecuteDailyRecurringOrderCompletesAtMaxExecutions(t *testing.T) {
	now := time.Now().UTC()
	maxExec := 5
	ro := &core.RecurringOrder{
		ID: uuid.New(), UserID: uuid.New(), Side: core.SideBuy,
		EnergyAmount: decimal.NewFromInt(2), MaxPrice: decimal.NewFromFloat(0.22),
		IntervalType: core.IntervalDaily, IntervalValue: 1,
		NextExecutionAt: now.Add(-time.Second), TotalExecutions: 4, MaxExecutions: &maxExec,
		Status: core.RecurringActive,
	}

	recurringRepo := &fakeRecurringRepo{due: []*core.RecurringOrder{ro}}
	orderRepo := &fakeOrderRepo{}
	epochRepo := &fakeEpochRepo{e: &core.Epoch{ID: uuid.New(), Status: core.EpochActive, StartTime: now.Add(-time.Minute), EndTime: now.Add(14 * time.Minute)}}
	reg := epoch.New(epochRepo, fakeBeginner{})

	s := New(recurringRepo, orderRepo, reg, escrow.New(fakeEscrowRepo{}), fakeBeginner{}, nil, nopLogger{}, time.Second)
	err := s.processDue(context.Background())
	require.NoError(t, err)

	require.Len(t, orderRepo.inserted, 1)
	child := orderRepo.inserted[0]
	assert.Equal(t, core.SideBuy, child.Side)
	assert.True(t, child.PricePerKWh.Equal(decimal.NewFromFloat(0.22)))
	assert.Equal(t, core.OrderTypeLimit, child.OrderType)

	require.Len(t, recurringRepo.advanced, 1)
	advanced := recurringRepo.advanced[0]
	assert.Equal(t, 5, advanced.TotalExecutions)
	assert.Equal(t, core.RecurringCompleted, advanced.Status)
	assert.WithinDuration(t, now.AddDate(0, 0, 1), advanced.NextExecutionAt, 5*time.Second)

	require.Len(t, recurringRepo.executions, 1)
	assert.Equal(t, core.ExecutionSuccess, recurringRepo.executions[0].Status)
	assert.Equal(t, child.ID, *recurringRepo.executions[0].ChildOrderID)
}
