package marketclearing

import (
	"context"
	"testing"
	"time"

	"p2p_energy_market/internal/apperrors"
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

type fakeOrderRepo struct {
	inserted []*core.Order
	byID     map[uuid.UUID]*core.Order
	zone     *int32
	count    int64
}

func newFakeOrderRepo() *fakeOrderRepo { return &fakeOrderRepo{byID: map[uuid.UUID]*core.Order{}} }

func (f *fakeOrderRepo) Insert(ctx context.Context, tx core.Tx, o *core.Order) error {
	f.inserted = append(f.inserted, o)
	f.byID[o.ID] = o
	return nil
}
func (f *fakeOrderRepo) Update(ctx context.Context, tx core.Tx, o *core.Order) error {
	f.byID[o.ID] = o
	return nil
}
func (f *fakeOrderRepo) Get(ctx context.Context, id uuid.UUID) (*core.Order, error) {
	o, ok := f.byID[id]
	if !ok {
		return nil, assert.AnError
	}
	return o, nil
}
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
	return f.count, nil
}
func (f *fakeOrderRepo) LatestMeterZone(ctx context.Context, userID uuid.UUID) (*int32, error) {
	return f.zone, nil
}

type fakeEpochRepo struct {
	byNumber map[int64]*core.Epoch
}

func newFakeEpochRepo() *fakeEpochRepo { return &fakeEpochRepo{byNumber: map[int64]*core.Epoch{}} }

func (f *fakeEpochRepo) Insert(ctx context.Context, tx core.Tx, e *core.Epoch) error {
	if _, exists := f.byNumber[e.EpochNumber]; !exists {
		f.byNumber[e.EpochNumber] = e
	}
	return nil
}
func (f *fakeEpochRepo) Update(ctx context.Context, tx core.Tx, e *core.Epoch) error {
	f.byNumber[e.EpochNumber] = e
	return nil
}
func (f *fakeEpochRepo) GetByNumber(ctx context.Context, epochNumber int64) (*core.Epoch, error) {
	e, ok := f.byNumber[epochNumber]
	if !ok {
		return nil, apperrors.NewNotFound("epoch not found")
	}
	return e, nil
}
func (f *fakeEpochRepo) Latest(ctx context.Context) (*core.Epoch, error)               { return nil, nil }
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
	lockedFunds  decimal.Decimal
	lockedEnergy decimal.Decimal
}

func (f *fakeEscrowRepo) LockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	f.lockedFunds = f.lockedFunds.Add(amount)
	return nil
}
func (f *fakeEscrowRepo) LockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	f.lockedEnergy = f.lockedEnergy.Add(amount)
	return nil
}
func (f *fakeEscrowRepo) UnlockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	f.lockedFunds = f.lockedFunds.Sub(amount)
	return nil
}
func (f *fakeEscrowRepo) UnlockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	f.lockedEnergy = f.lockedEnergy.Sub(amount)
	return nil
}
func (f *fakeEscrowRepo) ReleaseOnMatch(ctx context.Context, tx core.Tx, buyOrderID, sellOrderID uuid.UUID, amount, price decimal.Decimal) error {
	return nil
}
func (f *fakeEscrowRepo) SumLocked(ctx context.Context, tx core.Tx, orderID uuid.UUID, assetType core.AssetType) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func newTestService() (*Service, *fakeOrderRepo, *fakeEscrowRepo) {
	orderRepo := newFakeOrderRepo()
	epochRepo := newFakeEpochRepo()
	escrowRepo := &fakeEscrowRepo{}
	reg := epoch.New(epochRepo, fakeBeginner{})
	ledger := escrow.New(escrowRepo)
	logger := nopLogger{}
	svc := New(orderRepo, reg, ledger, fakeBeginner{}, nil, nil, logger, DefaultConfig())
	return svc, orderRepo, escrowRepo
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})             {}
func (nopLogger) Info(msg string, fields ...interface{})              {}
func (nopLogger) Warn(msg string, fields ...interface{})              {}
func (nopLogger) Error(msg string, fields ...interface{})             {}
func (nopLogger) Fatal(msg string, fields ...interface{})             {}
func (nopLogger) WithField(key string, value interface{}) core.ILogger { return nopLogger{} }
func (nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return nopLogger{} }

func TestCreateOrderLocksFundsForBuy(t *testing.T) {
	svc, orderRepo, escrowRepo := newTestService()
	order, err := svc.CreateOrder(context.Background(), CreateOrderParams{
		UserID:       uuid.New(),
		Side:         core.SideBuy,
		OrderType:    core.OrderTypeLimit,
		EnergyAmount: decimal.NewFromInt(10),
		Price:        decimal.NewFromFloat(0.25),
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusPending, order.Status)
	assert.Len(t, orderRepo.inserted, 1)
	assert.True(t, escrowRepo.lockedFunds.Equal(decimal.NewFromFloat(2.5)))
}

func TestCreateOrderRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.CreateOrder(context.Background(), CreateOrderParams{
		UserID:       uuid.New(),
		Side:         core.SideBuy,
		OrderType:    core.OrderTypeLimit,
		EnergyAmount: decimal.Zero,
		Price:        decimal.NewFromFloat(0.25),
	})
	require.Error(t, err)
}

func TestCreateOrderRejectsLimitWithoutPrice(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.CreateOrder(context.Background(), CreateOrderParams{
		UserID:       uuid.New(),
		Side:         core.SideSell,
		OrderType:    core.OrderTypeLimit,
		EnergyAmount: decimal.NewFromInt(5),
		Price:        decimal.Zero,
	})
	require.Error(t, err)
}

func TestCreateOrderEnforcesMaxOrdersPerEpoch(t *testing.T) {
	svc, _, _ := newTestService()
	svc.cfg.MaxOrdersPerEpoch = 0
	_, err := svc.CreateOrder(context.Background(), CreateOrderParams{
		UserID:       uuid.New(),
		Side:         core.SideBuy,
		OrderType:    core.OrderTypeMarket,
		EnergyAmount: decimal.NewFromInt(1),
	})
	require.Error(t, err)
}

func TestCancelOrderRefundsRemainder(t *testing.T) {
	svc, _, escrowRepo := newTestService()
	order, err := svc.CreateOrder(context.Background(), CreateOrderParams{
		UserID:       uuid.New(),
		Side:         core.SideSell,
		OrderType:    core.OrderTypeLimit,
		EnergyAmount: decimal.NewFromInt(10),
		Price:        decimal.NewFromFloat(0.3),
	})
	require.NoError(t, err)

	cancelled, err := svc.CancelOrder(context.Background(), order.UserID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, cancelled.Status)
	assert.True(t, escrowRepo.lockedEnergy.IsZero())
}

func TestCancelOrderRejectsNonPending(t *testing.T) {
	svc, orderRepo, _ := newTestService()
	order, err := svc.CreateOrder(context.Background(), CreateOrderParams{
		UserID:       uuid.New(),
		Side:         core.SideBuy,
		OrderType:    core.OrderTypeMarket,
		EnergyAmount: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	order.Status = core.OrderStatusFilled
	orderRepo.byID[order.ID] = order

	_, err = svc.CancelOrder(context.Background(), order.UserID, order.ID)
	require.Error(t, err)
}
