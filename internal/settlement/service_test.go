package settlement

import (
	"context"
	"testing"

	"p2p_energy_market/internal/core"
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

type fakeSettlementRepo struct {
	inserted []*core.Settlement
}

func (f *fakeSettlementRepo) Insert(ctx context.Context, tx core.Tx, s *core.Settlement) error {
	f.inserted = append(f.inserted, s)
	return nil
}
func (f *fakeSettlementRepo) UpdateStatus(ctx context.Context, tx core.Tx, id uuid.UUID, status core.SettlementStatus, onChainSig *string) error {
	return nil
}
func (f *fakeSettlementRepo) Failed(ctx context.Context) ([]*core.Settlement, error) { return nil, nil }

type fakeMatchRepo struct {
	linked map[uuid.UUID]uuid.UUID
}

func newFakeMatchRepo() *fakeMatchRepo { return &fakeMatchRepo{linked: map[uuid.UUID]uuid.UUID{}} }

func (f *fakeMatchRepo) Insert(ctx context.Context, tx core.Tx, m *core.OrderMatch) error { return nil }
func (f *fakeMatchRepo) SetSettlementID(ctx context.Context, tx core.Tx, matchID, settlementID uuid.UUID) error {
	f.linked[matchID] = settlementID
	return nil
}

type fakeEscrowRepo struct {
	locked map[uuid.UUID]decimal.Decimal
}

func newFakeEscrowRepo() *fakeEscrowRepo { return &fakeEscrowRepo{locked: map[uuid.UUID]decimal.Decimal{}} }

func (f *fakeEscrowRepo) LockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	f.locked[userID] = f.locked[userID].Add(amount)
	return nil
}
func (f *fakeEscrowRepo) LockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
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
func (nopLogger) Error(msg string, fields ...interface{})               {}
func (nopLogger) Fatal(msg string, fields ...interface{})               {}
func (nopLogger) WithField(key string, value interface{}) core.ILogger  { return nopLogger{} }
func (nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return nopLogger{} }

func TestSettleComputesFeeAndEffectiveEnergy(t *testing.T) {
	settlementRepo := &fakeSettlementRepo{}
	matchRepo := newFakeMatchRepo()
	escrowRepo := newFakeEscrowRepo()
	ledger := escrow.New(escrowRepo)
	feeAccount := uuid.New()

	svc := New(settlementRepo, matchRepo, ledger, fakeBeginner{}, nil, nil, nil, nopLogger{}, DefaultConfig(feeAccount))

	matchID := uuid.New()
	tm := core.TradeMatch{
		MatchID: matchID, BuyerID: uuid.New(), SellerID: uuid.New(),
		MatchedAmount: decimal.NewFromInt(10), MatchPrice: decimal.NewFromFloat(0.15),
		LossFactor: decimal.NewFromFloat(0.05), WheelingCharge: decimal.NewFromFloat(0.20), LossCost: decimal.NewFromFloat(0.075),
	}

	err := svc.Settle(context.Background(), tm)
	require.NoError(t, err)
	require.Len(t, settlementRepo.inserted, 1)

	st := settlementRepo.inserted[0]
	assert.True(t, st.EffectiveEnergy.Equal(decimal.NewFromFloat(9.5)))
	assert.True(t, st.TotalAmount.Equal(decimal.NewFromFloat(1.5)))
	assert.True(t, st.FeeAmount.Equal(decimal.NewFromFloat(0.015)))
	assert.True(t, st.NetAmount.Equal(decimal.NewFromFloat(1.76)))
	assert.Equal(t, st.ID, matchRepo.linked[matchID])
	assert.True(t, escrowRepo.locked[feeAccount].Equal(decimal.NewFromFloat(0.015)))
}
