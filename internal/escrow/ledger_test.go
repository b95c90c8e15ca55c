package escrow

import (
	"context"
	"testing"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	lockFundsCalls int
	lastAmount     decimal.Decimal
}

func (f *fakeRepo) LockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	f.lockFundsCalls++
	f.lastAmount = amount
	return nil
}
func (f *fakeRepo) LockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	return nil
}
func (f *fakeRepo) UnlockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	return nil
}
func (f *fakeRepo) UnlockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	return nil
}
func (f *fakeRepo) ReleaseOnMatch(ctx context.Context, tx core.Tx, buyOrderID, sellOrderID uuid.UUID, amount, price decimal.Decimal) error {
	return nil
}
func (f *fakeRepo) SumLocked(ctx context.Context, tx core.Tx, orderID uuid.UUID, assetType core.AssetType) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func TestLockFundsRejectsNonPositiveAmount(t *testing.T) {
	repo := &fakeRepo{}
	l := New(repo)
	err := l.LockFunds(context.Background(), nil, uuid.New(), uuid.New(), decimal.Zero)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 0, repo.lockFundsCalls)
}

func TestLockFundsDelegatesToRepository(t *testing.T) {
	repo := &fakeRepo{}
	l := New(repo)
	amount := decimal.NewFromFloat(12.5)
	err := l.LockFunds(context.Background(), nil, uuid.New(), uuid.New(), amount)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.lockFundsCalls)
	assert.True(t, repo.lastAmount.Equal(amount))
}

func TestReleaseOnMatchRejectsNonPositivePrice(t *testing.T) {
	repo := &fakeRepo{}
	l := New(repo)
	err := l.ReleaseOnMatch(context.Background(), nil, uuid.New(), uuid.New(), decimal.NewFromInt(1), decimal.Zero)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
