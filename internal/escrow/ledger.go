// Package escrow implements the Escrow Ledger: atomic lock/unlock of a
// user's currency or energy balance, scoped to an order.
package escrow

import (
	"context"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"
	"p2p_energy_market/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is a thin validating facade over core.IEscrowRepository. The
// repository owns the FOR UPDATE locking and transaction mechanics; the
// ledger owns the amount validation every public operation shares.
type Ledger struct {
	repo core.IEscrowRepository
}

func New(repo core.IEscrowRepository) *Ledger {
	return &Ledger{repo: repo}
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.NewValidation("amount must be positive")
	}
	return nil
}

// LockFunds locks amount of currency against a buy order.
func (l *Ledger) LockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := l.repo.LockFunds(ctx, tx, userID, orderID, amount); err != nil {
		return err
	}
	f, _ := amount.Float64()
	telemetry.GetGlobalMetrics().AddEscrowLocked("currency", f)
	return nil
}

// LockEnergy locks amount of energy against a sell order.
func (l *Ledger) LockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := l.repo.LockEnergy(ctx, tx, userID, orderID, amount); err != nil {
		return err
	}
	f, _ := amount.Float64()
	telemetry.GetGlobalMetrics().AddEscrowLocked("energy", f)
	return nil
}

// UnlockFunds refunds amount of currency to the buyer.
func (l *Ledger) UnlockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := l.repo.UnlockFunds(ctx, tx, userID, orderID, amount, reason); err != nil {
		return err
	}
	f, _ := amount.Float64()
	telemetry.GetGlobalMetrics().AddEscrowLocked("currency", -f)
	return nil
}

// UnlockEnergy refunds amount of energy to the seller.
func (l *Ledger) UnlockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if err := l.repo.UnlockEnergy(ctx, tx, userID, orderID, amount, reason); err != nil {
		return err
	}
	f, _ := amount.Float64()
	telemetry.GetGlobalMetrics().AddEscrowLocked("energy", -f)
	return nil
}

// ReleaseOnMatch consumes both sides' locks by amount and transfers the
// proceeds to the counterparties within the caller's transaction.
func (l *Ledger) ReleaseOnMatch(ctx context.Context, tx core.Tx, buyOrderID, sellOrderID uuid.UUID, amount, price decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if !price.IsPositive() {
		return apperrors.NewValidation("price must be positive")
	}
	if err := l.repo.ReleaseOnMatch(ctx, tx, buyOrderID, sellOrderID, amount, price); err != nil {
		return err
	}
	energy, _ := amount.Float64()
	currency, _ := amount.Mul(price).Float64()
	mh := telemetry.GetGlobalMetrics()
	mh.AddEscrowLocked("energy", -energy)
	mh.AddEscrowLocked("currency", -currency)
	return nil
}
