package postgres

import (
	"context"
	"fmt"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// EscrowRepository implements core.IEscrowRepository against Postgres.
// Every method runs inside the caller's transaction and takes the relevant
// balance row FOR UPDATE before mutating it, per the ordering and locking
// rules in the concurrency model.
type EscrowRepository struct{}

func NewEscrowRepository() *EscrowRepository { return &EscrowRepository{} }

var _ core.IEscrowRepository = (*EscrowRepository)(nil)

func (r *EscrowRepository) lockBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, assetType core.AssetType) (decimal.Decimal, error) {
	var available decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT available FROM balances WHERE user_id = $1 AND asset_type = $2 FOR UPDATE`,
		userID, assetType,
	).Scan(&available)
	if err == pgx.ErrNoRows {
		return decimal.Zero, apperrors.NewInsufficientBalance(fmt.Sprintf("no %s balance row for user %s", assetType, userID))
	}
	if err != nil {
		return decimal.Zero, apperrors.NewDatabaseFailure("lock balance row", err)
	}
	return available, nil
}

func (r *EscrowRepository) adjustBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, assetType core.AssetType, delta decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`UPDATE balances SET available = available + $3, updated_at = now() WHERE user_id = $1 AND asset_type = $2`,
		userID, assetType, delta,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("adjust balance", err)
	}
	return nil
}

func (r *EscrowRepository) insertEntry(ctx context.Context, tx pgx.Tx, e *core.EscrowEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO escrow_entries (id, user_id, order_id, amount, asset_type, escrow_type, status, description, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now(), now())`,
		e.ID, e.UserID, e.OrderID, e.Amount, e.AssetType, e.EscrowType, e.Status, e.Descr,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("insert escrow entry", err)
	}
	return nil
}

func (r *EscrowRepository) lockGeneric(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, assetType core.AssetType, escrowType core.EscrowType) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	available, err := r.lockBalance(ctx, pgxTx, userID, assetType)
	if err != nil {
		return err
	}
	if available.LessThan(amount) {
		return apperrors.NewInsufficientBalance(fmt.Sprintf("user %s has %s %s available, needs %s", userID, available, assetType, amount))
	}
	if err := r.adjustBalance(ctx, pgxTx, userID, assetType, amount.Neg()); err != nil {
		return err
	}
	return r.insertEntry(ctx, pgxTx, &core.EscrowEntry{
		ID:         uuid.New(),
		UserID:     userID,
		OrderID:    &orderID,
		Amount:     amount,
		AssetType:  assetType,
		EscrowType: escrowType,
		Status:     core.EscrowLocked,
	})
}

// LockFunds locks currency against a buy order.
func (r *EscrowRepository) LockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	return r.lockGeneric(ctx, tx, userID, orderID, amount, core.AssetCurrency, core.EscrowBuyLock)
}

// LockEnergy locks energy against a sell order.
func (r *EscrowRepository) LockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error {
	return r.lockGeneric(ctx, tx, userID, orderID, amount, core.AssetEnergy, core.EscrowSellLock)
}

// unlockGeneric reduces the outstanding locked entry for (userID, orderID,
// assetType) by amount, refunding the balance; it supports partial releases
// by shrinking the entry's amount and only flipping it to closedStatus when
// the outstanding balance reaches zero.
func (r *EscrowRepository) unlockGeneric(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, assetType core.AssetType, closedStatus core.EscrowStatus, reason string) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}

	var entryID uuid.UUID
	var outstanding decimal.Decimal
	err = pgxTx.QueryRow(ctx,
		`SELECT id, amount FROM escrow_entries
		 WHERE user_id=$1 AND order_id=$2 AND asset_type=$3 AND status='locked'
		 FOR UPDATE`,
		userID, orderID, assetType,
	).Scan(&entryID, &outstanding)
	if err == pgx.ErrNoRows {
		return apperrors.NewNotFound(fmt.Sprintf("no locked %s escrow entry for order %s", assetType, orderID))
	}
	if err != nil {
		return apperrors.NewDatabaseFailure("lock escrow entry", err)
	}

	remaining := outstanding.Sub(amount)
	newStatus := core.EscrowLocked
	if remaining.LessThanOrEqual(decimal.Zero) {
		remaining = decimal.Zero
		newStatus = closedStatus
	}
	if _, err := pgxTx.Exec(ctx,
		`UPDATE escrow_entries SET amount=$2, status=$3, description=$4, updated_at=now() WHERE id=$1`,
		entryID, remaining, newStatus, reason,
	); err != nil {
		return apperrors.NewDatabaseFailure("update escrow entry", err)
	}

	if _, err := pgxTx.Exec(ctx,
		`UPDATE balances SET available = available + $3, updated_at = now() WHERE user_id=$1 AND asset_type=$2`,
		userID, assetType, amount,
	); err != nil {
		return apperrors.NewDatabaseFailure("refund balance", err)
	}
	return nil
}

// UnlockFunds refunds currency to a buyer, e.g. on cancel or expiry.
func (r *EscrowRepository) UnlockFunds(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	return r.unlockGeneric(ctx, tx, userID, orderID, amount, core.AssetCurrency, core.EscrowRefunded, reason)
}

// UnlockEnergy refunds energy to a seller, e.g. on cancel or expiry.
func (r *EscrowRepository) UnlockEnergy(ctx context.Context, tx core.Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error {
	return r.unlockGeneric(ctx, tx, userID, orderID, amount, core.AssetEnergy, core.EscrowRefunded, reason)
}

// ReleaseOnMatch consumes both sides' locks by amount and transfers the
// proceeds to the counterparties. Balance locks are acquired in user_id ASC
// order to avoid deadlocking against a concurrent match touching the same
// two users in the opposite order.
func (r *EscrowRepository) ReleaseOnMatch(ctx context.Context, tx core.Tx, buyOrderID, sellOrderID uuid.UUID, amount, price decimal.Decimal) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}

	var buyerID, sellerID uuid.UUID
	if err := pgxTx.QueryRow(ctx, `SELECT user_id FROM trading_orders WHERE id=$1`, buyOrderID).Scan(&buyerID); err != nil {
		return apperrors.NewDatabaseFailure("load buyer", err)
	}
	if err := pgxTx.QueryRow(ctx, `SELECT user_id FROM trading_orders WHERE id=$1`, sellOrderID).Scan(&sellerID); err != nil {
		return apperrors.NewDatabaseFailure("load seller", err)
	}

	first, second := buyerID, sellerID
	if second.String() < first.String() {
		first, second = second, first
	}
	for _, uid := range []uuid.UUID{first, second} {
		if _, err := pgxTx.Exec(ctx, `SELECT 1 FROM balances WHERE user_id=$1 FOR UPDATE`, uid); err != nil {
			return apperrors.NewDatabaseFailure("lock balances in order", err)
		}
	}

	currencyAmount := amount.Mul(price)
	if err := r.unlockGeneric(ctx, tx, buyerID, buyOrderID, currencyAmount, core.AssetCurrency, core.EscrowReleased, "matched"); err != nil {
		return err
	}
	if err := r.unlockGeneric(ctx, tx, sellerID, sellOrderID, amount, core.AssetEnergy, core.EscrowReleased, "matched"); err != nil {
		return err
	}
	if err := r.adjustBalance(ctx, pgxTx, sellerID, core.AssetCurrency, currencyAmount); err != nil {
		return err
	}
	if err := r.adjustBalance(ctx, pgxTx, buyerID, core.AssetEnergy, amount); err != nil {
		return err
	}
	return nil
}

// SumLocked returns the total locked amount against an order for an asset
// type; used by tests and invariant checks, not the hot path.
func (r *EscrowRepository) SumLocked(ctx context.Context, tx core.Tx, orderID uuid.UUID, assetType core.AssetType) (decimal.Decimal, error) {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return decimal.Zero, err
	}
	var sum decimal.Decimal
	err = pgxTx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM escrow_entries WHERE order_id=$1 AND asset_type=$2 AND status='locked'`,
		orderID, assetType,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, apperrors.NewDatabaseFailure("sum locked escrow", err)
	}
	return sum, nil
}
