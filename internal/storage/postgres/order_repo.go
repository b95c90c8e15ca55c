package postgres

import (
	"context"
	"time"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// OrderRepository implements core.IOrderRepository against Postgres.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *Pool) *OrderRepository {
	return &OrderRepository{pool: pool.Raw()}
}

var _ core.IOrderRepository = (*OrderRepository)(nil)

const orderColumns = `id, user_id, side, order_type, energy_amount, price_per_kwh, filled_amount, status,
	expires_at, created_at, filled_at, epoch_id, zone_id, meter_id, order_pda, refund_tx_signature, session_token,
	trigger_price, trigger_type, trigger_status, trailing_offset, trailing_reference_price, triggered_at`

func scanOrder(row pgx.Row) (*core.Order, error) {
	o := &core.Order{}
	if err := row.Scan(
		&o.ID, &o.UserID, &o.Side, &o.OrderType, &o.EnergyAmount, &o.PricePerKWh, &o.FilledAmount, &o.Status,
		&o.ExpiresAt, &o.CreatedAt, &o.FilledAt, &o.EpochID, &o.ZoneID, &o.MeterID, &o.OrderPDA, &o.RefundTxSig, &o.SessionToken,
		&o.TriggerPrice, &o.TriggerType, &o.TriggerStatus, &o.TrailingOffset, &o.TrailingReferencePrice, &o.TriggeredAt,
	); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *OrderRepository) Insert(ctx context.Context, tx core.Tx, o *core.Order) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx, `INSERT INTO trading_orders (`+orderColumns+`) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		o.ID, o.UserID, o.Side, o.OrderType, o.EnergyAmount, o.PricePerKWh, o.FilledAmount, o.Status,
		o.ExpiresAt, o.CreatedAt, o.FilledAt, o.EpochID, o.ZoneID, o.MeterID, o.OrderPDA, o.RefundTxSig, o.SessionToken,
		o.TriggerPrice, o.TriggerType, o.TriggerStatus, o.TrailingOffset, o.TrailingReferencePrice, o.TriggeredAt,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("insert order", err)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, tx core.Tx, o *core.Order) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx, `UPDATE trading_orders SET
		filled_amount=$2, status=$3, filled_at=$4, order_pda=$5, refund_tx_signature=$6,
		trigger_status=$7, trailing_reference_price=$8, triggered_at=$9,
		price_per_kwh=$10, energy_amount=$11, expires_at=$12
		WHERE id=$1`,
		o.ID, o.FilledAmount, o.Status, o.FilledAt, o.OrderPDA, o.RefundTxSig,
		o.TriggerStatus, o.TrailingReferencePrice, o.TriggeredAt,
		o.PricePerKWh, o.EnergyAmount, o.ExpiresAt,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("update order", err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*core.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM trading_orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NewNotFound("order not found")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("get order", err)
	}
	return o, nil
}

func (r *OrderRepository) query(ctx context.Context, sql string, args ...any) ([]*core.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("query orders", err)
	}
	defer rows.Close()
	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseFailure("scan order", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OpenBuys returns open buy orders for the epoch, unordered (the matching
// engine walks them one at a time so candidate order among buyers doesn't
// affect determinism, only candidate order among sells does).
func (r *OrderRepository) OpenBuys(ctx context.Context, epochID uuid.UUID) ([]*core.Order, error) {
	return r.query(ctx, `SELECT `+orderColumns+` FROM trading_orders
		WHERE epoch_id=$1 AND side='buy' AND status IN ('pending','active','partially_filled')`, epochID)
}

// OpenSellsSorted returns open sells ordered price ASC, created_at ASC, id ASC
// which is the base ordering the matching engine refines with landed cost.
func (r *OrderRepository) OpenSellsSorted(ctx context.Context, epochID uuid.UUID) ([]*core.Order, error) {
	return r.query(ctx, `SELECT `+orderColumns+` FROM trading_orders
		WHERE epoch_id=$1 AND side='sell' AND status IN ('pending','active','partially_filled')
		ORDER BY price_per_kwh ASC, created_at ASC, id ASC`, epochID)
}

// ExpireStale flips every open order past its expiry to expired and returns
// the rows so the caller can refund escrow for each.
func (r *OrderRepository) ExpireStale(ctx context.Context, now time.Time) ([]*core.Order, error) {
	rows, err := r.query(ctx, `SELECT `+orderColumns+` FROM trading_orders
		WHERE status IN ('pending','active','partially_filled') AND expires_at < $1`, now)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(rows))
	for i, o := range rows {
		ids[i] = o.ID
		o.Status = core.OrderStatusExpired
	}
	if _, err := r.pool.Exec(ctx, `UPDATE trading_orders SET status='expired' WHERE id = ANY($1)`, ids); err != nil {
		return nil, apperrors.NewDatabaseFailure("bulk expire orders", err)
	}
	return rows, nil
}

func (r *OrderRepository) PendingConditional(ctx context.Context, limit int, now time.Time) ([]*core.Order, error) {
	return r.query(ctx, `SELECT `+orderColumns+` FROM trading_orders
		WHERE trigger_type IS NOT NULL AND trigger_status='pending' AND expires_at >= $1
		ORDER BY created_at ASC LIMIT $2`, now, limit)
}

func (r *OrderRepository) RecentFilledAveragePrice(ctx context.Context, since time.Time) (decimal.Decimal, bool, error) {
	var avg *decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT AVG(price_per_kwh) FROM trading_orders WHERE status='filled' AND filled_at > $1`, since,
	).Scan(&avg)
	if err != nil {
		return decimal.Zero, false, apperrors.NewDatabaseFailure("average filled price", err)
	}
	if avg == nil {
		return decimal.Zero, false, nil
	}
	return *avg, true, nil
}

func (r *OrderRepository) CountInEpoch(ctx context.Context, epochID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trading_orders WHERE epoch_id=$1`, epochID).Scan(&count)
	if err != nil {
		return 0, apperrors.NewDatabaseFailure("count orders in epoch", err)
	}
	return count, nil
}

func (r *OrderRepository) LatestMeterZone(ctx context.Context, userID uuid.UUID) (*int32, error) {
	var zone int32
	err := r.pool.QueryRow(ctx,
		`SELECT zone_id FROM meter_registry WHERE user_id=$1 ORDER BY registered_at DESC LIMIT 1`, userID,
	).Scan(&zone)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("latest meter zone", err)
	}
	return &zone, nil
}
