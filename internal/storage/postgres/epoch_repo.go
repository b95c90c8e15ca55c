package postgres

import (
	"context"
	"time"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EpochRepository implements core.IEpochRepository against Postgres.
type EpochRepository struct {
	pool *pgxpool.Pool
}

func NewEpochRepository(pool *Pool) *EpochRepository {
	return &EpochRepository{pool: pool.Raw()}
}

var _ core.IEpochRepository = (*EpochRepository)(nil)

const epochColumns = `id, epoch_number, start_time, end_time, status, clearing_price, total_volume, total_orders, matched_orders`

func scanEpoch(row pgx.Row) (*core.Epoch, error) {
	e := &core.Epoch{}
	if err := row.Scan(&e.ID, &e.EpochNumber, &e.StartTime, &e.EndTime, &e.Status, &e.ClearingPrice, &e.TotalVolume, &e.TotalOrders, &e.MatchedOrders); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *EpochRepository) Insert(ctx context.Context, tx core.Tx, e *core.Epoch) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx, `INSERT INTO market_epochs (`+epochColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (epoch_number) DO NOTHING`,
		e.ID, e.EpochNumber, e.StartTime, e.EndTime, e.Status, e.ClearingPrice, e.TotalVolume, e.TotalOrders, e.MatchedOrders,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("insert epoch", err)
	}
	return nil
}

func (r *EpochRepository) Update(ctx context.Context, tx core.Tx, e *core.Epoch) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx, `UPDATE market_epochs SET status=$2, clearing_price=$3, total_volume=$4, total_orders=$5, matched_orders=$6 WHERE id=$1`,
		e.ID, e.Status, e.ClearingPrice, e.TotalVolume, e.TotalOrders, e.MatchedOrders,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("update epoch", err)
	}
	return nil
}

func (r *EpochRepository) GetByNumber(ctx context.Context, epochNumber int64) (*core.Epoch, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+epochColumns+` FROM market_epochs WHERE epoch_number=$1`, epochNumber)
	e, err := scanEpoch(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NewNotFound("epoch not found")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("get epoch by number", err)
	}
	return e, nil
}

func (r *EpochRepository) Latest(ctx context.Context) (*core.Epoch, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+epochColumns+` FROM market_epochs ORDER BY epoch_number DESC LIMIT 1`)
	e, err := scanEpoch(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("get latest epoch", err)
	}
	return e, nil
}

func (r *EpochRepository) query(ctx context.Context, sql string, args ...any) ([]*core.Epoch, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("query epochs", err)
	}
	defer rows.Close()
	var out []*core.Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseFailure("scan epoch", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EpochRepository) PendingEnteringWindow(ctx context.Context, now time.Time) ([]*core.Epoch, error) {
	return r.query(ctx, `SELECT `+epochColumns+` FROM market_epochs WHERE status='pending' AND start_time <= $1 AND end_time > $1`, now)
}

func (r *EpochRepository) ActiveExpired(ctx context.Context, now time.Time) ([]*core.Epoch, error) {
	return r.query(ctx, `SELECT `+epochColumns+` FROM market_epochs WHERE status='active' AND end_time <= $1`, now)
}

func (r *EpochRepository) ClearedUnsettled(ctx context.Context) ([]*core.Epoch, error) {
	return r.query(ctx, `SELECT `+epochColumns+` FROM market_epochs WHERE status='cleared' AND matched_orders < total_orders`)
}

func (r *EpochRepository) RecentClearedOrSettled(ctx context.Context, limit int) ([]*core.Epoch, error) {
	return r.query(ctx, `SELECT `+epochColumns+` FROM market_epochs WHERE status IN ('cleared','settled') ORDER BY epoch_number DESC LIMIT $1`, limit)
}
