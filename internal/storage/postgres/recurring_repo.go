package postgres

import (
	"context"
	"time"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RecurringRepository implements core.IRecurringRepository against Postgres.
type RecurringRepository struct {
	pool *pgxpool.Pool
}

func NewRecurringRepository(pool *Pool) *RecurringRepository {
	return &RecurringRepository{pool: pool.Raw()}
}

var _ core.IRecurringRepository = (*RecurringRepository)(nil)

// DueBatch returns up to limit active recurring orders whose next execution
// is due, ordered ascending, matching the scheduler's batch-of-50 contract.
func (r *RecurringRepository) DueBatch(ctx context.Context, now time.Time, limit int) ([]*core.RecurringOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, side, energy_amount, min_price, max_price, interval_type, interval_value,
			next_execution_at, last_executed_at, total_executions, max_executions, status
		 FROM recurring_orders
		 WHERE status='active' AND next_execution_at <= $1
		 ORDER BY next_execution_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("query due recurring orders", err)
	}
	defer rows.Close()
	var out []*core.RecurringOrder
	for rows.Next() {
		ro := &core.RecurringOrder{}
		if err := rows.Scan(&ro.ID, &ro.UserID, &ro.Side, &ro.EnergyAmount, &ro.MinPrice, &ro.MaxPrice,
			&ro.IntervalType, &ro.IntervalValue, &ro.NextExecutionAt, &ro.LastExecutedAt,
			&ro.TotalExecutions, &ro.MaxExecutions, &ro.Status); err != nil {
			return nil, apperrors.NewDatabaseFailure("scan recurring order", err)
		}
		out = append(out, ro)
	}
	return out, rows.Err()
}

func (r *RecurringRepository) Advance(ctx context.Context, tx core.Tx, ro *core.RecurringOrder) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx,
		`UPDATE recurring_orders SET next_execution_at=$2, last_executed_at=$3, total_executions=$4, status=$5 WHERE id=$1`,
		ro.ID, ro.NextExecutionAt, ro.LastExecutedAt, ro.TotalExecutions, ro.Status,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("advance recurring order", err)
	}
	return nil
}

func (r *RecurringRepository) RecordExecution(ctx context.Context, tx core.Tx, e *core.RecurringOrderExecution) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx,
		`INSERT INTO recurring_order_executions (id, recurring_order_id, child_order_id, status, error_message, executed_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.RecurringOrderID, e.ChildOrderID, e.Status, e.ErrorMessage, e.ExecutedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("record recurring execution", err)
	}
	return nil
}
