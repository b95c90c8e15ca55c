package postgres

import (
	"context"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"

	"github.com/google/uuid"
)

// MatchRepository implements core.IMatchRepository against Postgres.
type MatchRepository struct{}

func NewMatchRepository() *MatchRepository { return &MatchRepository{} }

var _ core.IMatchRepository = (*MatchRepository)(nil)

func (r *MatchRepository) Insert(ctx context.Context, tx core.Tx, m *core.OrderMatch) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx,
		`INSERT INTO order_matches (id, epoch_id, buy_order_id, sell_order_id, matched_amount, match_price, match_time, status, settlement_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.EpochID, m.BuyOrderID, m.SellOrderID, m.MatchedAmount, m.MatchPrice, m.MatchTime, m.Status, m.SettlementID,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("insert order match", err)
	}
	return nil
}

func (r *MatchRepository) SetSettlementID(ctx context.Context, tx core.Tx, matchID, settlementID uuid.UUID) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx, `UPDATE order_matches SET settlement_id=$2 WHERE id=$1`, matchID, settlementID)
	if err != nil {
		return apperrors.NewDatabaseFailure("link settlement to match", err)
	}
	return nil
}
