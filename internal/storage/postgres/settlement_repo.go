package postgres

import (
	"context"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SettlementRepository implements core.ISettlementRepository against Postgres.
type SettlementRepository struct {
	pool *pgxpool.Pool
}

func NewSettlementRepository(pool *Pool) *SettlementRepository {
	return &SettlementRepository{pool: pool.Raw()}
}

var _ core.ISettlementRepository = (*SettlementRepository)(nil)

func (r *SettlementRepository) Insert(ctx context.Context, tx core.Tx, s *core.Settlement) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx,
		`INSERT INTO settlements (id, epoch_id, buyer_id, seller_id, energy_amount, price_per_kwh, total_amount,
			fee_amount, wheeling_charge, loss_factor, loss_cost, effective_energy, buyer_zone_id, seller_zone_id, net_amount, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		s.ID, s.EpochID, s.BuyerID, s.SellerID, s.EnergyAmount, s.PricePerKWh, s.TotalAmount,
		s.FeeAmount, s.WheelingCharge, s.LossFactor, s.LossCost, s.EffectiveEnergy, s.BuyerZoneID, s.SellerZoneID, s.NetAmount, s.Status,
	)
	if err != nil {
		return apperrors.NewDatabaseFailure("insert settlement", err)
	}
	return nil
}

func (r *SettlementRepository) UpdateStatus(ctx context.Context, tx core.Tx, id uuid.UUID, status core.SettlementStatus, onChainSig *string) error {
	pgxTx, err := pgxOf(tx)
	if err != nil {
		return err
	}
	_, err = pgxTx.Exec(ctx, `UPDATE settlements SET status=$2, on_chain_signature=$3 WHERE id=$1`, id, status, onChainSig)
	if err != nil {
		return apperrors.NewDatabaseFailure("update settlement status", err)
	}
	return nil
}

func (r *SettlementRepository) Failed(ctx context.Context) ([]*core.Settlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, epoch_id, buyer_id, seller_id, energy_amount, price_per_kwh, total_amount, fee_amount,
			wheeling_charge, loss_factor, loss_cost, effective_energy, buyer_zone_id, seller_zone_id, net_amount, status
		 FROM settlements WHERE status='failed'`)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("query failed settlements", err)
	}
	defer rows.Close()
	var out []*core.Settlement
	for rows.Next() {
		s := &core.Settlement{}
		if err := rows.Scan(&s.ID, &s.EpochID, &s.BuyerID, &s.SellerID, &s.EnergyAmount, &s.PricePerKWh, &s.TotalAmount,
			&s.FeeAmount, &s.WheelingCharge, &s.LossFactor, &s.LossCost, &s.EffectiveEnergy, &s.BuyerZoneID, &s.SellerZoneID, &s.NetAmount, &s.Status); err != nil {
			return nil, apperrors.NewDatabaseFailure("scan settlement", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
