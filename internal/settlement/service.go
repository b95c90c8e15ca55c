// Package settlement implements the Settlement Service: turns a matched
// trade into a Settlement row, credits the platform fee, and optionally
// submits the composite on-chain transfer.
package settlement

import (
	"context"
	"time"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/escrow"
	"p2p_energy_market/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config carries the tunables the Settlement Service needs.
type Config struct {
	PlatformFeeRate       decimal.Decimal
	PlatformFeeAccountID  uuid.UUID
	EnableRealBlockchain  bool
}

func DefaultConfig(platformFeeAccountID uuid.UUID) Config {
	return Config{
		PlatformFeeRate:      decimal.NewFromFloat(0.01),
		PlatformFeeAccountID: platformFeeAccountID,
	}
}

// Service is the Settlement Service.
type Service struct {
	settlements core.ISettlementRepository
	matches     core.IMatchRepository
	ledger      *escrow.Ledger
	beginr      core.ITxBeginner
	wallet      core.IWalletService     // optional
	chain       core.IBlockchainService // optional
	ws          core.IWebSocketBroadcaster
	logger      core.ILogger
	cfg         Config
}

func New(
	settlements core.ISettlementRepository,
	matches core.IMatchRepository,
	ledger *escrow.Ledger,
	beginr core.ITxBeginner,
	wallet core.IWalletService,
	chain core.IBlockchainService,
	ws core.IWebSocketBroadcaster,
	logger core.ILogger,
	cfg Config,
) *Service {
	return &Service{
		settlements: settlements, matches: matches, ledger: ledger, beginr: beginr,
		wallet: wallet, chain: chain, ws: ws, logger: logger.WithField("component", "settlement"), cfg: cfg,
	}
}

// Settle derives and persists a Settlement from a matched trade, credits
// the platform fee, optionally submits the on-chain composite transfer,
// and broadcasts trade_executed. Implements matching.SettlementTrigger.
func (s *Service) Settle(ctx context.Context, tm core.TradeMatch) error {
	totalAmount := tm.MatchedAmount.Mul(tm.MatchPrice)
	fee := totalAmount.Mul(s.cfg.PlatformFeeRate)
	effectiveEnergy := tm.MatchedAmount.Mul(decimal.NewFromInt(1).Sub(tm.LossFactor))
	netAmount := totalAmount.Add(tm.WheelingCharge).Add(tm.LossCost).Sub(fee)

	st := &core.Settlement{
		ID:              uuid.New(),
		EpochID:         tm.EpochID,
		BuyerID:         tm.BuyerID,
		SellerID:        tm.SellerID,
		EnergyAmount:    tm.MatchedAmount,
		PricePerKWh:     tm.MatchPrice,
		TotalAmount:     totalAmount,
		FeeAmount:       fee,
		WheelingCharge:  tm.WheelingCharge,
		LossFactor:      tm.LossFactor,
		LossCost:        tm.LossCost,
		EffectiveEnergy: effectiveEnergy,
		BuyerZoneID:     tm.BuyerZoneID,
		SellerZoneID:    tm.SellerZoneID,
		NetAmount:       netAmount,
		Status:          core.SettlementPending,
	}

	tx, err := s.beginr.Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseFailure("begin settlement", err)
	}
	if err := s.settlements.Insert(ctx, tx, st); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := s.matches.SetSettlementID(ctx, tx, tm.MatchID, st.ID); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if fee.IsPositive() && s.cfg.PlatformFeeAccountID != uuid.Nil {
		if err := s.ledger.LockFunds(ctx, tx, s.cfg.PlatformFeeAccountID, st.ID, fee); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseFailure("commit settlement", err)
	}

	if s.cfg.EnableRealBlockchain && s.chain != nil && s.wallet != nil {
		s.submitOnChain(ctx, st, tm)
	}

	if mh := telemetry.GetGlobalMetrics(); mh.SettlementsTotal != nil {
		mh.SettlementsTotal.Add(ctx, 1)
	}

	if s.ws != nil {
		s.ws.BroadcastTradeExecuted(st)
	}
	return nil
}

// submitOnChain performs the composite token/energy transfer. Off-chain
// settlement is authoritative: failure here only updates status, it never
// rolls back the balance transfers already committed above.
func (s *Service) submitOnChain(ctx context.Context, st *core.Settlement, tm core.TradeMatch) {
	rpcCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Resolving tm's session tokens to decrypted signing keys is the wallet
	// session/key-cache lookup, out of scope here; the blockchain collaborator
	// receives nil keys and is expected to use its own custody path.
	start := time.Now()
	sig, err := s.chain.ExecuteSettlement(rpcCtx, st, nil, nil)
	if mh := telemetry.GetGlobalMetrics(); mh.LatencyOnChain != nil {
		mh.LatencyOnChain.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	tx, beginErr := s.beginr.Begin(ctx)
	if beginErr != nil {
		s.logger.Error("begin settlement status update failed", "settlement_id", st.ID, "error", beginErr.Error())
		return
	}
	if err != nil {
		s.logger.Error("on-chain settlement failed", "settlement_id", st.ID, "error", err.Error())
		if uerr := s.settlements.UpdateStatus(ctx, tx, st.ID, core.SettlementFailed, nil); uerr != nil {
			tx.Rollback(ctx)
			s.logger.Error("mark settlement failed update failed", "settlement_id", st.ID, "error", uerr.Error())
			return
		}
	} else {
		if uerr := s.settlements.UpdateStatus(ctx, tx, st.ID, core.SettlementConfirmed, &sig); uerr != nil {
			tx.Rollback(ctx)
			s.logger.Error("mark settlement confirmed update failed", "settlement_id", st.ID, "error", uerr.Error())
			return
		}
	}
	if cerr := tx.Commit(ctx); cerr != nil {
		s.logger.Error("commit settlement status update failed", "settlement_id", st.ID, "error", cerr.Error())
	}
}

// RetryFailed re-attempts the on-chain leg for every settlement an operator
// has flagged by leaving it in the failed state.
func (s *Service) RetryFailed(ctx context.Context) error {
	if !s.cfg.EnableRealBlockchain || s.chain == nil || s.wallet == nil {
		return nil
	}
	failed, err := s.settlements.Failed(ctx)
	if err != nil {
		return err
	}
	for _, st := range failed {
		tm := core.TradeMatch{MatchedAmount: st.EnergyAmount, MatchPrice: st.PricePerKWh, LossFactor: st.LossFactor}
		s.submitOnChain(ctx, st, tm)
	}
	return nil
}
