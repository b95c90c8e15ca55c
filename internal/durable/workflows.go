// Package durable wraps the two operations that must survive a process
// crash mid-flight — order intake and trade settlement — as DBOS
// workflows: each step commits independently, and a replay after a crash
// re-runs only the steps that never finished. CreateOrder and Settle
// supersede marketclearing.Service.CreateOrder and settlement.Service.Settle
// for callers that need that guarantee; cancellation and in-place order
// edits stay on the plain transactional path in marketclearing, since
// neither needs crash recovery across a multi-step boundary.
package durable

import (
	"context"
	"time"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/epoch"
	"p2p_energy_market/internal/escrow"
	"p2p_energy_market/internal/marketclearing"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultExpiry     = 24 * time.Hour
	maxOrdersPerEpoch = 10000
)

// CreateOrderInput is the durable workflow's input for order intake.
type CreateOrderInput struct {
	UserID       uuid.UUID
	Side         core.OrderSide
	OrderType    core.OrderType
	EnergyAmount decimal.Decimal
	Price        decimal.Decimal
	Expiry       *time.Time
	ZoneID       *int32
	MeterID      *uuid.UUID
	SessionToken *string
}

// SettleInput is the durable workflow's input for the settlement leg of a match.
type SettleInput struct {
	Trade       core.TradeMatch
	FeeRate     decimal.Decimal
	FeeAccount  uuid.UUID
}

// Workflows holds the collaborators the order-intake and settlement
// workflows need, independent of how they are invoked (directly in tests,
// or through a dbos.DBOSContext in production).
type Workflows struct {
	orders      core.IOrderRepository
	epochs      *epoch.Registry
	ledger      *escrow.Ledger
	settlements core.ISettlementRepository
	matches     core.IMatchRepository
	beginr      core.ITxBeginner
	chain       core.IBlockchainService // optional
	ws          core.IWebSocketBroadcaster
	logger      core.ILogger
}

func NewWorkflows(
	orders core.IOrderRepository,
	epochs *epoch.Registry,
	ledger *escrow.Ledger,
	settlements core.ISettlementRepository,
	matches core.IMatchRepository,
	beginr core.ITxBeginner,
	chain core.IBlockchainService,
	ws core.IWebSocketBroadcaster,
	logger core.ILogger,
) *Workflows {
	return &Workflows{
		orders: orders, epochs: epochs, ledger: ledger,
		settlements: settlements, matches: matches, beginr: beginr,
		chain: chain, ws: ws, logger: logger.WithField("component", "durable_workflows"),
	}
}

// CreateOrder is the durable order-intake workflow. Step 1 inserts the
// order and locks escrow in one DB transaction; step 2 submits the
// optional on-chain registration. A crash between the two steps resumes
// at step 2 on replay without re-inserting the order or re-locking escrow.
func (w *Workflows) CreateOrder(ctx dbos.DBOSContext, input any) (any, error) {
	p := input.(CreateOrderInput)

	orderRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.insertAndLock(stepCtx, p)
	})
	if err != nil {
		return nil, err
	}
	order := orderRaw.(*core.Order)

	if w.chain != nil {
		_, err = ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
			w.submitOnChainBestEffort(stepCtx, order)
			return order, nil
		})
		if err != nil {
			return nil, err
		}
	}

	if w.ws != nil {
		w.ws.BroadcastOrderCreated(order)
		w.ws.BroadcastP2POrderUpdate(order)
	}
	return order, nil
}

func (w *Workflows) insertAndLock(ctx context.Context, p CreateOrderInput) (*core.Order, error) {
	if err := marketclearing.ValidateCreate(marketclearing.CreateOrderParams{
		EnergyAmount: p.EnergyAmount, Price: p.Price, OrderType: p.OrderType, Side: p.Side,
	}); err != nil {
		return nil, err
	}

	zone := p.ZoneID
	if zone == nil {
		detected, err := w.orders.LatestMeterZone(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		zone = detected
	}

	now := time.Now().UTC()
	ep, err := w.epochs.GetOrCreateEpoch(ctx, now)
	if err != nil {
		return nil, err
	}

	count, err := w.orders.CountInEpoch(ctx, ep.ID)
	if err != nil {
		return nil, err
	}
	if count >= int64(maxOrdersPerEpoch) {
		return nil, apperrors.NewValidationf("epoch %d has reached its order limit", ep.EpochNumber)
	}

	expiresAt := now.Add(defaultExpiry)
	if p.Expiry != nil {
		expiresAt = *p.Expiry
	}

	order := &core.Order{
		ID:           uuid.New(),
		UserID:       p.UserID,
		Side:         p.Side,
		OrderType:    p.OrderType,
		EnergyAmount: p.EnergyAmount,
		PricePerKWh:  p.Price,
		FilledAmount: decimal.Zero,
		Status:       core.OrderStatusPending,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		EpochID:      ep.ID,
		ZoneID:       zone,
		MeterID:      p.MeterID,
		SessionToken: p.SessionToken,
	}

	tx, err := w.beginr.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("begin durable create order", err)
	}
	if err := w.orders.Insert(ctx, tx, order); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := w.lockForOrder(ctx, tx, order); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseFailure("commit durable create order", err)
	}
	return order, nil
}

func (w *Workflows) lockForOrder(ctx context.Context, tx core.Tx, order *core.Order) error {
	if order.Side == core.SideBuy {
		locked := order.EnergyAmount.Mul(order.PricePerKWh)
		if !locked.IsPositive() {
			return nil
		}
		return w.ledger.LockFunds(ctx, tx, order.UserID, order.ID, locked)
	}
	return w.ledger.LockEnergy(ctx, tx, order.UserID, order.ID, order.EnergyAmount)
}

func (w *Workflows) submitOnChainBestEffort(ctx context.Context, order *core.Order) {
	sig, pda, err := w.chain.ExecuteCreateOrder(ctx, order)
	if err != nil {
		w.logger.Warn("on-chain order submission failed, continuing off-chain", "order_id", order.ID, "error", err.Error())
		return
	}
	order.RefundTxSig = &sig
	order.OrderPDA = &pda
}

// Settle is the durable settlement workflow. Step 1 inserts the
// settlement row, links it to the match and locks the platform fee, all
// in one DB transaction. Step 2 submits the on-chain composite transfer
// when blockchain settlement is enabled, recording success or failure as
// a status update rather than rolling back the balances already moved in
// step 1.
func (w *Workflows) Settle(ctx dbos.DBOSContext, input any) (any, error) {
	p := input.(SettleInput)

	stRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.insertSettlement(stepCtx, p)
	})
	if err != nil {
		return nil, err
	}
	st := stRaw.(*core.Settlement)

	if w.chain != nil {
		_, err = ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
			w.submitOnChainSettlement(stepCtx, st, p.Trade)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}

	if w.ws != nil {
		w.ws.BroadcastTradeExecuted(st)
	}
	return st, nil
}

func (w *Workflows) insertSettlement(ctx context.Context, p SettleInput) (*core.Settlement, error) {
	tm := p.Trade
	totalAmount := tm.MatchedAmount.Mul(tm.MatchPrice)
	fee := totalAmount.Mul(p.FeeRate)
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

	tx, err := w.beginr.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("begin durable settlement", err)
	}
	if err := w.settlements.Insert(ctx, tx, st); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := w.matches.SetSettlementID(ctx, tx, tm.MatchID, st.ID); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if fee.IsPositive() && p.FeeAccount != uuid.Nil {
		if err := w.ledger.LockFunds(ctx, tx, p.FeeAccount, st.ID, fee); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseFailure("commit durable settlement", err)
	}
	return st, nil
}

func (w *Workflows) submitOnChainSettlement(ctx context.Context, st *core.Settlement, tm core.TradeMatch) {
	rpcCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sig, err := w.chain.ExecuteSettlement(rpcCtx, st, nil, nil)
	tx, beginErr := w.beginr.Begin(ctx)
	if beginErr != nil {
		w.logger.Error("begin durable settlement status update failed", "settlement_id", st.ID, "error", beginErr.Error())
		return
	}
	if err != nil {
		w.logger.Error("on-chain settlement failed", "settlement_id", st.ID, "error", err.Error())
		if uerr := w.settlements.UpdateStatus(ctx, tx, st.ID, core.SettlementFailed, nil); uerr != nil {
			tx.Rollback(ctx)
			w.logger.Error("mark durable settlement failed update failed", "settlement_id", st.ID, "error", uerr.Error())
			return
		}
	} else {
		if uerr := w.settlements.UpdateStatus(ctx, tx, st.ID, core.SettlementConfirmed, &sig); uerr != nil {
			tx.Rollback(ctx)
			w.logger.Error("mark durable settlement confirmed update failed", "settlement_id", st.ID, "error", uerr.Error())
			return
		}
	}
	if cerr := tx.Commit(ctx); cerr != nil {
		w.logger.Error("commit durable settlement status update failed", "settlement_id", st.ID, "error", cerr.Error())
	}
}
