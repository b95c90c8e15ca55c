// Package matching implements the Order Matching Engine: a background
// worker that periodically pairs open buy and sell orders by landed cost
// across grid zones.
package matching

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/epoch"
	"p2p_energy_market/internal/escrow"
	"p2p_energy_market/pkg/concurrency"
	"p2p_energy_market/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MinTradeAmount is the dust threshold below which a remaining order
// quantity is no longer worth matching.
var MinTradeAmount = decimal.NewFromFloat(0.1)

// SettlementTrigger is the narrow surface the Settlement Service exposes
// to the matching engine, kept separate from core to avoid an import cycle
// between matching and settlement.
type SettlementTrigger interface {
	Settle(ctx context.Context, tm core.TradeMatch) error
}

// Engine is the Order Matching Engine.
type Engine struct {
	orders   core.IOrderRepository
	matches  core.IMatchRepository
	ledger   *escrow.Ledger
	epochs   *epoch.Registry
	grid     core.IGridTopology
	beginr   core.ITxBeginner
	ws       core.IWebSocketBroadcaster
	settle   SettlementTrigger
	logger   core.ILogger
	interval time.Duration

	pool *concurrency.WorkerPool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(
	orders core.IOrderRepository,
	matches core.IMatchRepository,
	ledger *escrow.Ledger,
	epochs *epoch.Registry,
	grid core.IGridTopology,
	beginr core.ITxBeginner,
	ws core.IWebSocketBroadcaster,
	settle SettlementTrigger,
	logger core.ILogger,
	interval time.Duration,
) *Engine {
	logger = logger.WithField("component", "order_matching_engine")
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "order_matching_engine",
		MaxWorkers:  1,
		MaxCapacity: 1,
		NonBlocking: true,
	}, logger)
	return &Engine{
		orders: orders, matches: matches, ledger: ledger, epochs: epochs, grid: grid,
		beginr: beginr, ws: ws, settle: settle, logger: logger, interval: interval, pool: pool,
	}
}

// Run starts the tick loop and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.logger.Info("starting order matching engine", "interval", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.pool.Stop()
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Stop cancels the tick loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// tick submits one matching pass to a one-worker pool whose queue holds a
// single task; while a pass is running one further pass can wait in the
// queue and any submit beyond that is dropped, so at most one pass runs at
// a time.
func (e *Engine) tick(ctx context.Context) {
	err := e.pool.Submit(func() {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := e.expireStale(runCtx); err != nil {
			e.logger.Error("expire stale orders failed", "error", err.Error())
		}
		created, err := e.matchCycle(runCtx)
		if mh := telemetry.GetGlobalMetrics(); mh.LatencyMatchCycle != nil {
			mh.LatencyMatchCycle.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
		if err != nil {
			e.logger.Error("matching cycle failed", "error", err.Error())
			return
		}
		if created > 0 {
			e.logger.Info("matching cycle completed", "matches_created", created)
		}
	})
	if err != nil {
		e.logger.Warn("skipping tick, previous cycle still running")
	}
}

func (e *Engine) expireStale(ctx context.Context) error {
	expired, err := e.orders.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, order := range expired {
		remaining := order.Remaining()
		if !remaining.IsPositive() {
			continue
		}
		tx, err := e.beginr.Begin(ctx)
		if err != nil {
			e.logger.Error("begin expire refund failed", "order_id", order.ID, "error", err.Error())
			continue
		}
		var refundErr error
		if order.Side == core.SideBuy {
			refundErr = e.ledger.UnlockFunds(ctx, tx, order.UserID, order.ID, remaining.Mul(order.PricePerKWh), "Order Expired")
		} else {
			refundErr = e.ledger.UnlockEnergy(ctx, tx, order.UserID, order.ID, remaining, "Order Expired")
		}
		if refundErr != nil {
			tx.Rollback(ctx)
			e.logger.Error("refund for expired order failed", "order_id", order.ID, "error", refundErr.Error())
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			e.logger.Error("commit expire refund failed", "order_id", order.ID, "error", err.Error())
			continue
		}
		if e.ws != nil {
			e.ws.BroadcastOrderUpdated(order)
		}
	}
	return nil
}

type candidate struct {
	sell        *core.Order
	landedCost  decimal.Decimal
	wheeling    decimal.Decimal
	lossFactor  decimal.Decimal
	lossCostKWh decimal.Decimal
}

// matchCycle runs one full pass over the currently active epoch's open
// book. Called on every tick of the background loop.
func (e *Engine) matchCycle(ctx context.Context) (int, error) {
	ep, err := e.epochs.Current(ctx)
	if err != nil {
		return 0, err
	}
	if ep == nil {
		return 0, nil
	}
	return e.MatchEpoch(ctx, ep.ID)
}

// MatchEpoch runs one matching pass scoped to a specific epoch. The Epoch
// Scheduler calls this directly once an epoch transitions to cleared, so
// the final dust and remainder cleanup for that window happens immediately
// rather than waiting for the next tick.
func (e *Engine) MatchEpoch(ctx context.Context, epochID uuid.UUID) (int, error) {
	buys, err := e.orders.OpenBuys(ctx, epochID)
	if err != nil {
		return 0, err
	}
	sells, err := e.orders.OpenSellsSorted(ctx, epochID)
	if err != nil {
		return 0, err
	}
	if len(buys) == 0 || len(sells) == 0 {
		return 0, nil
	}

	matchesCreated := 0

	for _, buy := range buys {
		remainingBuy := buy.Remaining()
		if remainingBuy.LessThan(MinTradeAmount) {
			if remainingBuy.IsPositive() {
				buy.Status = core.OrderStatusCancelled
				e.persist(ctx, buy)
			}
			continue
		}

		candidates := e.buildCandidates(buy, sells)
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].landedCost.Equal(candidates[j].landedCost) {
				return candidates[i].landedCost.LessThan(candidates[j].landedCost)
			}
			if !candidates[i].sell.CreatedAt.Equal(candidates[j].sell.CreatedAt) {
				return candidates[i].sell.CreatedAt.Before(candidates[j].sell.CreatedAt)
			}
			return candidates[i].sell.ID.String() < candidates[j].sell.ID.String()
		})

		for _, c := range candidates {
			if remainingBuy.LessThan(MinTradeAmount) {
				break
			}
			remainingSell := c.sell.Remaining()
			if !remainingSell.IsPositive() {
				continue
			}
			matchAmount := decimal.Min(remainingBuy, remainingSell)

			if err := e.executeMatch(ctx, epochID, buy, c, matchAmount); err != nil {
				e.logger.Error("execute match failed", "buy_order_id", buy.ID, "sell_order_id", c.sell.ID, "error", err.Error())
				continue
			}
			matchesCreated++
			remainingBuy = remainingBuy.Sub(matchAmount)
		}

		e.finalizeBuy(ctx, buy)
	}

	return matchesCreated, nil
}

// buildCandidates computes landed cost for every open sell against buy and
// filters by the buyer's limit price. Market buys skip the price filter
// entirely and are ranked on landed cost alone.
func (e *Engine) buildCandidates(buy *core.Order, sells []*core.Order) []candidate {
	var out []candidate
	for _, sell := range sells {
		if !sell.Remaining().GreaterThanOrEqual(MinTradeAmount) {
			continue
		}
		wheeling := e.grid.WheelingCharge(sell.ZoneID, buy.ZoneID)
		lossFactor := e.grid.LossFactor(sell.ZoneID, buy.ZoneID)
		lossCost := sell.PricePerKWh.Mul(lossFactor)
		landed := sell.PricePerKWh.Add(wheeling).Add(lossCost)

		if buy.OrderType != core.OrderTypeMarket && landed.GreaterThan(buy.PricePerKWh) {
			continue
		}
		out = append(out, candidate{sell: sell, landedCost: landed, wheeling: wheeling, lossFactor: lossFactor, lossCostKWh: lossCost})
	}
	return out
}

// executeMatch inserts the OrderMatch, releases escrow and updates fill
// state on the sell order within a single transaction, then triggers
// settlement and broadcasts the match event.
func (e *Engine) executeMatch(ctx context.Context, epochID uuid.UUID, buy *core.Order, c candidate, matchAmount decimal.Decimal) error {
	sell := c.sell

	tx, err := e.beginr.Begin(ctx)
	if err != nil {
		return err
	}

	m := &core.OrderMatch{
		ID:            uuid.New(),
		EpochID:       epochID,
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		MatchedAmount: matchAmount,
		MatchPrice:    sell.PricePerKWh,
		MatchTime:     time.Now().UTC(),
		Status:        core.MatchPending,
	}
	if err := e.matches.Insert(ctx, tx, m); err != nil {
		tx.Rollback(ctx)
		return err
	}

	if err := e.ledger.ReleaseOnMatch(ctx, tx, buy.ID, sell.ID, matchAmount, sell.PricePerKWh); err != nil {
		tx.Rollback(ctx)
		return err
	}

	sell.FilledAmount = sell.FilledAmount.Add(matchAmount)
	sellFilled := sell.FilledAmount.GreaterThanOrEqual(sell.EnergyAmount)
	if sellFilled {
		sell.Status = core.OrderStatusFilled
	} else {
		sell.Status = core.OrderStatusPartiallyFilled
	}
	if err := e.orders.Update(ctx, tx, sell); err != nil {
		tx.Rollback(ctx)
		return err
	}

	buy.FilledAmount = buy.FilledAmount.Add(matchAmount)

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if e.ws != nil {
		e.ws.BroadcastOrderMatched(m)
	}

	mh := telemetry.GetGlobalMetrics()
	if mh.MatchesTotal != nil {
		mh.MatchesTotal.Add(ctx, 1)
	}
	if mh.VolumeTotal != nil {
		vol, _ := matchAmount.Float64()
		mh.VolumeTotal.Add(ctx, vol)
	}
	if sellFilled {
		if mh.OrdersFilledTotal != nil {
			mh.OrdersFilledTotal.Add(ctx, 1)
		}
		mh.AddActiveOrders(zoneLabel(sell.ZoneID), -1)
	}

	if e.settle != nil {
		tm := core.TradeMatch{
			MatchID: m.ID, EpochID: epochID, BuyOrderID: buy.ID, SellOrderID: sell.ID,
			BuyerID: buy.UserID, SellerID: sell.UserID, MatchedAmount: matchAmount, MatchPrice: sell.PricePerKWh,
			WheelingCharge: c.wheeling.Mul(matchAmount), LossFactor: c.lossFactor, LossCost: c.lossCostKWh.Mul(matchAmount),
			BuyerZoneID: buy.ZoneID, SellerZoneID: sell.ZoneID, BuyerSession: buy.SessionToken, SellerSession: sell.SessionToken,
		}
		if err := e.settle.Settle(ctx, tm); err != nil {
			e.logger.Error("settlement trigger failed", "match_id", m.ID, "error", err.Error())
		}
	}

	return nil
}

// finalizeBuy persists the buyer's accumulated fill state after all
// candidates for this tick have been walked.
func (e *Engine) finalizeBuy(ctx context.Context, buy *core.Order) {
	switch {
	case buy.FilledAmount.GreaterThanOrEqual(buy.EnergyAmount):
		buy.Status = core.OrderStatusFilled
		mh := telemetry.GetGlobalMetrics()
		if mh.OrdersFilledTotal != nil {
			mh.OrdersFilledTotal.Add(ctx, 1)
		}
		mh.AddActiveOrders(zoneLabel(buy.ZoneID), -1)
	case buy.FilledAmount.IsPositive():
		buy.Status = core.OrderStatusPartiallyFilled
	default:
		buy.Status = core.OrderStatusActive
	}
	e.persist(ctx, buy)
}

// zoneLabel renders an order's grid zone as a metric attribute value,
// collapsing unzoned orders into a single bucket.
func zoneLabel(zoneID *int32) string {
	if zoneID == nil {
		return "unzoned"
	}
	return fmt.Sprintf("%d", *zoneID)
}

// persist writes order's current in-memory state in its own transaction
// and broadcasts the update, logging rather than failing the tick on error.
func (e *Engine) persist(ctx context.Context, order *core.Order) {
	tx, err := e.beginr.Begin(ctx)
	if err != nil {
		e.logger.Error("begin order update failed", "order_id", order.ID, "error", err.Error())
		return
	}
	if err := e.orders.Update(ctx, tx, order); err != nil {
		tx.Rollback(ctx)
		e.logger.Error("order update failed", "order_id", order.ID, "error", err.Error())
		return
	}
	if err := tx.Commit(ctx); err != nil {
		e.logger.Error("commit order update failed", "order_id", order.ID, "error", err.Error())
		return
	}
	if e.ws != nil {
		e.ws.BroadcastOrderUpdated(order)
	}
}

var _ core.IRunner = (*Engine)(nil)
