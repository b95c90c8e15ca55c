// Package pricemonitor implements the Price Monitor: the background worker
// that evaluates conditional orders (stop-loss, take-profit, trailing stop)
// against the current market reference price and fires the ones whose
// trigger condition is met.
package pricemonitor

import (
	"context"
	"sync"
	"time"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/epoch"
	"p2p_energy_market/internal/escrow"
	"p2p_energy_market/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultInterval  = 10 * time.Second
	referenceWindow  = time.Hour
	batchLimit       = 100
	triggeredExpiry  = 24 * time.Hour
)

// Monitor is the Price Monitor.
type Monitor struct {
	orders   core.IOrderRepository
	epochs   *epoch.Registry
	ledger   *escrow.Ledger
	beginr   core.ITxBeginner
	ws       core.IWebSocketBroadcaster
	logger   core.ILogger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(orders core.IOrderRepository, epochs *epoch.Registry, ledger *escrow.Ledger, beginr core.ITxBeginner, ws core.IWebSocketBroadcaster, logger core.ILogger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		orders: orders, epochs: epochs, ledger: ledger, beginr: beginr, ws: ws,
		logger: logger.WithField("component", "price_monitor"), interval: interval,
	}
}

// Run starts the tick loop and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("starting price monitor", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, runCancel := context.WithTimeout(ctx, 30*time.Second)
			if err := m.checkAndTrigger(runCtx); err != nil {
				m.logger.Error("price monitor tick failed", "error", err.Error())
			}
			runCancel()
		}
	}
}

// Stop cancels the tick loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var _ core.IRunner = (*Monitor)(nil)

func (m *Monitor) checkAndTrigger(ctx context.Context) error {
	now := time.Now().UTC()
	price, ok, err := m.orders.RecentFilledAveragePrice(ctx, now.Add(-referenceWindow))
	if err != nil {
		return err
	}
	if !ok || !price.IsPositive() {
		return nil
	}

	pending, err := m.orders.PendingConditional(ctx, batchLimit, now)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	m.logger.Debug("checking conditional orders", "count", len(pending), "current_price", price.String())

	if mh := telemetry.GetGlobalMetrics(); mh.TriggersEvaluated != nil {
		mh.TriggersEvaluated.Add(ctx, int64(len(pending)))
	}

	for _, o := range pending {
		if o.TriggerType == nil {
			continue
		}
		switch *o.TriggerType {
		case core.TriggerTrailingStop:
			m.evaluateTrailing(ctx, o, price, now)
		default:
			triggerPrice := decimal.Zero
			if o.TriggerPrice != nil {
				triggerPrice = *o.TriggerPrice
			}
			if simpleTriggerFires(*o.TriggerType, o.Side, triggerPrice, price) {
				m.fire(ctx, o, price, now)
			}
		}
	}
	return nil
}

// simpleTriggerFires implements the stop-loss/take-profit predicate table.
func simpleTriggerFires(kind core.TriggerType, side core.OrderSide, triggerPrice, current decimal.Decimal) bool {
	switch {
	case kind == core.TriggerStopLoss && side == core.SideSell:
		return current.LessThanOrEqual(triggerPrice)
	case kind == core.TriggerStopLoss && side == core.SideBuy:
		return current.GreaterThanOrEqual(triggerPrice)
	case kind == core.TriggerTakeProfit && side == core.SideSell:
		return current.GreaterThanOrEqual(triggerPrice)
	case kind == core.TriggerTakeProfit && side == core.SideBuy:
		return current.LessThanOrEqual(triggerPrice)
	default:
		return false
	}
}

// evaluateTrailing advances the trailing reference (peak for sell, trough
// for buy) every tick and fires once price retraces by trailing_offset from
// that reference. The reference is persisted so it survives restarts.
func (m *Monitor) evaluateTrailing(ctx context.Context, o *core.Order, current decimal.Decimal, now time.Time) {
	offset := decimal.Zero
	if o.TrailingOffset != nil {
		offset = *o.TrailingOffset
	}
	reference := current
	if o.TrailingReferencePrice != nil {
		reference = *o.TrailingReferencePrice
	}

	var fires bool
	switch o.Side {
	case core.SideSell:
		if current.GreaterThan(reference) {
			reference = current
		}
		fires = current.LessThanOrEqual(reference.Sub(offset))
	case core.SideBuy:
		if current.LessThan(reference) {
			reference = current
		}
		fires = current.GreaterThanOrEqual(reference.Add(offset))
	}

	if fires {
		m.fire(ctx, o, current, now)
		return
	}

	if o.TrailingReferencePrice != nil && reference.Equal(*o.TrailingReferencePrice) {
		return
	}
	o.TrailingReferencePrice = &reference
	if err := m.persist(ctx, o); err != nil {
		m.logger.Error("persist trailing reference failed", "order_id", o.ID.String(), "error", err.Error())
	}
}

func (m *Monitor) persist(ctx context.Context, o *core.Order) error {
	tx, err := m.beginr.Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseFailure("begin trailing reference update", err)
	}
	if err := m.orders.Update(ctx, tx, o); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// fire marks the conditional order triggered and submits the standard child
// order it specifies, locking escrow for it exactly as ordinary order intake
// does.
func (m *Monitor) fire(ctx context.Context, o *core.Order, currentPrice decimal.Decimal, now time.Time) {
	m.logger.Info("conditional order triggered", "order_id", o.ID.String(), "current_price", currentPrice.String())

	ep, err := m.epochs.GetOrCreateEpoch(ctx, now)
	if err != nil {
		m.logger.Error("get epoch for triggered order failed", "order_id", o.ID.String(), "error", err.Error())
		return
	}

	childType := core.OrderTypeMarket
	if o.PricePerKWh.IsPositive() {
		childType = core.OrderTypeLimit
	}
	expiry := now.Add(triggeredExpiry)
	child := &core.Order{
		ID:           uuid.New(),
		UserID:       o.UserID,
		Side:         o.Side,
		OrderType:    childType,
		EnergyAmount: o.EnergyAmount,
		PricePerKWh:  o.PricePerKWh,
		Status:       core.OrderStatusPending,
		ExpiresAt:    expiry,
		CreatedAt:    now,
		EpochID:      ep.ID,
		ZoneID:       o.ZoneID,
		MeterID:      o.MeterID,
		SessionToken: o.SessionToken,
	}

	triggeredAt := now
	o.TriggerStatus = statusPtr(core.TriggerStatusTriggered)
	o.TriggeredAt = &triggeredAt

	tx, err := m.beginr.Begin(ctx)
	if err != nil {
		m.logger.Error("begin trigger failed", "order_id", o.ID.String(), "error", err.Error())
		return
	}
	if err := m.orders.Update(ctx, tx, o); err != nil {
		tx.Rollback(ctx)
		m.logger.Error("mark parent triggered failed", "order_id", o.ID.String(), "error", err.Error())
		return
	}
	if err := m.orders.Insert(ctx, tx, child); err != nil {
		tx.Rollback(ctx)
		m.logger.Error("insert triggered child order failed", "order_id", o.ID.String(), "error", err.Error())
		return
	}
	if err := m.lockForOrder(ctx, tx, child); err != nil {
		tx.Rollback(ctx)
		m.logger.Error("lock escrow for triggered order failed", "order_id", o.ID.String(), "error", err.Error())
		return
	}
	if err := tx.Commit(ctx); err != nil {
		m.logger.Error("commit trigger failed", "order_id", o.ID.String(), "error", err.Error())
		return
	}

	if m.ws != nil {
		m.ws.BroadcastOrderUpdated(o)
		m.ws.BroadcastOrderCreated(child)
		m.ws.BroadcastP2POrderUpdate(child)
	}
}

func (m *Monitor) lockForOrder(ctx context.Context, tx core.Tx, o *core.Order) error {
	if o.Side == core.SideBuy {
		locked := o.EnergyAmount.Mul(o.PricePerKWh)
		if !locked.IsPositive() {
			return nil
		}
		return m.ledger.LockFunds(ctx, tx, o.UserID, o.ID, locked)
	}
	return m.ledger.LockEnergy(ctx, tx, o.UserID, o.ID, o.EnergyAmount)
}

func statusPtr(s core.TriggerStatus) *core.TriggerStatus { return &s }
