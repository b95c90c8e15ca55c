// Package recurring implements the Recurring Scheduler: the background
// worker that materialises child orders from active DCA templates on their
// configured cadence.
package recurring

import (
	"context"
	"sync"
	"time"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/epoch"
	"p2p_energy_market/internal/escrow"

	"github.com/google/uuid"
)

const (
	defaultInterval = 60 * time.Second
	batchLimit      = 50
	childExpiry     = 24 * time.Hour
	monthDays       = 30
)

// Scheduler is the Recurring Scheduler.
type Scheduler struct {
	recurring core.IRecurringRepository
	orders    core.IOrderRepository
	epochs    *epoch.Registry
	ledger    *escrow.Ledger
	beginr    core.ITxBeginner
	ws        core.IWebSocketBroadcaster
	logger    core.ILogger
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(recurring core.IRecurringRepository, orders core.IOrderRepository, epochs *epoch.Registry, ledger *escrow.Ledger, beginr core.ITxBeginner, ws core.IWebSocketBroadcaster, logger core.ILogger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		recurring: recurring, orders: orders, epochs: epochs, ledger: ledger, beginr: beginr, ws: ws,
		logger: logger.WithField("component", "recurring_scheduler"), interval: interval,
	}
}

// Run starts the tick loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("starting recurring scheduler", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, runCancel := context.WithTimeout(ctx, 30*time.Second)
			if err := s.processDue(runCtx); err != nil {
				s.logger.Error("recurring scheduler tick failed", "error", err.Error())
			}
			runCancel()
		}
	}
}

// Stop cancels the tick loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var _ core.IRunner = (*Scheduler)(nil)

func (s *Scheduler) processDue(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.recurring.DueBatch(ctx, now, batchLimit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	s.logger.Info("processing due recurring orders", "count", len(due))

	for _, ro := range due {
		if err := s.execute(ctx, ro, now); err != nil {
			s.logger.Error("recurring order execution failed", "recurring_order_id", ro.ID.String(), "error", err.Error())
			s.recordFailure(ctx, ro.ID, err)
		}
	}
	return nil
}

// execute materialises one child order from ro and advances its schedule,
// all inside one transaction.
func (s *Scheduler) execute(ctx context.Context, ro *core.RecurringOrder, now time.Time) error {
	ep, err := s.epochs.GetOrCreateEpoch(ctx, now)
	if err != nil {
		return err
	}

	price := ro.MinPrice
	if ro.Side == core.SideBuy {
		price = ro.MaxPrice
	}
	orderType := core.OrderTypeMarket
	if price.IsPositive() {
		orderType = core.OrderTypeLimit
	}

	child := &core.Order{
		ID:           uuid.New(),
		UserID:       ro.UserID,
		Side:         ro.Side,
		OrderType:    orderType,
		EnergyAmount: ro.EnergyAmount,
		PricePerKWh:  price,
		Status:       core.OrderStatusPending,
		ExpiresAt:    now.Add(childExpiry),
		CreatedAt:    now,
		EpochID:      ep.ID,
	}

	nextExecution := advance(now, ro.IntervalType, ro.IntervalValue)
	newTotal := ro.TotalExecutions + 1
	newStatus := core.RecurringActive
	if ro.MaxExecutions != nil && newTotal >= *ro.MaxExecutions {
		newStatus = core.RecurringCompleted
	}
	ro.NextExecutionAt = nextExecution
	ro.LastExecutedAt = &now
	ro.TotalExecutions = newTotal
	ro.Status = newStatus

	execution := &core.RecurringOrderExecution{
		ID:               uuid.New(),
		RecurringOrderID: ro.ID,
		ChildOrderID:     &child.ID,
		Status:           core.ExecutionSuccess,
		ExecutedAt:       now,
	}

	tx, err := s.beginr.Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseFailure("begin recurring execution", err)
	}
	if err := s.orders.Insert(ctx, tx, child); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := s.lockForOrder(ctx, tx, child); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := s.recurring.Advance(ctx, tx, ro); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := s.recurring.RecordExecution(ctx, tx, execution); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseFailure("commit recurring execution", err)
	}

	s.logger.Info("recurring order executed", "recurring_order_id", ro.ID.String(), "child_order_id", child.ID.String(),
		"total_executions", newTotal, "status", string(newStatus))

	if s.ws != nil {
		s.ws.BroadcastOrderCreated(child)
		s.ws.BroadcastP2POrderUpdate(child)
	}
	return nil
}

// lockForOrder locks the child order's required escrow, mirroring the
// market clearing service's order-intake lock.
func (s *Scheduler) lockForOrder(ctx context.Context, tx core.Tx, order *core.Order) error {
	switch order.Side {
	case core.SideBuy:
		locked := order.EnergyAmount.Mul(order.PricePerKWh)
		if !locked.IsPositive() {
			return nil
		}
		return s.ledger.LockFunds(ctx, tx, order.UserID, order.ID, locked)
	case core.SideSell:
		return s.ledger.LockEnergy(ctx, tx, order.UserID, order.ID, order.EnergyAmount)
	default:
		return apperrors.NewInternal("unknown order side", nil)
	}
}

// recordFailure persists an audit row for an execution attempt that failed
// before a child order could be created.
func (s *Scheduler) recordFailure(ctx context.Context, recurringID uuid.UUID, cause error) {
	msg := cause.Error()
	execution := &core.RecurringOrderExecution{
		ID:               uuid.New(),
		RecurringOrderID: recurringID,
		Status:           core.ExecutionFailed,
		ErrorMessage:     &msg,
		ExecutedAt:       time.Now().UTC(),
	}
	tx, err := s.beginr.Begin(ctx)
	if err != nil {
		s.logger.Error("begin recurring failure record failed", "recurring_order_id", recurringID.String(), "error", err.Error())
		return
	}
	if err := s.recurring.RecordExecution(ctx, tx, execution); err != nil {
		tx.Rollback(ctx)
		s.logger.Error("record recurring failure failed", "recurring_order_id", recurringID.String(), "error", err.Error())
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit recurring failure record failed", "recurring_order_id", recurringID.String(), "error", err.Error())
	}
}

// advance computes the next execution time for a recurring template's cadence.
func advance(now time.Time, interval core.RecurringInterval, value int) time.Time {
	if value <= 0 {
		value = 1
	}
	switch interval {
	case core.IntervalHourly:
		return now.Add(time.Duration(value) * time.Hour)
	case core.IntervalWeekly:
		return now.AddDate(0, 0, 7*value)
	case core.IntervalMonthly:
		return now.AddDate(0, 0, monthDays*value)
	case core.IntervalDaily:
		fallthrough
	default:
		return now.AddDate(0, 0, value)
	}
}
