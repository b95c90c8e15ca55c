// Package marketclearing implements order intake: validation, zone
// detection, epoch assignment, escrow locking and optional on-chain
// submission for newly created orders.
package marketclearing

import (
	"context"
	"fmt"
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
	defaultExpiry     = 24 * time.Hour
	maxOrdersPerEpoch = 10000
)

// Config carries the tunables the service needs beyond its collaborators.
type Config struct {
	MaxOrdersPerEpoch int
}

func DefaultConfig() Config {
	return Config{MaxOrdersPerEpoch: maxOrdersPerEpoch}
}

// Service is the Market Clearing Service.
type Service struct {
	orders  core.IOrderRepository
	epochs  *epoch.Registry
	ledger  *escrow.Ledger
	beginr  core.ITxBeginner
	chain   core.IBlockchainService // optional
	ws      core.IWebSocketBroadcaster
	logger  core.ILogger
	cfg     Config
}

func New(
	orders core.IOrderRepository,
	epochs *epoch.Registry,
	ledger *escrow.Ledger,
	beginr core.ITxBeginner,
	chain core.IBlockchainService,
	ws core.IWebSocketBroadcaster,
	logger core.ILogger,
	cfg Config,
) *Service {
	return &Service{orders: orders, epochs: epochs, ledger: ledger, beginr: beginr, chain: chain, ws: ws, logger: logger.WithField("component", "market_clearing"), cfg: cfg}
}

// CreateOrderParams is the validated input to CreateOrder.
type CreateOrderParams struct {
	UserID       uuid.UUID
	Side         core.OrderSide
	OrderType    core.OrderType
	EnergyAmount decimal.Decimal
	Price        decimal.Decimal // zero for market orders
	Expiry       *time.Time
	ZoneID       *int32
	MeterID      *uuid.UUID
	SessionToken *string
}

// CreateOrder validates, assigns an epoch, persists the order and locks
// escrow, all inside one transaction. On-chain submission, when a
// blockchain collaborator is configured, runs after commit and is
// non-fatal on failure.
func (s *Service) CreateOrder(ctx context.Context, p CreateOrderParams) (*core.Order, error) {
	if err := ValidateCreate(p); err != nil {
		return nil, err
	}

	zone := p.ZoneID
	if zone == nil {
		detected, err := s.orders.LatestMeterZone(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		zone = detected
	}

	now := time.Now().UTC()
	ep, err := s.epochs.GetOrCreateEpoch(ctx, now)
	if err != nil {
		return nil, err
	}

	count, err := s.orders.CountInEpoch(ctx, ep.ID)
	if err != nil {
		return nil, err
	}
	if count >= int64(s.cfg.MaxOrdersPerEpoch) {
		return nil, apperrors.NewValidationf("epoch %d has reached its order limit", ep.EpochNumber)
	}

	expiry := defaultExpiry
	expiresAt := now.Add(expiry)
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

	tx, err := s.beginr.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("begin create order", err)
	}
	if err := s.orders.Insert(ctx, tx, order); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := s.lockForOrder(ctx, tx, order); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseFailure("commit create order", err)
	}

	s.submitOnChainBestEffort(ctx, order)

	mh := telemetry.GetGlobalMetrics()
	if mh.OrdersPlacedTotal != nil {
		mh.OrdersPlacedTotal.Add(ctx, 1)
	}
	mh.AddActiveOrders(zoneLabel(order.ZoneID), 1)

	if s.ws != nil {
		s.ws.BroadcastOrderCreated(order)
		s.ws.BroadcastP2POrderUpdate(order)
	}

	return order, nil
}

// zoneLabel renders an order's grid zone as a metric attribute value,
// collapsing unzoned orders into a single bucket.
func zoneLabel(zoneID *int32) string {
	if zoneID == nil {
		return "unzoned"
	}
	return fmt.Sprintf("%d", *zoneID)
}

func (s *Service) lockForOrder(ctx context.Context, tx core.Tx, order *core.Order) error {
	switch order.Side {
	case core.SideBuy:
		locked := order.EnergyAmount.Mul(order.PricePerKWh)
		if !locked.IsPositive() {
			// A market buy carries price 0, so there is no currency to lock.
			return nil
		}
		return s.ledger.LockFunds(ctx, tx, order.UserID, order.ID, locked)
	case core.SideSell:
		return s.ledger.LockEnergy(ctx, tx, order.UserID, order.ID, order.EnergyAmount)
	default:
		return apperrors.NewInternal("unknown order side", nil)
	}
}

func (s *Service) submitOnChainBestEffort(ctx context.Context, order *core.Order) {
	if s.chain == nil {
		return
	}
	sig, pda, err := s.chain.ExecuteCreateOrder(ctx, order)
	if err != nil {
		s.logger.Warn("on-chain order submission failed, continuing off-chain", "order_id", order.ID, "error", err.Error())
		return
	}
	order.RefundTxSig = &sig
	order.OrderPDA = &pda
}

// escrowRequirement is the amount of escrow an order's full (unfilled)
// size currently demands: currency for buys, energy for sells.
func escrowRequirement(order *core.Order) decimal.Decimal {
	if order.Side == core.SideBuy {
		return order.EnergyAmount.Mul(order.PricePerKWh)
	}
	return order.EnergyAmount
}

// ValidateCreate checks the fields CreateOrder and the durable order-intake
// workflow both require before touching the database.
func ValidateCreate(p CreateOrderParams) error {
	if !p.EnergyAmount.IsPositive() {
		return apperrors.NewValidation("energy_amount must be positive")
	}
	if p.OrderType == core.OrderTypeLimit && !p.Price.IsPositive() {
		return apperrors.NewValidation("price_per_kwh must be positive for limit orders")
	}
	if p.Side != core.SideBuy && p.Side != core.SideSell {
		return apperrors.NewValidation("side must be buy or sell")
	}
	return nil
}

// CancelOrder cancels a pending order owned by userID and releases the
// corresponding escrow for its unfilled remainder.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*core.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperrors.NewUnauthorized("order does not belong to user")
	}
	if order.Status != core.OrderStatusPending {
		return nil, apperrors.NewValidation("only pending orders can be cancelled")
	}

	remaining := order.Remaining()
	order.Status = core.OrderStatusCancelled

	tx, err := s.beginr.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("begin cancel order", err)
	}
	if err := s.orders.Update(ctx, tx, order); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if remaining.IsPositive() {
		if err := s.refund(ctx, tx, order, remaining, "Order Cancelled"); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseFailure("commit cancel order", err)
	}

	telemetry.GetGlobalMetrics().AddActiveOrders(zoneLabel(order.ZoneID), -1)

	if s.ws != nil {
		s.ws.BroadcastOrderUpdated(order)
	}
	return order, nil
}

func (s *Service) refund(ctx context.Context, tx core.Tx, order *core.Order, amount decimal.Decimal, reason string) error {
	if order.Side == core.SideBuy {
		return s.ledger.UnlockFunds(ctx, tx, order.UserID, order.ID, amount.Mul(order.PricePerKWh), reason)
	}
	return s.ledger.UnlockEnergy(ctx, tx, order.UserID, order.ID, amount, reason)
}

// UpdateOrderParams carries the optional fields accepted by UpdateOrder.
type UpdateOrderParams struct {
	EnergyAmount *decimal.Decimal
	Price        *decimal.Decimal
}

// UpdateOrder adjusts a pending order's size or price, locking or
// refunding the escrow delta as needed.
func (s *Service) UpdateOrder(ctx context.Context, userID, orderID uuid.UUID, p UpdateOrderParams) (*core.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperrors.NewUnauthorized("order does not belong to user")
	}
	if order.Status != core.OrderStatusPending {
		return nil, apperrors.NewValidation("only pending orders can be updated")
	}

	oldRequirement := escrowRequirement(order)
	if p.EnergyAmount != nil {
		if !p.EnergyAmount.IsPositive() {
			return nil, apperrors.NewValidation("energy_amount must be positive")
		}
		order.EnergyAmount = *p.EnergyAmount
	}
	if p.Price != nil {
		if order.OrderType == core.OrderTypeLimit && !p.Price.IsPositive() {
			return nil, apperrors.NewValidation("price_per_kwh must be positive for limit orders")
		}
		order.PricePerKWh = *p.Price
	}
	newRequirement := escrowRequirement(order)

	tx, err := s.beginr.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("begin update order", err)
	}
	delta := newRequirement.Sub(oldRequirement)
	switch {
	case delta.IsPositive():
		if err := s.lockDelta(ctx, tx, order, delta); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
	case delta.IsNegative():
		if err := s.refundDelta(ctx, tx, order, delta.Neg()); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
	}
	if err := s.orders.Update(ctx, tx, order); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseFailure("commit update order", err)
	}

	if s.ws != nil {
		s.ws.BroadcastOrderUpdated(order)
	}
	return order, nil
}

func (s *Service) lockDelta(ctx context.Context, tx core.Tx, order *core.Order, delta decimal.Decimal) error {
	if order.Side == core.SideBuy {
		return s.ledger.LockFunds(ctx, tx, order.UserID, order.ID, delta)
	}
	return s.ledger.LockEnergy(ctx, tx, order.UserID, order.ID, delta)
}

func (s *Service) refundDelta(ctx context.Context, tx core.Tx, order *core.Order, delta decimal.Decimal) error {
	if order.Side == core.SideBuy {
		return s.ledger.UnlockFunds(ctx, tx, order.UserID, order.ID, delta, "Order Updated")
	}
	return s.ledger.UnlockEnergy(ctx, tx, order.UserID, order.ID, delta, "Order Updated")
}

// GetOrCreateEpoch exposes the Epoch Registry lookup used by callers that
// need the epoch an order would land in without creating one themselves.
func (s *Service) GetOrCreateEpoch(ctx context.Context, t time.Time) (*core.Epoch, error) {
	return s.epochs.GetOrCreateEpoch(ctx, t)
}
