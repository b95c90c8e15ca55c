// Package core defines the shared domain types and cross-cutting interfaces
// for the market core.
package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType distinguishes limit orders (priced) from market orders (best available).
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusActive          OrderStatus = "active"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusSettled         OrderStatus = "settled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// TriggerType names the conditional-order predicate family.
type TriggerType string

const (
	TriggerStopLoss     TriggerType = "stop_loss"
	TriggerTakeProfit   TriggerType = "take_profit"
	TriggerTrailingStop TriggerType = "trailing_stop"
)

// TriggerStatus is the lifecycle of a conditional order's trigger.
type TriggerStatus string

const (
	TriggerStatusPending   TriggerStatus = "pending"
	TriggerStatusTriggered TriggerStatus = "triggered"
	TriggerStatusCancelled TriggerStatus = "cancelled"
	TriggerStatusExpired   TriggerStatus = "expired"
)

// EpochStatus is the state-machine state of a market epoch.
type EpochStatus string

const (
	EpochPending EpochStatus = "pending"
	EpochActive  EpochStatus = "active"
	EpochCleared EpochStatus = "cleared"
	EpochSettled EpochStatus = "settled"
)

// AssetType is the class of balance an EscrowEntry locks.
type AssetType string

const (
	AssetCurrency AssetType = "currency"
	AssetEnergy   AssetType = "energy"
)

// EscrowType records which side of a trade an EscrowEntry was locked for.
type EscrowType string

const (
	EscrowBuyLock  EscrowType = "buy_lock"
	EscrowSellLock EscrowType = "sell_lock"
)

// EscrowStatus is the lifecycle of an EscrowEntry.
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// MatchStatus is the lifecycle of an OrderMatch.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchSettled   MatchStatus = "settled"
	MatchFailed    MatchStatus = "failed"
)

// SettlementStatus is the lifecycle of a Settlement.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementConfirmed  SettlementStatus = "confirmed"
	SettlementFailed     SettlementStatus = "failed"
)

// RecurringInterval is the cadence of a RecurringOrder.
type RecurringInterval string

const (
	IntervalHourly  RecurringInterval = "hourly"
	IntervalDaily   RecurringInterval = "daily"
	IntervalWeekly  RecurringInterval = "weekly"
	IntervalMonthly RecurringInterval = "monthly"
)

// RecurringStatus is the lifecycle of a RecurringOrder template.
type RecurringStatus string

const (
	RecurringActive    RecurringStatus = "active"
	RecurringPaused    RecurringStatus = "paused"
	RecurringCancelled RecurringStatus = "cancelled"
	RecurringCompleted RecurringStatus = "completed"
)

// ExecutionStatus records the outcome of one Recurring Scheduler attempt.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Order is a bid or ask in the market core, standard or conditional.
type Order struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Side            OrderSide
	OrderType       OrderType
	EnergyAmount    decimal.Decimal
	PricePerKWh     decimal.Decimal
	FilledAmount    decimal.Decimal
	Status          OrderStatus
	ExpiresAt       time.Time
	CreatedAt       time.Time
	FilledAt        *time.Time
	EpochID         uuid.UUID
	ZoneID          *int32
	MeterID         *uuid.UUID
	OrderPDA        *string
	RefundTxSig     *string
	SessionToken    *string

	TriggerPrice           *decimal.Decimal
	TriggerType            *TriggerType
	TriggerStatus          *TriggerStatus
	TrailingOffset         *decimal.Decimal
	TrailingReferencePrice *decimal.Decimal
	TriggeredAt            *time.Time
}

// Remaining returns the unfilled residual of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.EnergyAmount.Sub(o.FilledAmount)
}

// IsConditional reports whether the order carries a trigger.
func (o *Order) IsConditional() bool {
	return o.TriggerType != nil
}

// OrderMatch is one counterparty pairing produced by the Order Matching Engine.
type OrderMatch struct {
	ID            uuid.UUID
	EpochID       uuid.UUID
	BuyOrderID    uuid.UUID
	SellOrderID   uuid.UUID
	MatchedAmount decimal.Decimal
	MatchPrice    decimal.Decimal
	MatchTime     time.Time
	Status        MatchStatus
	SettlementID  *uuid.UUID
}

// Epoch is a 15-minute clearing window.
type Epoch struct {
	ID            uuid.UUID
	EpochNumber   int64
	StartTime     time.Time
	EndTime       time.Time
	Status        EpochStatus
	ClearingPrice *decimal.Decimal
	TotalVolume   decimal.Decimal
	TotalOrders   int64
	MatchedOrders int64
}

// EscrowEntry is a single balance lock scoped to an order.
type EscrowEntry struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	OrderID    *uuid.UUID
	Amount     decimal.Decimal
	AssetType  AssetType
	EscrowType EscrowType
	Status     EscrowStatus
	Descr      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Settlement is the realised trade derived from an OrderMatch.
type Settlement struct {
	ID              uuid.UUID
	EpochID         uuid.UUID
	BuyerID         uuid.UUID
	SellerID        uuid.UUID
	EnergyAmount    decimal.Decimal
	PricePerKWh     decimal.Decimal
	TotalAmount     decimal.Decimal
	FeeAmount       decimal.Decimal
	WheelingCharge  decimal.Decimal
	LossFactor      decimal.Decimal
	LossCost        decimal.Decimal
	EffectiveEnergy decimal.Decimal
	BuyerZoneID     *int32
	SellerZoneID    *int32
	NetAmount       decimal.Decimal
	Status          SettlementStatus
	OnChainSig      *string
}

// RecurringOrder is a template that materialises periodic child orders (DCA).
type RecurringOrder struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Side             OrderSide
	EnergyAmount     decimal.Decimal
	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	IntervalType     RecurringInterval
	IntervalValue    int
	NextExecutionAt  time.Time
	LastExecutedAt   *time.Time
	TotalExecutions  int
	MaxExecutions    *int
	Status           RecurringStatus
}

// RecurringOrderExecution audits one Recurring Scheduler attempt against a template.
type RecurringOrderExecution struct {
	ID               uuid.UUID
	RecurringOrderID uuid.UUID
	ChildOrderID     *uuid.UUID
	Status           ExecutionStatus
	ErrorMessage     *string
	ExecutedAt       time.Time
}

// MeterRegistryEntry is a user's registered physical meter, consumed for zone
// auto-detection; meter ingestion itself is out of core.
type MeterRegistryEntry struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Serial       string
	ZoneID       int32
	RegisteredAt time.Time
}

// TradeMatch is the aggregate the Settlement Service consumes: everything it
// needs to compute fees, effective energy, and net amounts without a second
// round-trip to the order/match tables.
type TradeMatch struct {
	MatchID        uuid.UUID
	EpochID        uuid.UUID
	BuyOrderID     uuid.UUID
	SellOrderID    uuid.UUID
	BuyerID        uuid.UUID
	SellerID       uuid.UUID
	MatchedAmount  decimal.Decimal
	MatchPrice     decimal.Decimal
	WheelingCharge decimal.Decimal
	LossFactor     decimal.Decimal
	LossCost       decimal.Decimal
	BuyerZoneID    *int32
	SellerZoneID   *int32
	BuyerSession   *string
	SellerSession  *string
}

// EpochTransitionEvent is published by the Epoch Scheduler on every transition.
type EpochTransitionEvent struct {
	EpochID        uuid.UUID
	EpochNumber    int64
	OldStatus      EpochStatus
	NewStatus      EpochStatus
	TransitionTime time.Time
}
