package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ILogger defines the interface for structured logging used across the core.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor defines the interface for health monitoring.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IRunner is implemented by every long-running background subsystem (OME,
// Epoch Scheduler, Price Monitor, Recurring Scheduler) so the supervisor can
// start and stop them uniformly.
type IRunner interface {
	Run(ctx context.Context) error
}

// IWalletService is the external collaborator that holds signing-key material.
// Wallet encryption primitives are out of core; only the operations consumed
// by the Settlement Service are specified.
type IWalletService interface {
	DecryptPrivateKey(ctx context.Context, masterSecret, encKey, salt, iv []byte) ([]byte, error)
	EncryptPrivateKey(ctx context.Context, masterSecret, plaintext []byte) (encKey, salt, iv []byte, err error)
	RequestAirdrop(ctx context.Context, pubkey string, sol decimal.Decimal) error
}

// IBlockchainService is the external collaborator fronting the on-chain
// program. On-chain program ABI specifics are out of core.
type IBlockchainService interface {
	ExecuteCreateOrder(ctx context.Context, order *Order) (signature string, orderPDA string, err error)
	ExecuteMatchOrders(ctx context.Context, match *OrderMatch) (signature string, err error)
	ExecuteSettlement(ctx context.Context, settlement *Settlement, buyerKey, sellerKey []byte) (signature string, err error)
	GetBalance(ctx context.Context, pubkey string) (decimal.Decimal, error)
	GetTokenBalance(ctx context.Context, pubkey, mint string) (decimal.Decimal, error)
	GetSignatureStatus(ctx context.Context, signature string) (confirmed bool, err error)
	EnergyProgramID() string
	TokenProgramID() string
}

// IWebSocketBroadcaster is the external collaborator for event fan-out.
// Transport (gorilla/websocket, connection management) lives in pkg/liveserver;
// this interface is the only surface the domain depends on.
type IWebSocketBroadcaster interface {
	BroadcastOrderCreated(order *Order)
	BroadcastOrderUpdated(order *Order)
	BroadcastOrderMatched(match *OrderMatch)
	BroadcastTradeExecuted(settlement *Settlement)
	BroadcastP2POrderUpdate(order *Order)
	BroadcastEpochTransition(event EpochTransitionEvent)
}

// IGridTopology is the pure zone-cost lookup described in the spec's grid
// topology component. No I/O, no allocation beyond the two returned decimals.
type IGridTopology interface {
	WheelingCharge(sellerZone, buyerZone *int32) decimal.Decimal
	LossFactor(sellerZone, buyerZone *int32) decimal.Decimal
}

// IEscrowRepository persists EscrowEntry rows. Implementations must take the
// relevant balance row FOR UPDATE inside the caller's transaction.
type IEscrowRepository interface {
	LockFunds(ctx context.Context, tx Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error
	LockEnergy(ctx context.Context, tx Tx, userID, orderID uuid.UUID, amount decimal.Decimal) error
	UnlockFunds(ctx context.Context, tx Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error
	UnlockEnergy(ctx context.Context, tx Tx, userID, orderID uuid.UUID, amount decimal.Decimal, reason string) error
	ReleaseOnMatch(ctx context.Context, tx Tx, buyOrderID, sellOrderID uuid.UUID, amount, price decimal.Decimal) error
	SumLocked(ctx context.Context, tx Tx, orderID uuid.UUID, assetType AssetType) (decimal.Decimal, error)
}

// Tx is a narrow transaction handle so repositories and the Escrow Ledger
// share one in-flight DB transaction without importing pgx directly into
// core. Concrete implementation wraps a pgx.Tx.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// IOrderRepository persists and queries Order rows.
type IOrderRepository interface {
	Insert(ctx context.Context, tx Tx, order *Order) error
	Update(ctx context.Context, tx Tx, order *Order) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	OpenBuys(ctx context.Context, epochID uuid.UUID) ([]*Order, error)
	OpenSellsSorted(ctx context.Context, epochID uuid.UUID) ([]*Order, error)
	ExpireStale(ctx context.Context, now time.Time) ([]*Order, error)
	PendingConditional(ctx context.Context, limit int, now time.Time) ([]*Order, error)
	RecentFilledAveragePrice(ctx context.Context, since time.Time) (decimal.Decimal, bool, error)
	CountInEpoch(ctx context.Context, epochID uuid.UUID) (int64, error)
	LatestMeterZone(ctx context.Context, userID uuid.UUID) (*int32, error)
}

// IEpochRepository persists and queries Epoch rows.
type IEpochRepository interface {
	Insert(ctx context.Context, tx Tx, epoch *Epoch) error
	Update(ctx context.Context, tx Tx, epoch *Epoch) error
	GetByNumber(ctx context.Context, epochNumber int64) (*Epoch, error)
	Latest(ctx context.Context) (*Epoch, error)
	PendingEnteringWindow(ctx context.Context, now time.Time) ([]*Epoch, error)
	ActiveExpired(ctx context.Context, now time.Time) ([]*Epoch, error)
	ClearedUnsettled(ctx context.Context) ([]*Epoch, error)
	RecentClearedOrSettled(ctx context.Context, limit int) ([]*Epoch, error)
}

// IMatchRepository persists OrderMatch rows.
type IMatchRepository interface {
	Insert(ctx context.Context, tx Tx, match *OrderMatch) error
	SetSettlementID(ctx context.Context, tx Tx, matchID, settlementID uuid.UUID) error
}

// ISettlementRepository persists Settlement rows.
type ISettlementRepository interface {
	Insert(ctx context.Context, tx Tx, settlement *Settlement) error
	UpdateStatus(ctx context.Context, tx Tx, id uuid.UUID, status SettlementStatus, onChainSig *string) error
	Failed(ctx context.Context) ([]*Settlement, error)
}

// IRecurringRepository persists RecurringOrder and RecurringOrderExecution rows.
type IRecurringRepository interface {
	DueBatch(ctx context.Context, now time.Time, limit int) ([]*RecurringOrder, error)
	Advance(ctx context.Context, tx Tx, order *RecurringOrder) error
	RecordExecution(ctx context.Context, tx Tx, execution *RecurringOrderExecution) error
}

// ITxBeginner begins a DB transaction; concrete implementation wraps pgxpool.Pool.
type ITxBeginner interface {
	Begin(ctx context.Context) (Tx, error)
}
