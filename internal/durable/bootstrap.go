package durable

import (
	"context"
	"fmt"

	"p2p_energy_market/internal/core"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AppName identifies this service to the DBOS control plane; workflow and
// step results are namespaced under it.
const AppName = "p2p-energy-market-core"

// NewContext constructs the DBOS runtime context the gateway launches at
// startup and passes to Engine. It does not call Launch; the caller
// launches once the Engine wrapping it has been constructed.
func NewContext(databaseURL string) (dbos.DBOSContext, error) {
	ctx, err := dbos.NewDBOSContext(dbos.Config{
		AppName:     AppName,
		DatabaseURL: databaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("construct dbos context: %w", err)
	}
	return ctx, nil
}

// Engine drives order intake and settlement through their durable
// workflows, the same dbosCtx.RunWorkflow/handle.GetResult shape the
// market-maker's own DBOS engine uses.
type Engine struct {
	dbosCtx dbos.DBOSContext
	wf      *Workflows
	logger  core.ILogger
}

func NewEngine(dbosCtx dbos.DBOSContext, wf *Workflows, logger core.ILogger) *Engine {
	return &Engine{dbosCtx: dbosCtx, wf: wf, logger: logger.WithField("component", "durable_engine")}
}

// Start launches the DBOS runtime.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting durable engine")
	return e.dbosCtx.Launch()
}

// Stop shuts the DBOS runtime down, giving in-flight steps 30s to finish.
func (e *Engine) Stop() error {
	e.logger.Info("stopping durable engine")
	e.dbosCtx.Shutdown(30 * 1000 * 1000 * 1000)
	return nil
}

// CreateOrder runs the order-intake workflow durably and blocks for its result.
func (e *Engine) CreateOrder(ctx context.Context, input CreateOrderInput) (*core.Order, error) {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.wf.CreateOrder, input)
	if err != nil {
		return nil, fmt.Errorf("start create order workflow: %w", err)
	}
	result, err := handle.GetResult()
	if err != nil {
		return nil, err
	}
	return result.(*core.Order), nil
}

// Settle runs the settlement workflow durably and blocks for its result.
func (e *Engine) Settle(ctx context.Context, input SettleInput) (*core.Settlement, error) {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.wf.Settle, input)
	if err != nil {
		return nil, fmt.Errorf("start settle workflow: %w", err)
	}
	result, err := handle.GetResult()
	if err != nil {
		return nil, err
	}
	return result.(*core.Settlement), nil
}

// SettlementTrigger adapts Engine.Settle to the narrow, error-only surface
// matching.Engine calls after a match is produced, so the Order Matching
// Engine can drive settlement through the durable workflow without
// depending on the durable package directly.
type SettlementTrigger struct {
	engine     *Engine
	feeRate    decimal.Decimal
	feeAccount uuid.UUID
}

func NewSettlementTrigger(engine *Engine, feeRate decimal.Decimal, feeAccount uuid.UUID) *SettlementTrigger {
	return &SettlementTrigger{engine: engine, feeRate: feeRate, feeAccount: feeAccount}
}

func (t *SettlementTrigger) Settle(ctx context.Context, tm core.TradeMatch) error {
	_, err := t.engine.Settle(ctx, SettleInput{Trade: tm, FeeRate: t.feeRate, FeeAccount: t.feeAccount})
	return err
}
