package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	blockchainsvc "p2p_energy_market/internal/blockchain"
	"p2p_energy_market/internal/bootstrap"
	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/durable"
	"p2p_energy_market/internal/epoch"
	"p2p_energy_market/internal/escrow"
	"p2p_energy_market/internal/gridtopology"
	"p2p_energy_market/internal/infrastructure/health"
	"p2p_energy_market/internal/infrastructure/metrics"
	infraserver "p2p_energy_market/internal/infrastructure/server"
	"p2p_energy_market/internal/matching"
	"p2p_energy_market/internal/scheduler/epochscheduler"
	"p2p_energy_market/internal/scheduler/pricemonitor"
	"p2p_energy_market/internal/scheduler/recurring"
	"p2p_energy_market/internal/settlement"
	"p2p_energy_market/internal/storage/postgres"
	"p2p_energy_market/internal/wallet"
	pkghttp "p2p_energy_market/pkg/http"
	"p2p_energy_market/pkg/liveserver"
	"p2p_energy_market/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		panic(err)
	}
	logger := app.Logger
	cfg := app.Cfg

	telem, err := telemetry.Setup("p2p-energy-market-core")
	if err != nil {
		logger.Fatal("failed to set up telemetry", "error", err)
	}

	pool, err := postgres.Open(context.Background(), cfg.App.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open database pool", "error", err)
	}
	defer pool.Close()

	orders := postgres.NewOrderRepository(pool)
	epochs := postgres.NewEpochRepository(pool)
	recurringRepo := postgres.NewRecurringRepository(pool)
	settlements := postgres.NewSettlementRepository(pool)
	escrowRepo := postgres.NewEscrowRepository()
	matches := postgres.NewMatchRepository()

	grid := gridtopology.New(gridtopology.DefaultConfig())
	ledger := escrow.New(escrowRepo)
	epochRegistry := epoch.New(epochs, pool)

	hub := liveserver.NewHub(logger)
	ws := liveserver.NewServer(hub, logger, nil)
	broadcaster := liveserver.NewBroadcaster(hub)

	platformFeeAccountID, err := uuid.Parse(cfg.Settlement.PlatformFeeAccountUserID)
	if err != nil {
		logger.Fatal("invalid settlement.platform_fee_account_user_id", "error", err)
	}

	var chain core.IBlockchainService
	var walletSvc core.IWalletService
	if cfg.Blockchain.EnableRealBlockchain {
		httpClient := pkghttp.NewClient(cfg.Blockchain.RPCURL, time.Duration(cfg.Blockchain.RPCTimeoutSecs)*time.Second, nil)
		chain = blockchainsvc.New(httpClient, cfg.Blockchain.MarketProgramID, cfg.Blockchain.EscrowProgramID, logger)
		walletSvc = wallet.New(httpClient, logger)
	}

	feeRate := decimal.NewFromFloat(cfg.Settlement.PlatformFeeRate)

	settlementCfg := settlement.DefaultConfig(platformFeeAccountID)
	settlementCfg.PlatformFeeRate = feeRate
	settlementCfg.EnableRealBlockchain = cfg.Blockchain.EnableRealBlockchain
	settlementSvc := settlement.New(settlements, matches, ledger, pool, walletSvc, chain, broadcaster, logger, settlementCfg)

	// marketclearing.Service itself is wired by whatever order-intake front
	// door (HTTP/gRPC) a deployment attaches to this process; that layer is
	// an external collaborator per scope and has no in-tree caller here.

	var settleTrigger matching.SettlementTrigger = settlementSvc

	var durableEngine *durable.Engine
	if cfg.App.EnableDurableWorkflows {
		dbosCtx, err := durable.NewContext(cfg.App.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to construct durable context", "error", err)
		}
		workflows := durable.NewWorkflows(orders, epochRegistry, ledger, settlements, matches, pool, chain, broadcaster, logger)
		durableEngine = durable.NewEngine(dbosCtx, workflows, logger)
		settleTrigger = durable.NewSettlementTrigger(durableEngine, feeRate, platformFeeAccountID)
	}

	matchingEngine := matching.New(
		orders, matches, ledger, epochRegistry, grid, pool, broadcaster,
		settleTrigger, logger, time.Duration(cfg.Matching.MatchingIntervalSecs)*time.Second,
	)

	epochSched := epochscheduler.New(
		epochRegistry, matchingEngine, broadcaster, logger,
		time.Duration(cfg.Matching.EpochTransitionIntervalSecs)*time.Second,
	)
	priceMon := pricemonitor.New(
		orders, epochRegistry, ledger, pool, broadcaster, logger,
		time.Duration(cfg.Matching.PriceMonitorIntervalSecs)*time.Second,
	)
	recurringSched := recurring.New(
		recurringRepo, orders, epochRegistry, ledger, pool, broadcaster, logger,
		time.Duration(cfg.Matching.RecurringIntervalSecs)*time.Second,
	)

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("database", func() error {
		return pool.Raw().Ping(context.Background())
	})

	metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	healthSrv := infraserver.NewHealthServer(fmt.Sprintf("%d", cfg.Telemetry.HealthPort), logger, healthMgr)

	runners := []bootstrap.Runner{
		matchingEngine,
		epochSched,
		priceMon,
		recurringSched,
		runnerFunc(func(ctx context.Context) error {
			go hub.Run(ctx)
			return ws.Start(ctx, fmt.Sprintf(":%d", cfg.App.WebsocketPort))
		}),
		runnerFunc(func(ctx context.Context) error {
			metricsSrv.Start()
			<-ctx.Done()
			return metricsSrv.Stop(context.Background())
		}),
		runnerFunc(func(ctx context.Context) error {
			healthSrv.Start()
			<-ctx.Done()
			return healthSrv.Stop(context.Background())
		}),
	}

	if durableEngine != nil {
		runners = append(runners, runnerFunc(func(ctx context.Context) error {
			if err := durableEngine.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return durableEngine.Stop()
		}))
	}

	runErr := app.Run(runners...)
	if shutdownErr := telem.Shutdown(context.Background()); shutdownErr != nil {
		logger.Warn("telemetry shutdown failed", "error", shutdownErr.Error())
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// runnerFunc adapts a plain function to bootstrap.Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }
