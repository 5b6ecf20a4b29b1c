package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/strategos/db/migrations"
	"github.com/coachpo/strategos/internal/app/control"
	"github.com/coachpo/strategos/internal/app/orchestrator"
	"github.com/coachpo/strategos/internal/app/order"
	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/app/risk"
	"github.com/coachpo/strategos/internal/app/scheduler"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/app/strategy/js"
	"github.com/coachpo/strategos/internal/app/strategy/strategies"
	"github.com/coachpo/strategos/internal/domain/strategystore"
	"github.com/coachpo/strategos/internal/domain/tradestore"
	"github.com/coachpo/strategos/internal/infra/adapters/paper"
	"github.com/coachpo/strategos/internal/infra/config"
	"github.com/coachpo/strategos/internal/infra/persistence/memory"
	"github.com/coachpo/strategos/internal/infra/persistence/migrations"
	"github.com/coachpo/strategos/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/strategos/internal/infra/server/http"
	"github.com/coachpo/strategos/internal/infra/telemetry"
)

const meterName = "strategos/engine"

type engine struct {
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	control      *control.Service
	server       *http.Server
	close        func()
}

type stores struct {
	trades     tradestore.Store
	strategies strategystore.Store
	pool       *pgxpool.Pool
}

func openStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger, telem *telemetry.Provider) (stores, error) {
	if cfg.Backend == config.StorageMemory {
		logger.Warn("using in-memory storage; state is lost on restart")
		return stores{trades: memory.NewTradeStore(), strategies: memory.NewStrategyStore()}, nil
	}
	if cfg.RunMigrations {
		src := migrations.Embedded(dbmigrations.Files)
		if cfg.MigrationsPath != "" {
			src = migrations.Dir(cfg.MigrationsPath)
		}
		if err := migrations.ApplySource(ctx, cfg.DSN, src, logger.Named("migrate")); err != nil {
			return stores{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, cfg.DSN, postgres.PoolConfig{
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
	if err != nil {
		return stores{}, err
	}
	if err := postgres.ObservePoolMetrics(telem.Meter("strategos/postgres"), pool, "primary"); err != nil {
		logger.Warn("pool metrics unavailable", zap.Error(err))
	}
	return stores{
		trades:     postgres.NewTradeStore(pool),
		strategies: postgres.NewStrategyStore(pool),
		pool:       pool,
	}, nil
}

func buildRegistry(ctx context.Context, cfg config.StrategiesConfig, logger *zap.Logger) (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	if err := strategies.Register(reg); err != nil {
		return nil, fmt.Errorf("register built-in strategies: %w", err)
	}
	if cfg.Directory == "" {
		return reg, nil
	}
	loader, err := js.NewLoader(cfg.Directory)
	if err != nil {
		return nil, err
	}
	if err := loader.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load strategy scripts: %w", err)
	}
	if err := reg.Register(js.Definition(loader, js.DefinitionOptions{
		CallTimeout: cfg.CallTimeout,
		Logger:      logger.Named("script"),
	})); err != nil {
		return nil, err
	}
	logger.Info("script strategies loaded",
		zap.String("directory", cfg.Directory),
		zap.Int("modules", len(loader.List())))
	return reg, nil
}

func buildVenue(ctx context.Context, cfg config.ProviderConfig) (provider.Instance, error) {
	reg := provider.NewRegistry()
	paper.RegisterFactory(reg)
	venue, err := reg.Create(ctx, cfg.Adapter, cfg.SettingsCopy())
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", cfg.Adapter, err)
	}
	return venue, nil
}

func buildEngine(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, telem *telemetry.Provider) (*engine, error) {
	st, err := openStores(ctx, cfg.Database, logger, telem)
	if err != nil {
		return nil, err
	}
	closeStores := func() {
		if st.pool != nil {
			st.pool.Close()
		}
	}

	venue, err := buildVenue(ctx, cfg.Provider)
	if err != nil {
		closeStores()
		return nil, err
	}
	registry, err := buildRegistry(ctx, cfg.Strategies, logger)
	if err != nil {
		closeStores()
		return nil, err
	}

	meter := telem.Meter(meterName)
	riskManager := risk.NewManager(risk.Limits{
		MaxOrderQuantity: cfg.Risk.MaxOrderQuantity,
		MaxOrderNotional: cfg.Risk.MaxOrderNotional,
		MaxPositionSize:  cfg.Risk.MaxPositionSize,
		OrderThrottle:    cfg.Risk.OrderThrottle,
	})
	orders := order.NewManager(order.Config{
		FeeRate:         cfg.Engine.FeeRate,
		ExchangeTimeout: cfg.Engine.ExchangeTimeout,
		PollParallelism: cfg.Engine.PollParallelism,
	}, st.trades, venue,
		order.WithLogger(logger.Named("order")),
		order.WithRisk(riskManager),
		order.WithMeter(meter))

	orch := orchestrator.New(orchestrator.Config{
		MarketDataTimeout: cfg.Engine.MarketDataTimeout,
		RunTimeout:        cfg.Engine.RunTimeout,
		LeaseTTL:          cfg.Engine.LeaseTTL,
		Owner:             cfg.Engine.Owner,
	}, st.strategies, orders, venue, registry,
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithMeter(meter))

	sched := scheduler.New(orch, scheduler.WithLogger(logger.Named("scheduler")))
	svc := control.NewService(st.strategies, orders, registry, orch, sched,
		control.WithLogger(logger.Named("control")))

	handler := httpserver.NewHandler(svc, logger.Named("http"))
	return &engine{
		orchestrator: orch,
		scheduler:    sched,
		control:      svc,
		server:       httpserver.NewServer(cfg.APIServer.Addr, handler),
		close: func() {
			orch.Close()
			closeStores()
		},
	}, nil
}
