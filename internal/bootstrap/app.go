// Package bootstrap wires configuration, logging, telemetry, storage and the
// engine components into a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"rebalancer/internal/alert"
	"rebalancer/internal/config"
	"rebalancer/internal/core"
	"rebalancer/internal/infrastructure/health"
	"rebalancer/internal/infrastructure/metrics"
	"rebalancer/internal/ledger"
	"rebalancer/internal/lifecycle"
	"rebalancer/internal/marketdata"
	"rebalancer/internal/store"
	"rebalancer/internal/worker"
	"rebalancer/pkg/concurrency"
	"rebalancer/pkg/logging"
	"rebalancer/pkg/telemetry"
)

// Store is the persistence surface both backends provide.
type Store interface {
	core.PositionStore
	core.FillStore
	Orders() core.OrderStore
	Trades() core.TradeStore
	Idempotency() core.IdempotencyStore
	Alerts() core.AlertStore
	Close() error
}

// App holds the wired application components.
type App struct {
	Cfg     *config.Config
	Logger  core.ILogger
	Store   Store
	Manager *lifecycle.Manager
	Worker  *worker.Worker
	Checker *alert.Checker
	Health  *health.HealthManager
	Metrics *metrics.Server

	pool      *concurrency.WorkerPool
	telemetry *telemetry.Telemetry
}

// NewApp bootstraps every dependency from the config file.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup("rebalancer")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	clock := core.SystemClock{}

	var st Store
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.Path, clock)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	default:
		st = store.NewMemory(clock)
	}

	ttl := time.Duration(cfg.Engine.IdempotencyTTLSeconds) * time.Second
	led := ledger.New(st.Idempotency(), logger, ttl)
	provider := config.NewProvider(cfg.Overrides)
	manager := lifecycle.NewManager(st, st.Orders(), st, led, provider, clock, logger)

	quotes := marketdata.NewClient(
		cfg.Quotes.BaseURL,
		time.Duration(cfg.Quotes.TimeoutSeconds)*time.Second,
		clock,
		logger,
	)

	hm := health.NewHealthManager(logger)
	brokerCheck := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return quotes.Ping(ctx)
	}
	// Quote-feed loss pauses trading and raises an alert; it must not take
	// the process out of rotation.
	hm.Register("quotes", health.SeverityDegraded, brokerCheck)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "evaluation",
		MaxWorkers:  cfg.Worker.PoolSize,
		MaxCapacity: cfg.Worker.PoolBuffer,
		NonBlocking: true,
	}, logger)

	wrk := worker.NewWorker(
		manager, st, provider, quotes, pool, clock, logger,
		worker.Config{
			Interval:  time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
			RateLimit: cfg.Worker.RateLimit,
			RateBurst: cfg.Worker.RateBurst,
		},
		cfg.Market.Within,
		brokerCheck,
	)
	hm.Register("worker", health.SeverityCritical, func() error {
		if !wrk.Snapshot(context.Background()).WorkerRunning {
			return fmt.Errorf("worker not running")
		}
		return nil
	})

	notifier := alert.NewNotifier(logger)
	if cfg.Alerting.SlackWebhookURL != "" {
		notifier.AddChannel(alert.NewSlackChannel(cfg.Alerting.SlackWebhookURL))
	}
	if cfg.Alerting.TelegramBotToken != "" && cfg.Alerting.TelegramChatID != "" {
		notifier.AddChannel(alert.NewTelegramChannel(cfg.Alerting.TelegramBotToken, cfg.Alerting.TelegramChatID))
	}

	checker := alert.NewChecker(
		st.Alerts(), wrk, notifier, clock, logger,
		alert.Thresholds{
			EvaluationStallAfter: time.Duration(cfg.Alerting.EvaluationStallMinutes) * time.Minute,
			RejectionSpikeCount:  cfg.Alerting.RejectionSpikeCount,
			GuardrailSkipCount:   cfg.Alerting.GuardrailSkipCount,
			PriceStaleAfter:      time.Duration(cfg.Alerting.PriceStaleMinutes) * time.Minute,
		},
		cfg.Market.Within,
	)

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, hm, logger)
	}

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Store:     st,
		Manager:   manager,
		Worker:    wrk,
		Checker:   checker,
		Health:    hm,
		Metrics:   metricsSrv,
		pool:      pool,
		telemetry: tel,
	}, nil
}

// Runner is a component that runs until its context is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts the metrics server and all runners, then blocks until a
// termination signal or the first runner failure.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.Metrics != nil {
		a.Metrics.Start()
	}

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application")

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

func (a *App) shutdown() {
	a.pool.Stop()
	if a.Metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Metrics.Stop(ctx); err != nil {
			a.Logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Store close failed", "error", err)
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
}
