// Command trader runs the periodic decision-and-execution core for perpetual
// futures: one binary that trades against Binance USDT-M or its built-in
// paper simulator, with multi-layer stop protection, a daily-loss circuit
// breaker, and periodic exchange reconciliation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"perp_trader/internal/alert"
	"perp_trader/internal/bootstrap"
	"perp_trader/internal/core"
	"perp_trader/internal/exchange"
	"perp_trader/internal/infrastructure/health"
	"perp_trader/internal/infrastructure/metrics"
	"perp_trader/internal/marketdata"
	"perp_trader/internal/risk"
	"perp_trader/internal/signal"
	"perp_trader/internal/trading/clock"
	"perp_trader/internal/trading/executor"
	"perp_trader/internal/trading/position"
	"perp_trader/internal/trading/scheduler"
	"perp_trader/internal/trading/stoploss"
	"perp_trader/pkg/telemetry"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	paperMode  = flag.Bool("paper", false, "Force paper trading regardless of configuration")
	logLevel   = flag.String("log-level", "", "Override the configured log level")
)

const (
	healthGateTimeout = 30 * time.Second
	feedWarmupTimeout = 15 * time.Second
	startupTimeout    = 30 * time.Second
	stopFlushTimeout  = 10 * time.Second
)

func main() {
	flag.Parse()

	if env := os.Getenv("CONFIG_FILE"); env != "" {
		*configFile = env
	}

	path := *configFile
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}

	app, err := bootstrap.NewApp(path, func(cfg *bootstrap.Config) {
		if *paperMode {
			cfg.App.PaperTrading = true
		}
		if *logLevel != "" {
			cfg.System.LogLevel = *logLevel
		}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap failed:", err)
		os.Exit(1)
	}
	if path == "" {
		app.Logger.Warn("Config file not found, using built-in defaults", "path", *configFile)
	}

	t, err := buildTrader(app)
	if err != nil {
		app.Logger.Fatal("Failed to build trading stack", "error", err.Error())
	}

	if err := app.Run(bootstrap.RunnerFunc(t.run)); err != nil {
		os.Exit(1)
	}
}

// tradeStore is the persistence surface the stack shares: position rows for
// the engine, order rows for the executor and the stop-loss supervisor.
type tradeStore interface {
	core.IPositionStore
	InsertOrder(ctx context.Context, o *core.Order) error
	UpdateOrder(ctx context.Context, o *core.Order) error
	OrdersByPosition(ctx context.Context, positionID string) ([]*core.Order, error)
}

// trader owns the wired components and their ordered lifecycle.
type trader struct {
	cfg    *bootstrap.Config
	logger core.ILogger

	alerts     *alert.Manager
	store      tradeStore
	feed       *marketdata.Feed
	exchange   core.IExchange
	engine     *position.Engine
	breaker    *risk.CircuitBreaker
	gate       *risk.Gate
	executor   *executor.Executor
	supervisor *stoploss.Supervisor
	reconciler *risk.Reconciler
	scheduler  *scheduler.Scheduler
	monitor    *health.Monitor
	metricsSrv *metrics.Server
}

func buildTrader(app *bootstrap.App) (*trader, error) {
	cfg, logger := app.Cfg, app.Logger

	alerts := alert.NewManager(logger)
	alerts.AddChannel(alert.NewLogChannel(logger))
	if cfg.Alerts.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL.Reveal()))
	}
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(
			cfg.Alerts.TelegramBotToken.Reveal(), cfg.Alerts.TelegramChatID))
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	feed, err := marketdata.NewFeed(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("market data: %w", err)
	}

	exch, err := exchange.NewExchange(cfg, feed, logger)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	sink := telemetry.NewSink()
	engine := position.NewEngine(store, cfg, logger)
	breaker := risk.NewCircuitBreaker(cfg, alerts, logger)
	gate := risk.NewGate(engine, breaker, cfg, logger)
	exec := executor.NewExecutor(exch, engine, store, sink, alerts, cfg, logger)
	breaker.SetCloser(exec.CloseAll)
	supervisor := stoploss.NewSupervisor(exch, engine, exec, store, alerts, cfg, logger)
	reconciler := risk.NewReconciler(exch, engine, alerts, cfg, logger)

	// Strategies integrate through core.ISignalSource; without one wired the
	// scheduler still runs full cycles and answers Hold for every contract.
	signals := signal.NewStaticSource()

	sched := scheduler.NewScheduler(exch, feed, signals, gate, exec, engine,
		supervisor, breaker, reconciler, sink, alerts, cfg, logger)

	monitor := health.NewMonitor(logger, alerts, 0)
	monitor.Register("marketdata", feed.CheckHealth)
	monitor.Register("exchange", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Exchange())
		defer cancel()
		return exch.CheckHealth(ctx)
	})
	monitor.Register("clock", func() error {
		status := sched.ClockStatus()
		if status.State == clock.StateError {
			return fmt.Errorf("clock in error state after %d cycle failures", status.Failures)
		}
		return nil
	})

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, monitor, logger)
	}

	return &trader{
		cfg:        cfg,
		logger:     logger,
		alerts:     alerts,
		store:      store,
		feed:       feed,
		exchange:   exch,
		engine:     engine,
		breaker:    breaker,
		gate:       gate,
		executor:   exec,
		supervisor: supervisor,
		reconciler: reconciler,
		scheduler:  sched,
		monitor:    monitor,
		metricsSrv: metricsSrv,
	}, nil
}

func newStore(cfg *bootstrap.Config) (tradeStore, error) {
	if cfg.Store.Driver == "sqlite" {
		return position.NewSQLiteStore(cfg.Store.DSN)
	}
	return position.NewMemoryStore(), nil
}

// run starts the stack, blocks until the signal context is canceled, then
// shuts everything down in dependency order. Components get background
// contexts so an interrupt triggers the ordered stop path instead of
// cutting in-flight work mid-call.
func (t *trader) run(ctx context.Context) error {
	t.feed.Start()
	t.waitForFeed(ctx)

	gateCtx, cancel := context.WithTimeout(ctx, healthGateTimeout)
	err := t.exchange.CheckHealth(gateCtx)
	cancel()
	if err != nil {
		t.feed.Stop()
		_ = t.store.Close()
		return fmt.Errorf("exchange health gate: %w", err)
	}

	if err := t.breaker.Start(context.Background()); err != nil {
		t.feed.Stop()
		_ = t.store.Close()
		return fmt.Errorf("circuit breaker: %w", err)
	}
	if err := t.reconciler.Start(context.Background()); err != nil {
		_ = t.breaker.Stop()
		t.feed.Stop()
		_ = t.store.Close()
		return fmt.Errorf("reconciler: %w", err)
	}

	t.resumeProtections(ctx)

	if t.metricsSrv != nil {
		t.metricsSrv.Start()
	}
	t.monitor.Start()

	if err := t.scheduler.Start(context.Background()); err != nil {
		t.shutdown()
		return fmt.Errorf("scheduler: %w", err)
	}

	t.logger.Info("Trader running",
		"exchange", t.exchange.GetName(),
		"symbols", t.cfg.App.Symbols,
		"interval", t.cfg.Trading.CycleInterval().String())

	<-ctx.Done()
	t.shutdown()
	return nil
}

// waitForFeed gives the websocket stream a moment to deliver first ticks so
// the opening cycle sees fresh prices. Cycles fail soft and retry, so a slow
// venue only costs the head start.
func (t *trader) waitForFeed(ctx context.Context) {
	deadline := time.Now().Add(feedWarmupTimeout)
	for time.Now().Before(deadline) {
		if err := t.feed.CheckHealth(); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
	t.logger.Warn("Market data still stale after warmup, starting anyway",
		"error", t.feed.CheckHealth().Error())
}

// resumeProtections re-arms stop-loss supervision for positions that were
// open when the previous process exited.
func (t *trader) resumeProtections(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	open, err := t.engine.GetActive(rctx, "")
	if err != nil {
		t.logger.Error("Could not load open positions for protection resume", "error", err.Error())
		return
	}

	armed := 0
	for _, p := range open {
		if _, err := t.supervisor.StartProtection(rctx, p, p.StopLoss); err != nil {
			t.logger.Error("Failed to resume protection",
				"position_id", p.ID,
				"symbol", p.Symbol,
				"error", err.Error())
			continue
		}
		armed++
	}
	if len(open) > 0 {
		t.logger.Info("Resumed stop protection for restored positions",
			"open", len(open), "armed", armed)
	}
}

// shutdown stops components in reverse dependency order: schedule first so
// no new cycles start, protection and reconciliation next, market data and
// persistence last.
func (t *trader) shutdown() {
	t.logger.Info("Shutting down")

	if err := t.scheduler.Stop(true); err != nil {
		t.logger.Warn("Scheduler stop", "error", err.Error())
	}
	if err := t.supervisor.Stop(); err != nil {
		t.logger.Warn("Supervisor stop", "error", err.Error())
	}
	if err := t.reconciler.Stop(); err != nil {
		t.logger.Warn("Reconciler stop", "error", err.Error())
	}
	if err := t.breaker.Stop(); err != nil {
		t.logger.Warn("Circuit breaker stop", "error", err.Error())
	}
	t.monitor.Stop()
	if t.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
		if err := t.metricsSrv.Stop(ctx); err != nil {
			t.logger.Warn("Metrics server stop", "error", err.Error())
		}
		cancel()
	}
	t.feed.Stop()
	t.alerts.Flush()
	if err := t.store.Close(); err != nil {
		t.logger.Warn("Store close", "error", err.Error())
	}

	t.logger.Info("Trader stopped")
}
