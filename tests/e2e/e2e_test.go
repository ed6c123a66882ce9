// Package e2e drives the assembled trading stack through full scenarios:
// real scheduler, executor, risk gate, circuit breaker, stop-loss supervisor
// and reconciler wired over the paper venue the same way cmd/trader wires
// them, with scripted prices and signals in place of live exchange traffic.
package e2e

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/internal/exchange/paper"
	"perp_trader/internal/logging"
	"perp_trader/internal/marketdata"
	"perp_trader/internal/mock"
	"perp_trader/internal/risk"
	"perp_trader/internal/signal"
	"perp_trader/internal/trading/executor"
	"perp_trader/internal/trading/position"
	"perp_trader/internal/trading/scheduler"
	"perp_trader/internal/trading/stoploss"
	"perp_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const btcPerp = "BTC/USDT:USDT"

func init() {
	if _, err := telemetry.Setup("e2e"); err != nil {
		panic(err)
	}
}

// stack is one assembled paper-mode trading system.
type stack struct {
	cfg        *config.Config
	prices     *marketdata.StaticProvider
	venue      *paper.Backend
	store      *position.MemoryStore
	engine     *position.Engine
	breaker    *risk.CircuitBreaker
	gate       *risk.Gate
	executor   *executor.Executor
	supervisor *stoploss.Supervisor
	reconciler *risk.Reconciler
	signals    *signal.StaticSource
	alerts     *mock.AlertRecorder
	scheduler  *scheduler.Scheduler
}

type stackOptions struct {
	mutateConfig func(*config.Config)
	wrapVenue    func(core.IExchange) core.IExchange
	logger       core.ILogger
	signals      core.ISignalSource
}

type stackOption func(*stackOptions)

// withConfig mutates the paper defaults before any component is built.
func withConfig(mutate func(*config.Config)) stackOption {
	return func(o *stackOptions) { o.mutateConfig = mutate }
}

// withVenueWrapper interposes on all exchange traffic. Components talk to
// the wrapper; stack.venue stays the raw paper backend underneath it.
func withVenueWrapper(wrap func(core.IExchange) core.IExchange) stackOption {
	return func(o *stackOptions) { o.wrapVenue = wrap }
}

func withLogger(logger core.ILogger) stackOption {
	return func(o *stackOptions) { o.logger = logger }
}

// withSignalSource replaces the scripted static source. stack.signals is nil
// when this option is used.
func withSignalSource(src core.ISignalSource) stackOption {
	return func(o *stackOptions) { o.signals = src }
}

// newStack assembles the trading system over a simulated venue priced at a
// flat 50000 for BTC, holding 10000 USDT and filling deterministically.
func newStack(t *testing.T, opts ...stackOption) *stack {
	t.Helper()

	var options stackOptions
	for _, opt := range opts {
		opt(&options)
	}

	cfg := config.DefaultConfig()
	cfg.App.PaperTrading = true
	cfg.App.Symbols = []string{btcPerp}
	// 11000 CHF is exactly 10000 USDT at the fixed 1.10 rate. Risk capital
	// matches the venue balance so notional checks line up with fills.
	cfg.Paper.InitialBalanceCHF = 11000
	cfg.Trading.StartingCapitalCHF = 11000
	cfg.Paper.SlippageEnabled = false
	cfg.Paper.PartialFillEnabled = false
	if options.mutateConfig != nil {
		options.mutateConfig(cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := options.logger
	if logger == nil {
		logger = logging.NewLogger(logging.ErrorLevel, nil)
	}

	prices := marketdata.NewStaticProvider()
	prices.SetPrice(btcPerp, decimal.NewFromInt(50000))

	venue := paper.NewBackend(prices, cfg, logger)
	venue.SetRand(rand.New(rand.NewSource(42)))
	venue.DisableLatency()

	var exch core.IExchange = venue
	if options.wrapVenue != nil {
		exch = options.wrapVenue(venue)
	}

	store := position.NewMemoryStore()
	engine := position.NewEngine(store, cfg, logger)
	alerts := mock.NewAlertRecorder()
	breaker := risk.NewCircuitBreaker(cfg, alerts, logger)
	gate := risk.NewGate(engine, breaker, cfg, logger)
	sink := telemetry.NewSink()
	exec := executor.NewExecutor(exch, engine, store, sink, alerts, cfg, logger)
	breaker.SetCloser(exec.CloseAll)
	supervisor := stoploss.NewSupervisor(exch, engine, exec, store, alerts, cfg, logger)
	reconciler := risk.NewReconciler(exch, engine, alerts, cfg, logger)

	static := signal.NewStaticSource()
	var src core.ISignalSource = static
	if options.signals != nil {
		src = options.signals
		static = nil
	}

	sched := scheduler.NewScheduler(exch, prices, src, gate, exec, engine,
		supervisor, breaker, reconciler, sink, alerts, cfg, logger)

	t.Cleanup(func() {
		_ = supervisor.Stop()
		_ = store.Close()
	})

	return &stack{
		cfg:        cfg,
		prices:     prices,
		venue:      venue,
		store:      store,
		engine:     engine,
		breaker:    breaker,
		gate:       gate,
		executor:   exec,
		supervisor: supervisor,
		reconciler: reconciler,
		signals:    static,
		alerts:     alerts,
		scheduler:  sched,
	}
}

// cycle runs one trading cycle synchronously.
func (s *stack) cycle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.scheduler.RunCycleNow(ctx))
}

func (s *stack) openPositions(t *testing.T) []*core.Position {
	t.Helper()
	positions, err := s.engine.GetActive(context.Background(), "")
	require.NoError(t, err)
	return positions
}

// balance is the venue's quote-asset balance in USDT.
func (s *stack) balance() decimal.Decimal {
	return s.venue.Portfolio().Balance()
}

func buySignal(symbol string, sizePct float64) *core.Signal {
	return &core.Signal{
		Symbol:      symbol,
		Decision:    core.DecisionBuy,
		Confidence:  0.8,
		SizePct:     decimal.NewFromFloat(sizePct),
		StopLossPct: decimal.NewFromFloat(0.02),
		Leverage:    5,
		Reasoning:   "scripted entry",
	}
}

func closeSignal(symbol string) *core.Signal {
	return &core.Signal{
		Symbol:     symbol,
		Decision:   core.DecisionClose,
		Confidence: 1,
		Reasoning:  "scripted exit",
	}
}
