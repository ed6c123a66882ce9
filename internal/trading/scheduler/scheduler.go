// Package scheduler owns the trading cycle: every clock tick it assembles
// market snapshots, asks the signal source for decisions, and fans the
// approved signals out to the trade executor, arming stop-loss protection
// for every position opened along the way.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/internal/trading/clock"
	"perp_trader/pkg/concurrency"
	"perp_trader/pkg/telemetry"
	"perp_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const quoteAsset = "USDT"

// Scheduler runs the per-cycle pipeline on a clock driver it owns. It holds
// no trading state of its own; everything it reads comes from the engine,
// the exchange, and the signal source at tick time.
type Scheduler struct {
	exchange   core.IExchange
	market     core.IMarketData
	signals    core.ISignalSource
	gate       core.IRiskGate
	executor   core.ITradeExecutor
	engine     core.IPositionEngine
	supervisor core.IStopLossSupervisor
	breaker    core.ICircuitBreaker
	reconciler core.IReconciler
	metrics    core.IMetricsSink
	alerts     core.IAlertSink
	logger     core.ILogger

	clock *clock.Driver
	pool  *concurrency.WorkerPool

	symbols       []string
	interval      time.Duration
	fxRate        decimal.Decimal
	signalTimeout time.Duration
	exchTimeout   time.Duration

	mu         sync.RWMutex
	lastReport core.CycleReport

	cycleCounter metric.Int64Counter
}

// NewScheduler wires the cycle pipeline. Start launches the clock; nothing
// runs before that.
func NewScheduler(
	exchange core.IExchange,
	market core.IMarketData,
	signals core.ISignalSource,
	gate core.IRiskGate,
	executor core.ITradeExecutor,
	engine core.IPositionEngine,
	supervisor core.IStopLossSupervisor,
	breaker core.ICircuitBreaker,
	reconciler core.IReconciler,
	metrics core.IMetricsSink,
	alerts core.IAlertSink,
	cfg *config.Config,
	logger core.ILogger,
) *Scheduler {
	meter := telemetry.GetMeter("scheduler")
	cycleCounter, _ := meter.Int64Counter("scheduler_cycles_total",
		metric.WithDescription("Trading cycles run, by outcome"))

	s := &Scheduler{
		exchange:      exchange,
		market:        market,
		signals:       signals,
		gate:          gate,
		executor:      executor,
		engine:        engine,
		supervisor:    supervisor,
		breaker:       breaker,
		reconciler:    reconciler,
		metrics:       metrics,
		alerts:        alerts,
		logger:        logger.WithField("component", "scheduler"),
		symbols:       cfg.App.Symbols,
		interval:      cfg.Trading.CycleInterval(),
		fxRate:        cfg.Trading.FXRate(),
		signalTimeout: cfg.Timeouts.Signal(),
		exchTimeout:   cfg.Timeouts.Exchange(),
		cycleCounter:  cycleCounter,
	}

	s.clock = clock.NewDriver(
		cfg.Trading.CycleInterval(),
		cfg.Trading.Aligned(),
		cfg.Trading.CycleRetryDelay(),
		s.runCycle,
		logger,
	)
	s.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "cycle-executor",
		MaxWorkers:  cfg.Concurrency.ExecutorPoolSize,
		MaxCapacity: cfg.Concurrency.ExecutorPoolBuffer,
	}, logger)

	return s
}

// Start begins ticking. The first cycle fires at the next aligned boundary
// unless alignment is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler",
		"symbols", s.symbols,
		"interval", s.interval)
	return s.clock.Start(ctx)
}

// Stop halts the clock. graceful=true waits for the in-flight cycle up to
// the clock's grace period before canceling it.
func (s *Scheduler) Stop(graceful bool) error {
	err := s.clock.Stop(graceful)
	s.pool.Stop()
	s.logger.Info("Scheduler stopped")
	return err
}

// Pause suspends cycles without losing schedule alignment.
func (s *Scheduler) Pause() { s.clock.Pause() }

// Resume reverses Pause.
func (s *Scheduler) Resume() { s.clock.Resume() }

// LastReport returns the most recent cycle report.
func (s *Scheduler) LastReport() core.CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// ClockStatus exposes driver state for health reporting.
func (s *Scheduler) ClockStatus() clock.Status {
	return s.clock.Status()
}

// RunCycleNow executes one cycle body outside the schedule. Used by paper
// runs that want an immediate first cycle and by tests.
func (s *Scheduler) RunCycleNow(ctx context.Context) error {
	return s.runCycle(ctx, 0)
}

// runCycle is the clock callback. A returned error parks the clock in its
// error state until the retry delay elapses.
func (s *Scheduler) runCycle(ctx context.Context, seq int64) error {
	started := time.Now().UTC()
	report := core.CycleReport{Sequence: uint64(seq), StartedAt: started}

	s.logger.Info("Cycle started", "cycle", seq)

	halted, err := s.feedBreaker(ctx)
	if err != nil {
		s.finishCycle(ctx, &report, started, err)
		return err
	}
	if halted {
		s.logger.Warn("Trading halted by circuit breaker, skipping cycle", "cycle", seq)
		s.finishCycle(ctx, &report, started, nil)
		return nil
	}

	capitalCHF, err := s.fetchCapital(ctx)
	if err != nil {
		s.finishCycle(ctx, &report, started, err)
		return fmt.Errorf("capital lookup: %w", err)
	}

	snapshots := s.collectSnapshots(ctx)
	if len(snapshots) == 0 {
		err := fmt.Errorf("no market snapshots available for %d symbols", len(s.symbols))
		s.finishCycle(ctx, &report, started, err)
		return err
	}

	positions, err := s.engine.GetActive(ctx, "")
	if err != nil {
		s.finishCycle(ctx, &report, started, err)
		return fmt.Errorf("active positions: %w", err)
	}

	sigCtx, cancel := context.WithTimeout(ctx, s.signalTimeout)
	signals, err := s.signals.GenerateSignals(sigCtx, snapshots, capitalCHF, positions)
	cancel()
	if err != nil {
		s.finishCycle(ctx, &report, started, err)
		return fmt.Errorf("signal generation: %w", err)
	}
	report.Signals = len(signals)

	results := s.executeSignals(ctx, signals, capitalCHF)

	ordersPlaced := 0
	for _, res := range results {
		switch {
		case res.Success && res.OrderID != "":
			report.Executed++
			ordersPlaced++
		case res.Success:
			// Hold decisions succeed without an order.
		case res.Code == core.CodeRiskValidationFailed:
			report.Rejected++
		default:
			report.Failures++
		}
		if res.Success && res.PositionID != "" && (res.Decision == core.DecisionBuy || res.Decision == core.DecisionSell) {
			s.armProtection(ctx, res.PositionID)
		}
	}

	if ordersPlaced > 0 {
		if err := s.reconciler.TriggerManual(ctx); err != nil {
			s.logger.Warn("Reconciliation trigger failed", "error", err)
		}
	}

	s.finishCycle(ctx, &report, started, nil)
	return nil
}

// feedBreaker pushes today's P&L into the circuit breaker and reports
// whether trading is halted.
func (s *Scheduler) feedBreaker(ctx context.Context) (bool, error) {
	today := time.Now().UTC().Format("2006-01-02")
	summary, err := s.engine.DailyPnL(ctx, today)
	if err != nil {
		return false, fmt.Errorf("daily pnl: %w", err)
	}
	state := s.breaker.CheckDailyLoss(ctx, summary.TotalCHF)
	return state != core.BreakerActive, nil
}

// fetchCapital reads the quote-asset balance and converts it to CHF.
func (s *Scheduler) fetchCapital(ctx context.Context) (decimal.Decimal, error) {
	tctx, cancel := context.WithTimeout(ctx, s.exchTimeout)
	defer cancel()

	balances, err := s.exchange.FetchBalance(tctx)
	if err != nil {
		return decimal.Zero, err
	}
	quote, ok := balances[quoteAsset]
	if !ok {
		return decimal.Zero, fmt.Errorf("exchange reported no %s balance", quoteAsset)
	}
	return tradingutils.USDToCHF(quote.Total, s.fxRate), nil
}

// collectSnapshots gathers market data per symbol. A symbol without data is
// skipped for this cycle rather than failing the whole tick.
func (s *Scheduler) collectSnapshots(ctx context.Context) map[string]*core.Snapshot {
	snapshots := make(map[string]*core.Snapshot, len(s.symbols))
	for _, symbol := range s.symbols {
		snap, err := s.market.LatestSnapshot(ctx, symbol)
		if err != nil {
			s.logger.Warn("Snapshot unavailable, skipping symbol this cycle",
				"symbol", symbol,
				"error", err)
			continue
		}
		snapshots[symbol] = snap
	}
	return snapshots
}

// executeSignals fans the signals out across the worker pool, one task per
// symbol, and blocks until every execution finishes.
func (s *Scheduler) executeSignals(ctx context.Context, signals map[string]*core.Signal, capitalCHF decimal.Decimal) []*core.ExecutionResult {
	var mu sync.Mutex
	results := make([]*core.ExecutionResult, 0, len(signals))

	tasks := make([]func(), 0, len(signals))
	for _, sig := range signals {
		sig := sig
		tasks = append(tasks, func() {
			res := s.executor.ExecuteSignal(ctx, sig, capitalCHF, s.fxRate, s.gate)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		})
	}
	s.pool.SubmitAll(tasks)
	return results
}

// armProtection re-reads the freshly opened position and hands it to the
// stop-loss supervisor. The executor already placed the exchange stop, so
// layer 1 adopts it rather than stacking a second order.
func (s *Scheduler) armProtection(ctx context.Context, positionID string) {
	position, err := s.engine.GetByID(ctx, positionID)
	if err != nil {
		s.logger.Error("Opened position not readable, protection not armed",
			"position_id", positionID,
			"error", err)
		s.sendAlert(ctx, core.AlertError, "Stop-loss protection not armed",
			fmt.Sprintf("Position %s opened but could not be read back: %v", positionID, err))
		return
	}
	if _, err := s.supervisor.StartProtection(ctx, position, position.StopLoss); err != nil {
		s.logger.Error("Stop-loss protection failed to arm",
			"position_id", positionID,
			"symbol", position.Symbol,
			"error", err)
		s.sendAlert(ctx, core.AlertError, "Stop-loss protection not armed",
			fmt.Sprintf("Position %s (%s) has no layered protection: %v", positionID, position.Symbol, err))
	}
}

func (s *Scheduler) finishCycle(ctx context.Context, report *core.CycleReport, started time.Time, cycleErr error) {
	report.Duration = time.Since(started)
	report.BehindPlan = report.Duration >= s.interval

	success := cycleErr == nil && report.Failures == 0
	s.metrics.RecordCycle(report.Duration, report.Signals, report.Executed, success)
	s.cycleCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success)))

	s.mu.Lock()
	s.lastReport = *report
	s.mu.Unlock()

	if cycleErr != nil {
		s.logger.Error("Cycle aborted",
			"cycle", report.Sequence,
			"duration", report.Duration,
			"error", cycleErr)
		return
	}
	s.logger.Info("Cycle finished",
		"cycle", report.Sequence,
		"duration", report.Duration,
		"signals", report.Signals,
		"executed", report.Executed,
		"rejected", report.Rejected,
		"failures", report.Failures)
}

func (s *Scheduler) sendAlert(ctx context.Context, level core.AlertLevel, title, message string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Send(ctx, level, title, message); err != nil {
		s.logger.Warn("Alert delivery failed", "title", title, "error", err)
	}
}
