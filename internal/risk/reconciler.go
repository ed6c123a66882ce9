package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const reconcilePassTimeout = 30 * time.Second

// PositionSyncer is the slice of the position engine the reconciler needs:
// the public engine interface plus the out-of-band quantity correction.
type PositionSyncer interface {
	core.IPositionEngine
	CorrectQuantity(ctx context.Context, id string, qty decimal.Decimal, details string) (*core.Position, error)
}

// Reconciler keeps the local position book aligned with the exchange. The
// exchange is authoritative for quantity; local rows are corrected in place
// and every correction is idempotent, so a pass may safely overlap trades.
type Reconciler struct {
	exchange core.IExchange
	engine   PositionSyncer
	alerts   core.IAlertSink
	logger   core.ILogger

	interval  time.Duration
	threshold decimal.Decimal

	trigger chan struct{}

	mu       sync.Mutex
	statusMu sync.RWMutex
	status   core.ReconcilerStatus

	corrections metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ core.IReconciler = (*Reconciler)(nil)

// NewReconciler creates a reconciler with the configured cadence and tolerance
func NewReconciler(exchange core.IExchange, engine PositionSyncer, alerts core.IAlertSink, cfg *config.Config, logger core.ILogger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("reconciler")
	corrections, _ := meter.Int64Counter("reconciler_corrections_total",
		metric.WithDescription("Total number of reconciliation corrections, by kind"))

	return &Reconciler{
		exchange:    exchange,
		engine:      engine,
		alerts:      alerts,
		logger:      logger.WithField("component", "reconciler"),
		interval:    cfg.Reconciliation.Interval(),
		threshold:   cfg.Reconciliation.Threshold(),
		trigger:     make(chan struct{}, 1),
		corrections: corrections,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the periodic reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler",
		"interval", r.interval,
		"threshold", r.threshold.String())

	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop stops the reconciliation loop
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

// TriggerManual requests an immediate pass without blocking the caller.
// Requests collapse: if a pass is already pending, the call is a no-op.
func (r *Reconciler) TriggerManual(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case r.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Status returns a snapshot of the most recent pass
func (r *Reconciler) Status() core.ReconcilerStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}

		ctx, cancel := context.WithTimeout(r.ctx, reconcilePassTimeout)
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger.Error("Reconciliation pass failed", "error", err.Error())
		}
		cancel()
	}
}

// Reconcile performs a single pass: every open system position is compared
// against the exchange, and exchange-side positions with no local
// counterpart are reported for human review (never auto-created).
func (r *Reconciler) Reconcile(ctx context.Context) ([]*core.ReconciliationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	r.setRunning(true)
	defer r.setRunning(false)

	open, err := r.engine.GetActive(ctx, "")
	if err != nil {
		r.recordPass(started, 0, 0, 1)
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	exchangePositions, err := r.exchange.FetchPositions(ctx)
	if err != nil {
		r.recordPass(started, len(open), 0, 1)
		return nil, fmt.Errorf("fetch exchange positions: %w", err)
	}

	bySymbol := make(map[string]*core.ExchangePosition, len(exchangePositions))
	for _, ep := range exchangePositions {
		if !ep.Contracts.IsZero() {
			bySymbol[ep.Symbol] = ep
		}
	}

	localSymbols := make(map[string]int, len(open))
	for _, p := range open {
		localSymbols[p.Symbol]++
	}

	var (
		results   []*core.ReconciliationResult
		corrected int
		failures  int
	)

	for _, p := range open {
		result, err := r.reconcilePosition(ctx, p, bySymbol[p.Symbol], localSymbols[p.Symbol])
		if err != nil {
			r.logger.Error("Position reconciliation failed",
				"position_id", p.ID, "symbol", p.Symbol, "error", err)
			failures++
		}
		if len(result.CorrectionsApplied) > 0 {
			corrected++
		}
		results = append(results, result)
	}

	// Exchange-side positions with no local counterpart: report only.
	for symbol, ep := range bySymbol {
		if localSymbols[symbol] > 0 {
			continue
		}
		qty := ep.Contracts.Abs()
		r.logger.Warn("Exchange position has no local counterpart",
			"symbol", symbol, "contracts", qty.String(), "side", ep.Side)
		r.alert(ctx, core.AlertWarning, "Unknown exchange position",
			fmt.Sprintf("Exchange reports %s %s %s with no local position; manual review required",
				ep.Side, qty, symbol))
		results = append(results, &core.ReconciliationResult{
			Symbol:      symbol,
			ExchangeQty: qty,
			Discrepancy: qty.Neg(),
		})
	}

	r.recordPass(started, len(open), corrected, failures)
	r.logger.Info("Reconciliation pass completed",
		"positions_checked", len(open),
		"corrections", corrected,
		"failures", failures,
		"duration_ms", time.Since(started).Milliseconds())

	return results, nil
}

func (r *Reconciler) reconcilePosition(ctx context.Context, p *core.Position, ep *core.ExchangePosition, symbolCount int) (*core.ReconciliationResult, error) {
	result := &core.ReconciliationResult{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		SystemQty:  p.Quantity,
	}

	if ep == nil {
		// Exchange holds nothing for this symbol: the position no longer
		// exists. Close the local record at its last marked price.
		result.Discrepancy = p.Quantity
		closed, err := r.engine.ClosePosition(ctx, p.ID, p.CurrentPrice, "reconciliation_not_on_exchange")
		if err != nil {
			return result, fmt.Errorf("close desynced position: %w", err)
		}

		correction := fmt.Sprintf("Closed position %s: not present on exchange (pnl %s CHF)", p.ID, closed.PnLCHF)
		result.CorrectionsApplied = append(result.CorrectionsApplied, correction)
		r.corrections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "closed_not_on_exchange")))
		r.alert(ctx, core.AlertWarning, "Reconciliation closed position",
			fmt.Sprintf("%s: %s", p.Symbol, correction))
		return result, nil
	}

	exchangeQty := ep.Contracts.Abs()
	result.ExchangeQty = exchangeQty
	result.Discrepancy = p.Quantity.Sub(exchangeQty)

	if result.Discrepancy.Abs().LessThanOrEqual(r.threshold) {
		return result, nil
	}

	if symbolCount > 1 {
		// Net exchange quantity cannot be attributed across several local
		// positions on the same symbol; flag it instead of guessing.
		r.logger.Warn("Skipping quantity correction: multiple local positions share symbol",
			"symbol", p.Symbol, "count", symbolCount)
		r.alert(ctx, core.AlertWarning, "Reconciliation skipped",
			fmt.Sprintf("%s: %d local positions share the symbol; manual review required", p.Symbol, symbolCount))
		return result, nil
	}

	correction := fmt.Sprintf("Updated quantity from %s to %s", p.Quantity, exchangeQty)
	if _, err := r.engine.CorrectQuantity(ctx, p.ID, exchangeQty, correction); err != nil {
		return result, fmt.Errorf("correct quantity: %w", err)
	}

	markPrice := ep.MarkPrice
	if !markPrice.IsPositive() {
		markPrice = p.CurrentPrice
	}
	if _, err := r.engine.UpdatePrice(ctx, p.ID, markPrice); err != nil {
		return result, fmt.Errorf("refresh price after correction: %w", err)
	}

	result.CorrectionsApplied = append(result.CorrectionsApplied, correction)
	r.corrections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "quantity")))
	r.alert(ctx, core.AlertWarning, "Reconciliation corrected quantity",
		fmt.Sprintf("%s: %s (discrepancy %s)", p.Symbol, correction, result.Discrepancy))

	return result, nil
}

func (r *Reconciler) alert(ctx context.Context, level core.AlertLevel, title, message string) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Send(ctx, level, title, message); err != nil {
		r.logger.Warn("Alert delivery failed", "title", title, "error", err)
	}
}

func (r *Reconciler) setRunning(running bool) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.status.Running = running
}

func (r *Reconciler) recordPass(started time.Time, checked, corrected, failures int) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.status.LastRun = started
	r.status.LastDurationMS = time.Since(started).Milliseconds()
	r.status.PositionsChecked = checked
	r.status.CorrectionsApplied = corrected
	r.status.Failures = failures
}
