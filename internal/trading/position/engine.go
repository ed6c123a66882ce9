// Package position owns the authoritative local record of every exposure:
// the position stores and the engine that serializes all lifecycle
// transitions (open, mark-to-market, close) on top of them.
package position

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"
	"perp_trader/pkg/retry"
	"perp_trader/pkg/telemetry"
	"perp_trader/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DateLayout is the calendar-day key used by the daily P&L ledger
const DateLayout = "2006-01-02"

const (
	eventPositionOpened    = "position_opened"
	eventPositionClosed    = "position_closed"
	eventQuantityCorrected = "position_quantity_corrected"
)

// Engine is the only mutator of position rows. Same-ID operations serialize
// through a per-ID mutex map; the stores add their own transaction isolation
// underneath.
type Engine struct {
	store  core.IPositionStore
	logger core.ILogger

	symbols      map[string]bool
	risk         config.RiskConfig
	capitalCHF   decimal.Decimal
	fxRate       decimal.Decimal
	storeTimeout time.Duration

	locks keyedMutex

	opens  metric.Int64Counter
	closes metric.Int64Counter
}

var _ core.IPositionEngine = (*Engine)(nil)

// NewEngine creates a position engine bound to a store and the risk limits
func NewEngine(store core.IPositionStore, cfg *config.Config, logger core.ILogger) *Engine {
	allow := make(map[string]bool, len(cfg.App.Symbols))
	for _, s := range cfg.App.Symbols {
		allow[s] = true
	}

	meter := telemetry.GetMeter("position_engine")
	opens, _ := meter.Int64Counter("position_engine_opens_total",
		metric.WithDescription("Total number of positions opened"))
	closes, _ := meter.Int64Counter("position_engine_closes_total",
		metric.WithDescription("Total number of positions closed"))

	return &Engine{
		store:        store,
		logger:       logger.WithField("component", "position_engine"),
		symbols:      allow,
		risk:         cfg.Risk,
		capitalCHF:   cfg.Trading.StartingCapital(),
		fxRate:       cfg.Trading.FXRate(),
		storeTimeout: cfg.Timeouts.Store(),
		locks:        keyedMutex{locks: make(map[string]*sync.Mutex)},
		opens:        opens,
		closes:       closes,
	}
}

// CreatePosition validates the open request against the configured limits,
// assigns a UUID and inserts the row plus its audit entry.
func (e *Engine) CreatePosition(ctx context.Context, req *core.OpenPositionRequest) (*core.Position, error) {
	if err := e.validateOpen(ctx, req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &core.Position{
		ID:           uuid.NewString(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     tradingutils.RoundBank8(req.Quantity),
		EntryPrice:   tradingutils.RoundBank8(req.EntryPrice),
		CurrentPrice: tradingutils.RoundBank8(req.EntryPrice),
		Leverage:     req.Leverage,
		StopLoss:     tradingutils.RoundBank8(req.StopLoss),
		TakeProfit:   tradingutils.RoundBank8(req.TakeProfit),
		Status:       core.PositionStatusOpen,
		PnLCHF:       decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.retryStore(ctx, func(sctx context.Context) error {
		return e.store.Insert(sctx, p)
	}); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}

	e.appendAudit(ctx, eventPositionOpened, p.ID, fmt.Sprintf(
		"opened %s %s %s @ %s lev=%d stop=%s reason=%q",
		p.Side, p.Quantity, p.Symbol, p.EntryPrice, p.Leverage, p.StopLoss, req.Reasoning))

	e.opens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", p.Symbol),
		attribute.String("side", string(p.Side))))
	e.refreshGauges(ctx)

	e.logger.Info("Position opened",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"side", string(p.Side),
		"quantity", p.Quantity.String(),
		"entry_price", p.EntryPrice.String(),
		"leverage", p.Leverage)

	return p, nil
}

// UpdatePrice marks the position to market. It never closes; a closed or
// missing position yields NotFound.
func (e *Engine) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (*core.Position, error) {
	defer e.locks.lock(id).Unlock()

	p, err := e.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("update price for %s: %w", id, apperrors.ErrPositionNotFound)
	}

	p.CurrentPrice = tradingutils.RoundBank8(price)
	p.UpdatedAt = time.Now().UTC()

	if err := e.retryStore(ctx, func(sctx context.Context) error {
		return e.store.Update(sctx, p)
	}); err != nil {
		return nil, fmt.Errorf("update price for %s: %w", id, err)
	}

	unrealized := tradingutils.USDToCHF(p.UnrealizedPnLUSD(), e.fxRate)
	telemetry.GetGlobalMetrics().SetUnrealizedPnL(p.Symbol, unrealized.InexactFloat64())

	return p, nil
}

// CorrectQuantity overwrites an open position's quantity outside the normal
// trade flow. The reconciler uses it when the exchange is authoritative; the
// details string goes verbatim into the audit trail.
func (e *Engine) CorrectQuantity(ctx context.Context, id string, qty decimal.Decimal, details string) (*core.Position, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("correct quantity for %s: quantity must be positive: %w", id, apperrors.ErrValidation)
	}

	defer e.locks.lock(id).Unlock()

	p, err := e.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("correct quantity for %s: %w", id, apperrors.ErrPositionNotFound)
	}

	p.Quantity = tradingutils.RoundBank8(qty)
	p.UpdatedAt = time.Now().UTC()

	if err := e.retryStore(ctx, func(sctx context.Context) error {
		return e.store.Update(sctx, p)
	}); err != nil {
		return nil, fmt.Errorf("correct quantity for %s: %w", id, err)
	}

	e.appendAudit(ctx, eventQuantityCorrected, p.ID, details)
	e.refreshGauges(ctx)

	e.logger.Warn("Position quantity corrected",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"quantity", p.Quantity.String())

	return p, nil
}

// ClosePosition realizes P&L and settles the row. Closing an already-closed
// position returns the stored record unchanged, so racing closers are no-ops.
func (e *Engine) ClosePosition(ctx context.Context, id string, closePrice decimal.Decimal, reason string) (*core.Position, error) {
	defer e.locks.lock(id).Unlock()

	p, err := e.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return p, nil
	}

	pnlUSD := tradingutils.RealizedPnLUSD(p.EntryPrice, closePrice, p.Quantity, p.Leverage, p.Side)
	pnlCHF := tradingutils.RoundBank2(tradingutils.USDToCHF(pnlUSD, e.fxRate))

	now := time.Now().UTC()
	p.CurrentPrice = tradingutils.RoundBank8(closePrice)
	p.PnLCHF = pnlCHF
	p.Status = core.PositionStatusClosed
	if strings.Contains(reason, "liquidation") {
		p.Status = core.PositionStatusLiquidated
	}
	p.CloseReason = reason
	p.ClosedAt = &now
	p.UpdatedAt = now

	date := now.Format(DateLayout)
	if err := e.retryStore(ctx, func(sctx context.Context) error {
		return e.store.SettleClose(sctx, p, date, pnlCHF)
	}); err != nil {
		return nil, fmt.Errorf("close position %s: %w", id, err)
	}

	e.appendAudit(ctx, eventPositionClosed, p.ID, fmt.Sprintf(
		"closed %s %s @ %s reason=%s pnl_chf=%s",
		p.Side, p.Symbol, closePrice, reason, pnlCHF))

	e.closes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", p.Symbol),
		attribute.String("reason", reason)))
	e.refreshGauges(ctx)
	if realized, err := e.store.GetDailyPnL(ctx, date); err == nil {
		telemetry.GetGlobalMetrics().SetDailyPnL(realized.InexactFloat64())
	}

	e.logger.Info("Position closed",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"close_price", closePrice.String(),
		"pnl_chf", pnlCHF.String(),
		"reason", reason)

	return p, nil
}

// GetActive returns open positions, optionally restricted to one symbol
func (e *Engine) GetActive(ctx context.Context, symbol string) ([]*core.Position, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	open, err := e.store.GetByStatus(sctx, core.PositionStatusOpen)
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		return open, nil
	}
	filtered := open[:0]
	for _, p := range open {
		if p.Symbol == symbol {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// GetByID returns one position by its UUID
func (e *Engine) GetByID(ctx context.Context, id string) (*core.Position, error) {
	return e.getByID(ctx, id)
}

// TotalExposureCHF sums leveraged notional over all open positions
func (e *Engine) TotalExposureCHF(ctx context.Context) (decimal.Decimal, error) {
	open, err := e.GetActive(ctx, "")
	if err != nil {
		return decimal.Zero, err
	}
	totalUSD := decimal.Zero
	for _, p := range open {
		totalUSD = totalUSD.Add(p.ExposureUSD())
	}
	return tradingutils.USDToCHF(totalUSD, e.fxRate), nil
}

// DailyPnL aggregates realized, unrealized and trade counts for one calendar
// day (UTC, "2006-01-02").
func (e *Engine) DailyPnL(ctx context.Context, date string) (*core.DailyPnLSummary, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	realized, err := e.store.GetDailyPnL(sctx, date)
	if err != nil {
		return nil, err
	}

	open, err := e.store.GetByStatus(sctx, core.PositionStatusOpen)
	if err != nil {
		return nil, err
	}
	unrealizedUSD := decimal.Zero
	for _, p := range open {
		unrealizedUSD = unrealizedUSD.Add(p.UnrealizedPnLUSD())
	}
	unrealized := tradingutils.RoundBank2(tradingutils.USDToCHF(unrealizedUSD, e.fxRate))

	summary := &core.DailyPnLSummary{
		Date:          date,
		RealizedCHF:   realized,
		UnrealizedCHF: unrealized,
		TotalCHF:      realized.Add(unrealized),
		OpenPositions: len(open),
	}

	for _, status := range []core.PositionStatus{core.PositionStatusClosed, core.PositionStatusLiquidated} {
		closed, err := e.store.GetByStatus(sctx, status)
		if err != nil {
			return nil, err
		}
		for _, p := range closed {
			if p.ClosedAt == nil || p.ClosedAt.Format(DateLayout) != date {
				continue
			}
			summary.TradesClosed++
			switch {
			case p.PnLCHF.IsPositive():
				summary.Wins++
			case p.PnLCHF.IsNegative():
				summary.Losses++
			}
		}
	}

	return summary, nil
}

// validateOpen applies the admission checks for a new position
func (e *Engine) validateOpen(ctx context.Context, req *core.OpenPositionRequest) error {
	if err := core.ValidateSymbol(req.Symbol); err != nil {
		return fmt.Errorf("%v: %w", err, apperrors.ErrValidation)
	}
	if !e.symbols[req.Symbol] {
		return fmt.Errorf("symbol %s is not in the trading allowlist: %w", req.Symbol, apperrors.ErrValidation)
	}
	if req.Side != core.SideLong && req.Side != core.SideShort {
		return fmt.Errorf("side %q is not LONG or SHORT: %w", req.Side, apperrors.ErrValidation)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive: %w", apperrors.ErrValidation)
	}
	if !req.EntryPrice.IsPositive() {
		return fmt.Errorf("entry price must be positive: %w", apperrors.ErrValidation)
	}
	if req.StopLoss.IsZero() {
		return fmt.Errorf("stop-loss is required to open a position: %w", apperrors.ErrValidation)
	}
	if req.Side == core.SideLong && !req.StopLoss.LessThan(req.EntryPrice) {
		return fmt.Errorf("long stop-loss %s must be below entry %s: %w",
			req.StopLoss, req.EntryPrice, apperrors.ErrValidation)
	}
	if req.Side == core.SideShort && !req.StopLoss.GreaterThan(req.EntryPrice) {
		return fmt.Errorf("short stop-loss %s must be above entry %s: %w",
			req.StopLoss, req.EntryPrice, apperrors.ErrValidation)
	}

	cap := e.risk.LeverageCap(core.BaseAsset(req.Symbol))
	if req.Leverage < e.risk.MinLeverage || req.Leverage > cap {
		return fmt.Errorf("leverage %d outside band [%d, %d] for %s: %w",
			req.Leverage, e.risk.MinLeverage, cap, req.Symbol, apperrors.ErrRiskLimit)
	}

	capitalUSD := tradingutils.CHFToUSD(e.capitalCHF, e.fxRate)
	notional := req.Quantity.Mul(req.EntryPrice)
	maxNotional := capitalUSD.Mul(e.risk.MaxPositionSize())
	if notional.GreaterThan(maxNotional) {
		return fmt.Errorf("notional %s exceeds %s of capital (%s): %w",
			notional, e.risk.MaxPositionSize(), maxNotional, apperrors.ErrRiskLimit)
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	open, err := e.store.GetByStatus(sctx, core.PositionStatusOpen)
	if err != nil {
		return fmt.Errorf("exposure check: %w", err)
	}
	exposure := notional.Mul(decimal.NewFromInt(int64(req.Leverage)))
	for _, p := range open {
		exposure = exposure.Add(p.ExposureUSD())
	}
	maxExposure := capitalUSD.Mul(e.risk.MaxTotalExposure())
	if exposure.GreaterThan(maxExposure) {
		return fmt.Errorf("total exposure %s would exceed %s of capital (%s): %w",
			exposure, e.risk.MaxTotalExposure(), maxExposure, apperrors.ErrRiskLimit)
	}

	return nil
}

func (e *Engine) getByID(ctx context.Context, id string) (*core.Position, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.GetByID(sctx, id)
}

func (e *Engine) appendAudit(ctx context.Context, eventType, positionID, details string) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	err := e.store.AppendAudit(sctx, &core.AuditEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		EntityType: "position",
		EntityID:   positionID,
		Details:    details,
	})
	if err != nil {
		e.logger.Warn("Audit append failed", "event", eventType, "position_id", positionID, "error", err)
	}
}

// retryStore runs a store mutation with the store timeout and the transient/
// conflict retry policy.
func (e *Engine) retryStore(ctx context.Context, fn func(context.Context) error) error {
	retryable := func(err error) bool {
		return apperrors.IsTransient(err) || apperrors.IsConflict(err)
	}
	return retry.Do(ctx, retry.StorePolicy, retryable, func() error {
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		return fn(sctx)
	})
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Engine) refreshGauges(ctx context.Context) {
	open, err := e.GetActive(ctx, "")
	if err != nil {
		return
	}
	counts := make(map[string]int64)
	exposureUSD := decimal.Zero
	for _, p := range open {
		counts[p.Symbol]++
		exposureUSD = exposureUSD.Add(p.ExposureUSD())
	}
	m := telemetry.GetGlobalMetrics()
	// Allowlisted symbols with nothing open are reported as zero, otherwise
	// the gauge would hold its last value after the final close.
	for symbol := range e.symbols {
		m.SetPositionsOpen(symbol, counts[symbol])
		delete(counts, symbol)
	}
	for symbol, n := range counts {
		m.SetPositionsOpen(symbol, n)
	}
	exposure := tradingutils.USDToCHF(exposureUSD, e.fxRate)
	m.SetExposure(exposure.InexactFloat64())
}

// keyedMutex hands out one mutex per position ID so same-ID lifecycle calls
// serialize without blocking unrelated positions.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(id string) *sync.Mutex {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m
}
