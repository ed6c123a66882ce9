// Package executor turns approved signals into exchange orders and keeps the
// local order log authoritative for everything it submits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"
	"perp_trader/pkg/telemetry"
	"perp_trader/pkg/tradingutils"
)

// OrderStore is the slice of the position store the executor writes through.
// Every order is persisted locally before it is submitted so that a retry
// after an ambiguous network error reuses the same local id and client
// order id.
type OrderStore interface {
	InsertOrder(ctx context.Context, o *core.Order) error
	UpdateOrder(ctx context.Context, o *core.Order) error
}

// LeverageSetter is implemented by adapters whose venue keeps leverage as
// per-contract server state. The paper backend does not need it.
type LeverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Executor submits orders with retry, rate limiting and an optional circuit
// breaker around the exchange adapter. It owns the market-order paths (open,
// close) and the initial stop-market placement; the stop-loss supervisor
// reuses PlaceStopLoss for its exchange layer.
type Executor struct {
	exchange core.IExchange
	engine   core.IPositionEngine
	orders   OrderStore
	metrics  core.IMetricsSink
	alerts   core.IAlertSink
	logger   core.ILogger

	pipeline    failsafe.Executor[*core.Order]
	tickers     failsafe.Executor[*core.Ticker]
	limiter     *rate.Limiter
	callTimeout time.Duration

	submitted metric.Int64Counter
	failed    metric.Int64Counter
}

var _ core.ITradeExecutor = (*Executor)(nil)

func NewExecutor(
	exchange core.IExchange,
	engine core.IPositionEngine,
	orders OrderStore,
	metrics core.IMetricsSink,
	alerts core.IAlertSink,
	cfg *config.Config,
	logger core.ILogger,
) *Executor {
	ec := cfg.Executor

	retryPolicy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(ec.RetryDelay(), 4*ec.RetryDelay()).
		WithMaxRetries(ec.MaxRetries).
		ReturnLastFailure().
		Build()

	var pipeline failsafe.Executor[*core.Order]
	if ec.BreakerEnabled {
		breaker := circuitbreaker.NewBuilder[*core.Order]().
			HandleIf(func(_ *core.Order, err error) bool {
				return apperrors.IsTransient(err)
			}).
			WithFailureThreshold(uint(ec.BreakerFailureThreshold)).
			WithDelay(ec.BreakerRecovery()).
			Build()
		pipeline = failsafe.With[*core.Order](retryPolicy, breaker)
	} else {
		pipeline = failsafe.With[*core.Order](retryPolicy)
	}

	tickerRetry := retrypolicy.NewBuilder[*core.Ticker]().
		HandleIf(func(_ *core.Ticker, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(ec.RetryDelay(), 4*ec.RetryDelay()).
		WithMaxRetries(ec.MaxRetries).
		ReturnLastFailure().
		Build()

	meter := telemetry.GetMeter("trade-executor")
	submitted, _ := meter.Int64Counter("executor_orders_submitted_total",
		metric.WithDescription("Orders submitted to the exchange"))
	failed, _ := meter.Int64Counter("executor_orders_failed_total",
		metric.WithDescription("Order submissions that failed after retries"))

	return &Executor{
		exchange:    exchange,
		engine:      engine,
		orders:      orders,
		metrics:     metrics,
		alerts:      alerts,
		logger:      logger.WithField("component", "trade_executor"),
		pipeline:    pipeline,
		tickers:     failsafe.With[*core.Ticker](tickerRetry),
		limiter:     rate.NewLimiter(rate.Limit(ec.RateLimitPerSec), ec.RateLimitBurst),
		callTimeout: cfg.Timeouts.Exchange(),
		submitted:   submitted,
		failed:      failed,
	}
}

// ExecuteSignal validates the signal against the risk gate and dispatches on
// its decision. Hold returns immediately; Buy and Sell open a position and
// arm its exchange stop; Close flattens every open position on the symbol.
func (e *Executor) ExecuteSignal(ctx context.Context, signal *core.Signal, balanceCHF, fxRate decimal.Decimal, gate core.IRiskGate) *core.ExecutionResult {
	result := &core.ExecutionResult{Symbol: signal.Symbol, Decision: signal.Decision}

	if gate != nil {
		validation := gate.Validate(ctx, signal)
		if !validation.Approved {
			result.Code = core.CodeRiskValidationFailed
			result.Message = strings.Join(validation.RejectionReasons, "; ")
			e.logger.Warn("signal rejected by risk gate",
				"symbol", signal.Symbol,
				"decision", signal.Decision,
				"reasons", result.Message)
			return result
		}
		for _, w := range validation.Warnings {
			e.logger.Warn("risk warning", "symbol", signal.Symbol, "warning", w)
		}
	}

	switch signal.Decision {
	case core.DecisionHold:
		result.Success = true
		result.Code = core.CodeOK
		result.Message = "no action"
		return result
	case core.DecisionBuy, core.DecisionSell:
		return e.open(ctx, signal, balanceCHF, fxRate)
	case core.DecisionClose:
		return e.closeSymbol(ctx, signal.Symbol)
	default:
		result.Code = core.CodeInternalError
		result.Message = fmt.Sprintf("unknown decision %q", signal.Decision)
		return result
	}
}

func (e *Executor) open(ctx context.Context, signal *core.Signal, balanceCHF, fxRate decimal.Decimal) *core.ExecutionResult {
	result := &core.ExecutionResult{Symbol: signal.Symbol, Decision: signal.Decision}

	if !strings.Contains(signal.Symbol, ":") {
		result.Code = core.CodeInvalidSymbol
		result.Message = fmt.Sprintf("%s is not a perpetual contract symbol", signal.Symbol)
		return result
	}
	if signal.StopLossPct.IsZero() {
		result.Code = core.CodeOrderRejected
		result.Message = "refusing to open without a stop-loss"
		return result
	}

	ticker, err := e.fetchTicker(ctx, signal.Symbol)
	if err != nil {
		result.Code = codeForError(err)
		result.Message = fmt.Sprintf("ticker fetch failed: %v", err)
		return result
	}

	capitalUSD := tradingutils.CHFToUSD(balanceCHF, fxRate)
	quantity := tradingutils.OrderQuantity(capitalUSD, signal.SizePct, ticker.Last)
	if quantity.IsZero() {
		result.Code = core.CodeOrderRejected
		result.Message = fmt.Sprintf("order quantity rounds to zero at price %s", ticker.Last)
		return result
	}

	side := core.OrderSideBuy
	positionSide := core.SideLong
	if signal.Decision == core.DecisionSell {
		side = core.OrderSideSell
		positionSide = core.SideShort
	}

	// Venues that keep leverage as per-contract server state get it synced
	// before the entry order. Failure is not fatal: exposure math is local and
	// the venue falls back to its previous setting.
	if ls, ok := e.exchange.(LeverageSetter); ok && signal.Leverage > 0 {
		if err := ls.SetLeverage(ctx, signal.Symbol, signal.Leverage); err != nil {
			e.logger.Warn("leverage sync failed, keeping venue setting",
				"symbol", signal.Symbol,
				"leverage", signal.Leverage,
				"error", err)
		}
	}

	order := e.newOrder(signal.Symbol, side, core.OrderTypeMarket, quantity, "")
	if err := e.insertOrder(ctx, order); err != nil {
		result.Code = core.CodeInternalError
		result.Message = fmt.Sprintf("order log write failed: %v", err)
		return result
	}

	if err := e.submitOrder(ctx, order); err != nil {
		result.Code = codeForError(err)
		result.Message = fmt.Sprintf("order submission failed: %v", err)
		result.OrderID = order.ID
		return result
	}
	if order.FilledQuantity.IsZero() {
		result.Code = core.CodeOrderRejected
		result.Message = "market order acknowledged without a fill"
		result.OrderID = order.ID
		return result
	}

	stopPrice := tradingutils.StopPrice(ticker.Last, signal.StopLossPct, positionSide)
	takeProfit := decimal.Zero
	if signal.TakeProfitPct.IsPositive() {
		takeProfit = tradingutils.TakeProfitPrice(ticker.Last, signal.TakeProfitPct, positionSide)
	}

	position, err := e.engine.CreatePosition(ctx, &core.OpenPositionRequest{
		Symbol:     signal.Symbol,
		Side:       positionSide,
		Quantity:   order.FilledQuantity,
		EntryPrice: order.AverageFillPrice,
		Leverage:   signal.Leverage,
		StopLoss:   stopPrice,
		TakeProfit: takeProfit,
		Reasoning:  signal.Reasoning,
	})
	if err != nil {
		// The exchange fill stands but no local position exists. The
		// reconciler flags the orphaned exchange exposure for manual review.
		e.logger.Error("position open failed after fill",
			"symbol", signal.Symbol,
			"order_id", order.ID,
			"error", err)
		e.sendAlert(ctx, core.AlertError, "Position open failed after fill",
			fmt.Sprintf("Order %s filled %s %s but no position was created: %v. Awaiting reconciliation.",
				order.ID, order.FilledQuantity, signal.Symbol, err))
		result.Code = codeForError(err)
		result.Message = fmt.Sprintf("position create failed after fill: %v", err)
		result.OrderID = order.ID
		return result
	}

	order.PositionID = position.ID
	e.updateOrder(ctx, order)

	if _, err := e.PlaceStopLoss(ctx, position, stopPrice); err != nil {
		e.logger.Warn("initial stop placement failed, layered protection still active",
			"position_id", position.ID,
			"symbol", position.Symbol,
			"error", err)
		e.sendAlert(ctx, core.AlertWarning, "Stop-loss placement failed",
			fmt.Sprintf("Position %s (%s) has no exchange stop order: %v. Application layers remain armed.",
				position.ID, position.Symbol, err))
	}

	e.logger.Info("position opened",
		"position_id", position.ID,
		"symbol", position.Symbol,
		"side", position.Side,
		"quantity", order.FilledQuantity,
		"entry_price", order.AverageFillPrice,
		"leverage", signal.Leverage,
		"stop_price", stopPrice)

	result.Success = true
	result.Code = core.CodeOK
	result.OrderID = order.ID
	result.PositionID = position.ID
	result.FilledQuantity = order.FilledQuantity
	result.AvgPrice = order.AverageFillPrice
	result.FeesPaid = order.FeesPaid
	result.LatencyMS = order.LatencyMS
	return result
}

func (e *Executor) closeSymbol(ctx context.Context, symbol string) *core.ExecutionResult {
	result := &core.ExecutionResult{Symbol: symbol, Decision: core.DecisionClose}

	active, err := e.engine.GetActive(ctx, symbol)
	if err != nil {
		result.Code = codeForError(err)
		result.Message = fmt.Sprintf("position lookup failed: %v", err)
		return result
	}
	if len(active) == 0 {
		result.Code = core.CodePositionNotFound
		result.Message = fmt.Sprintf("no open position for %s", symbol)
		return result
	}

	for _, p := range active {
		r := e.ClosePosition(ctx, p.ID, "signal_close")
		if !r.Success {
			return r
		}
		result.OrderID = r.OrderID
		result.PositionID = r.PositionID
		result.FilledQuantity = r.FilledQuantity
		result.AvgPrice = r.AvgPrice
		result.FeesPaid = r.FeesPaid
		result.LatencyMS = r.LatencyMS
	}

	result.Success = true
	result.Code = core.CodeOK
	result.Message = fmt.Sprintf("closed %d position(s)", len(active))
	return result
}

// ClosePosition flattens one position with an opposite-side reduce-only
// market order and books the realized P&L through the position engine.
// Closing an already-closed or unknown position returns POSITION_NOT_FOUND,
// which the stop-loss layers rely on to resolve their first-close-wins race.
func (e *Executor) ClosePosition(ctx context.Context, positionID string, reason string) *core.ExecutionResult {
	result := &core.ExecutionResult{Decision: core.DecisionClose, PositionID: positionID}

	position, err := e.engine.GetByID(ctx, positionID)
	if err != nil {
		result.Code = codeForError(err)
		result.Message = fmt.Sprintf("position lookup failed: %v", err)
		return result
	}
	result.Symbol = position.Symbol
	if !position.IsOpen() {
		result.Code = core.CodePositionNotFound
		result.Message = fmt.Sprintf("position %s already closed", positionID)
		return result
	}

	side := core.OrderSideSell
	if position.Side == core.SideShort {
		side = core.OrderSideBuy
	}

	order := e.newOrder(position.Symbol, side, core.OrderTypeMarket, position.Quantity, position.ID)
	if err := e.insertOrder(ctx, order); err != nil {
		result.Code = core.CodeInternalError
		result.Message = fmt.Sprintf("order log write failed: %v", err)
		return result
	}

	if err := e.submitOrder(ctx, order); err != nil {
		result.Code = codeForError(err)
		result.Message = fmt.Sprintf("close order failed: %v", err)
		result.OrderID = order.ID
		return result
	}

	closed, err := e.engine.ClosePosition(ctx, positionID, order.AverageFillPrice, reason)
	if err != nil {
		// Exchange is flat but the local position is still open; the
		// reconciler closes it on the next pass.
		e.logger.Error("position close failed after fill",
			"position_id", positionID,
			"order_id", order.ID,
			"error", err)
		result.Code = codeForError(err)
		result.Message = fmt.Sprintf("position close failed after fill: %v", err)
		result.OrderID = order.ID
		return result
	}

	e.metrics.RecordTrade(closed.Symbol, closed.Side, closed.PnLCHF)
	e.logger.Info("position closed",
		"position_id", closed.ID,
		"symbol", closed.Symbol,
		"reason", reason,
		"close_price", order.AverageFillPrice,
		"pnl_chf", closed.PnLCHF)

	result.Success = true
	result.Code = core.CodeOK
	result.OrderID = order.ID
	result.FilledQuantity = order.FilledQuantity
	result.AvgPrice = order.AverageFillPrice
	result.FeesPaid = order.FeesPaid
	result.LatencyMS = order.LatencyMS
	result.Message = reason
	return result
}

// PlaceStopLoss submits a reduce-only stop-market order protecting position.
// Shared by the open path and the stop-loss supervisor's exchange layer.
func (e *Executor) PlaceStopLoss(ctx context.Context, position *core.Position, stopPrice decimal.Decimal) (*core.Order, error) {
	side := core.OrderSideSell
	if position.Side == core.SideShort {
		side = core.OrderSideBuy
	}

	order := e.newOrder(position.Symbol, side, core.OrderTypeStopMarket, position.Quantity, position.ID)
	order.StopPrice = stopPrice
	order.ReduceOnly = true
	if err := e.insertOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := e.submitOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CloseAll flattens every open position, used by the circuit breaker on
// trip. Positions that vanish mid-iteration are counted as closed.
func (e *Executor) CloseAll(ctx context.Context, reason string) (attempted, failed int) {
	active, err := e.engine.GetActive(ctx, "")
	if err != nil {
		e.logger.Error("close-all position listing failed", "error", err)
		return 0, 0
	}
	for _, p := range active {
		attempted++
		r := e.ClosePosition(ctx, p.ID, reason)
		if !r.Success && r.Code != core.CodePositionNotFound {
			failed++
			e.logger.Error("close-all position close failed",
				"position_id", p.ID,
				"symbol", p.Symbol,
				"code", r.Code,
				"message", r.Message)
		}
	}
	return attempted, failed
}

// submitOrder pushes one persisted order through the resilience pipeline and
// records the exchange acknowledgement on it. Reduce-only orders must
// reference an open position before anything is sent.
func (e *Executor) submitOrder(ctx context.Context, order *core.Order) error {
	if !strings.Contains(order.Symbol, ":") {
		return e.failOrder(ctx, order, fmt.Errorf("%s is not a perpetual contract symbol: %w",
			order.Symbol, apperrors.ErrInvalidSymbol))
	}
	if order.ReduceOnly {
		if order.PositionID == "" {
			err := fmt.Errorf("reduce-only order %s has no position id: %w", order.ID, apperrors.ErrInvariant)
			e.logger.Error("refusing reduce-only order without position", "order_id", order.ID, "error", err)
			return e.failOrder(ctx, order, err)
		}
		p, err := e.engine.GetByID(ctx, order.PositionID)
		if err != nil || !p.IsOpen() {
			if err == nil {
				err = fmt.Errorf("position %s: %w", order.PositionID, apperrors.ErrPositionNotFound)
			}
			return e.failOrder(ctx, order, err)
		}
	}

	req := &core.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
		ReduceOnly:    order.ReduceOnly,
		ClientOrderID: order.ClientOrderID,
		PositionID:    order.PositionID,
	}

	start := time.Now()
	ack, err := e.pipeline.GetWithExecution(func(_ failsafe.Execution[*core.Order]) (*core.Order, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		return e.exchange.PlaceOrder(callCtx, req)
	})
	latency := time.Since(start)

	e.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", order.Symbol),
		attribute.String("type", string(order.Type)),
	))
	if err != nil {
		e.failed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", order.Symbol),
			attribute.String("type", string(order.Type)),
		))
		e.metrics.RecordOrder(order.Symbol, order.Type, false, latency)
		return e.failOrder(ctx, order, err)
	}

	order.ExchangeOrderID = ack.ExchangeOrderID
	order.FilledQuantity = ack.FilledQuantity
	order.AverageFillPrice = ack.AverageFillPrice
	order.FeesPaid = ack.FeesPaid
	order.Status = ack.Status
	order.LatencyMS = latency.Milliseconds()
	order.UpdatedAt = time.Now().UTC()
	e.updateOrder(ctx, order)

	e.metrics.RecordOrder(order.Symbol, order.Type, true, latency)
	return nil
}

func (e *Executor) fetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	return e.tickers.GetWithExecution(func(_ failsafe.Execution[*core.Ticker]) (*core.Ticker, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		return e.exchange.FetchTicker(callCtx, symbol)
	})
}

func (e *Executor) newOrder(symbol string, side core.OrderSide, orderType core.OrderType, quantity decimal.Decimal, positionID string) *core.Order {
	now := time.Now().UTC()
	return &core.Order{
		ID:            uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		PositionID:    positionID,
		Symbol:        symbol,
		Type:          orderType,
		Side:          side,
		Quantity:      quantity,
		ReduceOnly:    positionID != "",
		Status:        core.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (e *Executor) insertOrder(ctx context.Context, order *core.Order) error {
	if err := e.orders.InsertOrder(ctx, order); err != nil {
		e.logger.Error("order insert failed", "order_id", order.ID, "error", err)
		return err
	}
	return nil
}

// updateOrder persists post-acknowledgement state. The exchange has already
// acted, so a write failure is logged and swallowed.
func (e *Executor) updateOrder(ctx context.Context, order *core.Order) {
	if err := e.orders.UpdateOrder(ctx, order); err != nil {
		e.logger.Error("order update failed", "order_id", order.ID, "error", err)
	}
}

func (e *Executor) failOrder(ctx context.Context, order *core.Order, err error) error {
	order.Status = core.OrderStatusFailed
	order.UpdatedAt = time.Now().UTC()
	e.updateOrder(ctx, order)
	return err
}

func (e *Executor) sendAlert(ctx context.Context, level core.AlertLevel, title, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Send(ctx, level, title, message); err != nil {
		e.logger.Error("alert send failed", "title", title, "error", err)
	}
}

// codeForError maps adapter and engine errors to execution result codes.
// Specific sentinels win over the transient catch-all.
func codeForError(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		return core.CodeInsufficientFunds
	case errors.Is(err, apperrors.ErrInvalidSymbol):
		return core.CodeInvalidSymbol
	case errors.Is(err, apperrors.ErrPositionNotFound):
		return core.CodePositionNotFound
	case errors.Is(err, apperrors.ErrOrderRejected),
		errors.Is(err, apperrors.ErrInvalidOrder),
		errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, apperrors.ErrRiskLimit):
		return core.CodeOrderRejected
	case errors.Is(err, circuitbreaker.ErrOpen), apperrors.IsTransient(err):
		return core.CodeExchangeUnavailable
	default:
		return core.CodeInternalError
	}
}
