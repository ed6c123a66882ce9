package executor

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/internal/logging"
	"perp_trader/internal/mock"
	"perp_trader/internal/trading/position"
	apperrors "perp_trader/pkg/errors"
)

type harness struct {
	exchange *mock.MockExchange
	engine   *position.Engine
	store    *position.MemoryStore
	metrics  *mock.MetricsRecorder
	alerts   *mock.AlertRecorder
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.App.Symbols = []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}
	cfg.Trading.StartingCapitalCHF = 11000
	cfg.Executor.RetryDelayMS = 1

	logger := logging.NewLogger(logging.ErrorLevel, nil)
	store := position.NewMemoryStore()
	engine := position.NewEngine(store, cfg, logger)
	exchange := mock.NewMockExchange("mock")
	exchange.SetTicker("BTC/USDT:USDT", decimal.NewFromInt(50000))
	exchange.SetTicker("ETH/USDT:USDT", decimal.NewFromInt(3000))
	metrics := mock.NewMetricsRecorder()
	alerts := mock.NewAlertRecorder()

	return &harness{
		exchange: exchange,
		engine:   engine,
		store:    store,
		metrics:  metrics,
		alerts:   alerts,
		exec:     NewExecutor(exchange, engine, store, metrics, alerts, cfg, logger),
	}
}

func buySignal() *core.Signal {
	return &core.Signal{
		Symbol:      "BTC/USDT:USDT",
		Decision:    core.DecisionBuy,
		Confidence:  0.8,
		SizePct:     decimal.NewFromFloat(0.10),
		StopLossPct: decimal.NewFromFloat(0.02),
		Leverage:    5,
		Reasoning:   "momentum breakout",
	}
}

func (h *harness) execute(t *testing.T, signal *core.Signal) *core.ExecutionResult {
	t.Helper()
	return h.exec.ExecuteSignal(context.Background(), signal,
		decimal.NewFromInt(11000), decimal.NewFromFloat(1.10), nil)
}

// stubGate cans a validation verdict for executor-side dispatch tests.
type stubGate struct {
	validation *core.RiskValidation
}

func (s *stubGate) Validate(_ context.Context, _ *core.Signal) *core.RiskValidation {
	return s.validation
}

func TestExecutor_HoldIsNoAction(t *testing.T) {
	h := newHarness(t)
	signal := buySignal()
	signal.Decision = core.DecisionHold

	result := h.execute(t, signal)

	require.True(t, result.Success)
	assert.Equal(t, core.CodeOK, result.Code)
	assert.Equal(t, "no action", result.Message)
	assert.Empty(t, h.exchange.Requests())
}

func TestExecutor_OpenLong(t *testing.T) {
	h := newHarness(t)

	result := h.execute(t, buySignal())

	require.True(t, result.Success, "open failed: %s %s", result.Code, result.Message)
	assert.Equal(t, core.CodeOK, result.Code)
	require.NotEmpty(t, result.PositionID)
	assert.Equal(t, "0.02", result.FilledQuantity.String())
	assert.Equal(t, "50000", result.AvgPrice.String())

	// Market entry plus protective stop.
	orders := h.exchange.Orders()
	require.Len(t, orders, 2)
	market, stop := orders[0], orders[1]
	assert.Equal(t, core.OrderTypeMarket, market.Type)
	assert.Equal(t, core.OrderSideBuy, market.Side)
	assert.False(t, market.ReduceOnly)
	assert.Equal(t, core.OrderStatusFilled, market.Status)
	assert.Equal(t, core.OrderTypeStopMarket, stop.Type)
	assert.Equal(t, core.OrderSideSell, stop.Side)
	assert.True(t, stop.ReduceOnly)
	assert.Equal(t, "49000", stop.StopPrice.String())
	assert.Equal(t, "0.02", stop.Quantity.String())
	assert.Equal(t, result.PositionID, stop.PositionID)

	p, err := h.engine.GetByID(context.Background(), result.PositionID)
	require.NoError(t, err)
	assert.True(t, p.IsOpen())
	assert.Equal(t, core.SideLong, p.Side)
	assert.Equal(t, "50000", p.EntryPrice.String())
	assert.Equal(t, "49000", p.StopLoss.String())

	// Both orders land in the local order log, tied to the position.
	logged, err := h.store.OrdersByPosition(context.Background(), result.PositionID)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, core.OrderTypeMarket, logged[0].Type)
	assert.NotEmpty(t, logged[0].ExchangeOrderID)
	assert.NotEmpty(t, logged[0].ClientOrderID)

	recorded := h.metrics.Orders()
	require.Len(t, recorded, 2)
	assert.True(t, recorded[0].Success)
	assert.True(t, recorded[1].Success)
}

func TestExecutor_OpenShortStopsAboveEntry(t *testing.T) {
	h := newHarness(t)
	signal := buySignal()
	signal.Decision = core.DecisionSell

	result := h.execute(t, signal)

	require.True(t, result.Success, "open failed: %s %s", result.Code, result.Message)
	p, err := h.engine.GetByID(context.Background(), result.PositionID)
	require.NoError(t, err)
	assert.Equal(t, core.SideShort, p.Side)
	assert.Equal(t, "51000", p.StopLoss.String())

	stops := h.exchange.OrdersOfType(core.OrderTypeStopMarket)
	require.Len(t, stops, 1)
	assert.Equal(t, core.OrderSideBuy, stops[0].Side)
	assert.Equal(t, "51000", stops[0].StopPrice.String())
}

func TestExecutor_GateRejectionShortCircuits(t *testing.T) {
	h := newHarness(t)
	gate := &stubGate{validation: &core.RiskValidation{
		Approved:         false,
		RejectionReasons: []string{"Position Size: too large", "Confidence: below minimum"},
	}}

	result := h.exec.ExecuteSignal(context.Background(), buySignal(),
		decimal.NewFromInt(11000), decimal.NewFromFloat(1.10), gate)

	require.False(t, result.Success)
	assert.Equal(t, core.CodeRiskValidationFailed, result.Code)
	assert.Equal(t, "Position Size: too large; Confidence: below minimum", result.Message)
	assert.Empty(t, h.exchange.Requests())
}

func TestExecutor_GateApprovalWithWarningsProceeds(t *testing.T) {
	h := newHarness(t)
	gate := &stubGate{validation: &core.RiskValidation{
		Approved: true,
		Warnings: []string{"Stop Loss: not present in signal"},
	}}

	result := h.exec.ExecuteSignal(context.Background(), buySignal(),
		decimal.NewFromInt(11000), decimal.NewFromFloat(1.10), gate)

	require.True(t, result.Success, "open failed: %s %s", result.Code, result.Message)
}

func TestExecutor_RefusesOpenWithoutStop(t *testing.T) {
	h := newHarness(t)
	signal := buySignal()
	signal.StopLossPct = decimal.Zero

	result := h.execute(t, signal)

	require.False(t, result.Success)
	assert.Equal(t, core.CodeOrderRejected, result.Code)
	assert.Contains(t, result.Message, "stop-loss")
	assert.Empty(t, h.exchange.Requests())
}

func TestExecutor_SpotSymbolRejectedBeforeAPICall(t *testing.T) {
	h := newHarness(t)
	h.exchange.SetTickerError(apperrors.ErrNetwork)
	signal := buySignal()
	signal.Symbol = "BTC/USDT"

	result := h.execute(t, signal)

	require.False(t, result.Success)
	assert.Equal(t, core.CodeInvalidSymbol, result.Code)
	assert.Empty(t, h.exchange.Requests())
}

func TestExecutor_QuantityRoundsToZero(t *testing.T) {
	h := newHarness(t)

	result := h.exec.ExecuteSignal(context.Background(), buySignal(),
		decimal.NewFromFloat(0.0001), decimal.NewFromFloat(1.10), nil)

	require.False(t, result.Success)
	assert.Equal(t, core.CodeOrderRejected, result.Code)
	assert.Contains(t, result.Message, "rounds to zero")
	assert.Empty(t, h.exchange.Requests())
}

func TestExecutor_TransientFailuresRetryWithSameClientOrderID(t *testing.T) {
	h := newHarness(t)
	h.exchange.FailPlaceOrders(2, apperrors.ErrNetwork)

	result := h.execute(t, buySignal())

	require.True(t, result.Success, "open failed: %s %s", result.Code, result.Message)

	// Two failed market attempts, the successful one, then the stop order.
	requests := h.exchange.Requests()
	require.Len(t, requests, 4)
	assert.Equal(t, requests[0].ClientOrderID, requests[1].ClientOrderID)
	assert.Equal(t, requests[0].ClientOrderID, requests[2].ClientOrderID)
	assert.NotEqual(t, requests[0].ClientOrderID, requests[3].ClientOrderID)
	assert.Len(t, h.exchange.Orders(), 2)
}

func TestExecutor_RetriesExhaustToUnavailable(t *testing.T) {
	h := newHarness(t)
	h.exchange.FailPlaceOrders(-1, apperrors.ErrNetwork)

	result := h.execute(t, buySignal())

	require.False(t, result.Success)
	assert.Equal(t, core.CodeExchangeUnavailable, result.Code)

	active, err := h.engine.GetActive(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, active)

	// The persisted order row carries the failure.
	rows, err := h.store.OrdersByPosition(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, core.OrderStatusFailed, rows[0].Status)

	recorded := h.metrics.Orders()
	require.Len(t, recorded, 1)
	assert.False(t, recorded[0].Success)
}

func TestExecutor_InsufficientFundsFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.exchange.FailPlaceOrders(1, apperrors.ErrInsufficientFunds)

	result := h.execute(t, buySignal())

	require.False(t, result.Success)
	assert.Equal(t, core.CodeInsufficientFunds, result.Code)
	// A retry would have succeeded; exactly one attempt proves none happened.
	assert.Len(t, h.exchange.Requests(), 1)
}

func TestExecutor_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t)
	h.exchange.FailPlaceOrders(-1, apperrors.ErrNetwork)

	// First signal burns four attempts, the fifth failure trips the breaker.
	first := h.execute(t, buySignal())
	require.Equal(t, core.CodeExchangeUnavailable, first.Code)

	second := h.execute(t, buySignal())
	require.Equal(t, core.CodeExchangeUnavailable, second.Code)
	assert.Len(t, h.exchange.Requests(), 5)

	// Breaker is open, so no further traffic reaches the exchange.
	third := h.execute(t, buySignal())
	require.Equal(t, core.CodeExchangeUnavailable, third.Code)
	assert.Len(t, h.exchange.Requests(), 5)
}

func TestExecutor_StopPlacementFailureKeepsPosition(t *testing.T) {
	h := newHarness(t)
	h.exchange.SetPlaceOrderHook(func(req *core.OrderRequest) error {
		if req.Type == core.OrderTypeStopMarket {
			return apperrors.ErrOrderRejected
		}
		return nil
	})

	result := h.execute(t, buySignal())

	require.True(t, result.Success, "open failed: %s %s", result.Code, result.Message)
	p, err := h.engine.GetByID(context.Background(), result.PositionID)
	require.NoError(t, err)
	assert.True(t, p.IsOpen())

	warnings := h.alerts.ByLevel(core.AlertWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Title, "Stop-loss placement failed")
}

func TestExecutor_CloseRealizesPnL(t *testing.T) {
	h := newHarness(t)
	opened := h.execute(t, buySignal())
	require.True(t, opened.Success)

	h.exchange.SetTicker("BTC/USDT:USDT", decimal.NewFromInt(51000))
	result := h.exec.ClosePosition(context.Background(), opened.PositionID, "signal_close")

	require.True(t, result.Success, "close failed: %s %s", result.Code, result.Message)
	assert.Equal(t, "51000", result.AvgPrice.String())

	p, err := h.engine.GetByID(context.Background(), opened.PositionID)
	require.NoError(t, err)
	assert.False(t, p.IsOpen())
	assert.Equal(t, "signal_close", p.CloseReason)
	// (51000-50000) x 0.02 x 5 = 100 USD = 110 CHF.
	assert.Equal(t, "110", p.PnLCHF.String())

	trades := h.metrics.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "110", trades[0].PnLCHF.String())

	// The close order is an opposite-side reduce-only market order.
	orders := h.exchange.Orders()
	closeOrder := orders[len(orders)-1]
	assert.Equal(t, core.OrderTypeMarket, closeOrder.Type)
	assert.Equal(t, core.OrderSideSell, closeOrder.Side)
	assert.True(t, closeOrder.ReduceOnly)
	assert.Equal(t, opened.PositionID, closeOrder.PositionID)
}

func TestExecutor_CloseTwiceReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	opened := h.execute(t, buySignal())
	require.True(t, opened.Success)

	first := h.exec.ClosePosition(context.Background(), opened.PositionID, "signal_close")
	require.True(t, first.Success)

	second := h.exec.ClosePosition(context.Background(), opened.PositionID, "stop_loss_triggered_layer2")
	require.False(t, second.Success)
	assert.Equal(t, core.CodePositionNotFound, second.Code)

	missing := h.exec.ClosePosition(context.Background(), "no-such-position", "signal_close")
	require.False(t, missing.Success)
	assert.Equal(t, core.CodePositionNotFound, missing.Code)
}

func TestExecutor_CloseSignalFlattensSymbol(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		_, err := h.engine.CreatePosition(context.Background(), &core.OpenPositionRequest{
			Symbol:     "BTC/USDT:USDT",
			Side:       core.SideLong,
			Quantity:   decimal.NewFromFloat(0.01),
			EntryPrice: decimal.NewFromInt(50000),
			Leverage:   5,
			StopLoss:   decimal.NewFromInt(49000),
		})
		require.NoError(t, err)
	}

	signal := buySignal()
	signal.Decision = core.DecisionClose
	result := h.execute(t, signal)

	require.True(t, result.Success, "close failed: %s %s", result.Code, result.Message)
	assert.Equal(t, "closed 2 position(s)", result.Message)

	active, err := h.engine.GetActive(context.Background(), "BTC/USDT:USDT")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExecutor_CloseSignalWithoutPosition(t *testing.T) {
	h := newHarness(t)
	signal := buySignal()
	signal.Decision = core.DecisionClose

	result := h.execute(t, signal)

	require.False(t, result.Success)
	assert.Equal(t, core.CodePositionNotFound, result.Code)
	assert.Empty(t, h.exchange.Requests())
}

func TestExecutor_PlaceStopLossGuardsReduceOnlyInvariant(t *testing.T) {
	h := newHarness(t)

	orphan := &core.Position{
		Symbol:   "BTC/USDT:USDT",
		Side:     core.SideLong,
		Quantity: decimal.NewFromFloat(0.01),
	}
	_, err := h.exec.PlaceStopLoss(context.Background(), orphan, decimal.NewFromInt(49000))
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.Empty(t, h.exchange.Requests())

	orphan.ID = "not-a-real-position"
	_, err = h.exec.PlaceStopLoss(context.Background(), orphan, decimal.NewFromInt(49000))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, h.exchange.Requests())
}

func TestExecutor_CloseAllFlattensEverything(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.execute(t, buySignal()).Success)

	ethSignal := buySignal()
	ethSignal.Symbol = "ETH/USDT:USDT"
	ethSignal.Decision = core.DecisionSell
	ethSignal.SizePct = decimal.NewFromFloat(0.05)
	require.True(t, h.execute(t, ethSignal).Success)

	attempted, failed := h.exec.CloseAll(context.Background(), "circuit_breaker_daily_loss")
	assert.Equal(t, 2, attempted)
	assert.Equal(t, 0, failed)

	active, err := h.engine.GetActive(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Nothing left to close on a second sweep.
	attempted, failed = h.exec.CloseAll(context.Background(), "circuit_breaker_daily_loss")
	assert.Equal(t, 0, attempted)
	assert.Equal(t, 0, failed)
}

func TestExecutor_PositionCloseReasonsPropagate(t *testing.T) {
	h := newHarness(t)
	opened := h.execute(t, buySignal())
	require.True(t, opened.Success)

	h.exchange.SetTicker("BTC/USDT:USDT", decimal.NewFromInt(42000))
	result := h.exec.ClosePosition(context.Background(), opened.PositionID, "layer3_emergency_liquidation")
	require.True(t, result.Success)

	p, err := h.engine.GetByID(context.Background(), opened.PositionID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionStatusLiquidated, p.Status)
}
