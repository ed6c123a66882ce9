package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/internal/logging"
	apperrors "perp_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig uses 11000 CHF capital so capital in USD is exactly 10000 at the
// fixed 1.10 rate, which keeps the limit arithmetic legible.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.Symbols = []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}
	cfg.Trading.StartingCapitalCHF = 11000
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	logger := logging.NewLogger(logging.ErrorLevel, nil)
	return NewEngine(store, testConfig(), logger), store
}

func openReq() *core.OpenPositionRequest {
	return &core.OpenPositionRequest{
		Symbol:     "BTC/USDT:USDT",
		Side:       core.SideLong,
		Quantity:   decimal.RequireFromString("0.01"),
		EntryPrice: decimal.NewFromInt(50000),
		Leverage:   5,
		StopLoss:   decimal.NewFromInt(49000),
		TakeProfit: decimal.NewFromInt(52000),
		Reasoning:  "momentum long",
	}
}

func TestEngine_CreatePosition(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	p, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	assert.Equal(t, core.PositionStatusOpen, p.Status)
	assert.True(t, p.IsOpen())
	assert.True(t, p.PnLCHF.IsZero(), "open position must not carry realized P&L")
	assert.True(t, p.CurrentPrice.Equal(p.EntryPrice))

	stored, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(p.Quantity))

	trail := store.AuditByEntity(p.ID)
	require.Len(t, trail, 1)
	assert.Equal(t, "position_opened", trail[0].EventType)
}

func TestEngine_CreatePosition_Validation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(*core.OpenPositionRequest)
		sentinel error
	}{
		{
			name:     "spot symbol rejected",
			mutate:   func(r *core.OpenPositionRequest) { r.Symbol = "BTC/USDT" },
			sentinel: apperrors.ErrValidation,
		},
		{
			name:     "symbol not allowlisted",
			mutate:   func(r *core.OpenPositionRequest) { r.Symbol = "XRP/USDT:USDT" },
			sentinel: apperrors.ErrValidation,
		},
		{
			name:     "zero quantity",
			mutate:   func(r *core.OpenPositionRequest) { r.Quantity = decimal.Zero },
			sentinel: apperrors.ErrValidation,
		},
		{
			name:     "missing stop loss",
			mutate:   func(r *core.OpenPositionRequest) { r.StopLoss = decimal.Zero },
			sentinel: apperrors.ErrValidation,
		},
		{
			name: "long stop above entry",
			mutate: func(r *core.OpenPositionRequest) {
				r.StopLoss = decimal.NewFromInt(51000)
			},
			sentinel: apperrors.ErrValidation,
		},
		{
			name: "short stop below entry",
			mutate: func(r *core.OpenPositionRequest) {
				r.Side = core.SideShort
				r.StopLoss = decimal.NewFromInt(49000)
			},
			sentinel: apperrors.ErrValidation,
		},
		{
			name:     "leverage below band",
			mutate:   func(r *core.OpenPositionRequest) { r.Leverage = 2 },
			sentinel: apperrors.ErrRiskLimit,
		},
		{
			name: "leverage above per-symbol cap",
			mutate: func(r *core.OpenPositionRequest) {
				r.Symbol = "ETH/USDT:USDT"
				r.Leverage = 41
			},
			sentinel: apperrors.ErrRiskLimit,
		},
		{
			name: "notional above position size cap",
			mutate: func(r *core.OpenPositionRequest) {
				// 0.05 x 50000 = 2500 USD > 20% of 10000 USD capital
				r.Quantity = decimal.RequireFromString("0.05")
			},
			sentinel: apperrors.ErrRiskLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := openReq()
			tt.mutate(req)
			_, err := engine.CreatePosition(ctx, req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "expected %v, got %v", tt.sentinel, err)
		})
	}
}

func TestEngine_CreatePosition_ExposureLimit(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	// Each position: 500 USD notional x 5 leverage = 2500 USD exposure.
	// Cap is 80% of 10000 USD = 8000; the fourth position would reach 10000.
	for i := 0; i < 3; i++ {
		_, err := engine.CreatePosition(ctx, openReq())
		require.NoError(t, err, "position %d should be admitted", i+1)
	}

	_, err := engine.CreatePosition(ctx, openReq())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRiskLimit), "expected risk limit, got %v", err)
}

func TestEngine_UpdatePrice(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)

	updated, err := engine.UpdatePrice(ctx, p.ID, decimal.NewFromInt(51000))
	require.NoError(t, err)
	assert.True(t, updated.CurrentPrice.Equal(decimal.NewFromInt(51000)))
	assert.True(t, updated.IsOpen())
	assert.True(t, updated.PnLCHF.IsZero(), "mark-to-market must not realize P&L")
}

func TestEngine_UpdatePrice_ClosedIsNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)
	_, err = engine.ClosePosition(ctx, p.ID, decimal.NewFromInt(50500), "manual")
	require.NoError(t, err)

	_, err = engine.UpdatePrice(ctx, p.ID, decimal.NewFromInt(52000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPositionNotFound))

	_, err = engine.UpdatePrice(ctx, "no-such-id", decimal.NewFromInt(52000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPositionNotFound))
}

func TestEngine_ClosePosition_LongProfit(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	p, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)

	closed, err := engine.ClosePosition(ctx, p.ID, decimal.NewFromInt(51000), "take_profit")
	require.NoError(t, err)

	// (51000 - 50000) x 0.01 x 5 = 50 USD -> 55.00 CHF at 1.10
	assert.Equal(t, core.PositionStatusClosed, closed.Status)
	assert.True(t, closed.PnLCHF.Equal(decimal.RequireFromString("55")), "got %s", closed.PnLCHF)
	assert.Equal(t, "take_profit", closed.CloseReason)
	require.NotNil(t, closed.ClosedAt)

	date := time.Now().UTC().Format(DateLayout)
	daily, err := store.GetDailyPnL(ctx, date)
	require.NoError(t, err)
	assert.True(t, daily.Equal(decimal.RequireFromString("55")))

	trail := store.AuditByEntity(p.ID)
	require.Len(t, trail, 2)
	assert.Equal(t, "position_closed", trail[1].EventType)
}

func TestEngine_ClosePosition_ShortProfit(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	req := openReq()
	req.Side = core.SideShort
	req.StopLoss = decimal.NewFromInt(51000)
	req.TakeProfit = decimal.NewFromInt(48000)
	p, err := engine.CreatePosition(ctx, req)
	require.NoError(t, err)

	closed, err := engine.ClosePosition(ctx, p.ID, decimal.NewFromInt(49000), "take_profit")
	require.NoError(t, err)

	// Short gains when price falls: (50000 - 49000) x 0.01 x 5 = 50 USD -> 55 CHF
	assert.True(t, closed.PnLCHF.Equal(decimal.RequireFromString("55")), "got %s", closed.PnLCHF)
}

func TestEngine_ClosePosition_Idempotent(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	p, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)

	first, err := engine.ClosePosition(ctx, p.ID, decimal.NewFromInt(49500), "stop_loss_triggered_layer2")
	require.NoError(t, err)

	second, err := engine.ClosePosition(ctx, p.ID, decimal.NewFromInt(48000), "layer3_emergency_liquidation")
	require.NoError(t, err)

	assert.True(t, second.PnLCHF.Equal(first.PnLCHF), "second close must not recompute P&L")
	assert.Equal(t, first.CloseReason, second.CloseReason)
	assert.Equal(t, first.ClosedAt.UnixNano(), second.ClosedAt.UnixNano())
	assert.Equal(t, first.Status, second.Status)

	date := time.Now().UTC().Format(DateLayout)
	daily, err := store.GetDailyPnL(ctx, date)
	require.NoError(t, err)
	assert.True(t, daily.Equal(first.PnLCHF), "daily P&L must be booked exactly once, got %s", daily)
}

func TestEngine_ClosePosition_ConcurrentClosersRace(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	p, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.ClosePosition(ctx, p.ID, decimal.NewFromInt(49500), "stop_loss_triggered_layer2")
		}()
	}
	wg.Wait()

	closed, err := engine.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsOpen())

	date := time.Now().UTC().Format(DateLayout)
	daily, err := store.GetDailyPnL(ctx, date)
	require.NoError(t, err)
	assert.True(t, daily.Equal(closed.PnLCHF), "racing closers must book P&L once, got %s", daily)
}

func TestEngine_ClosePosition_LiquidationStatus(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)

	closed, err := engine.ClosePosition(ctx, p.ID, decimal.NewFromInt(42000), "layer3_emergency_liquidation")
	require.NoError(t, err)
	assert.Equal(t, core.PositionStatusLiquidated, closed.Status)
}

func TestEngine_GetActive_FiltersBySymbol(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)

	ethReq := openReq()
	ethReq.Symbol = "ETH/USDT:USDT"
	ethReq.Quantity = decimal.RequireFromString("0.1")
	ethReq.EntryPrice = decimal.NewFromInt(3000)
	ethReq.StopLoss = decimal.NewFromInt(2900)
	ethReq.TakeProfit = decimal.Zero
	_, err = engine.CreatePosition(ctx, ethReq)
	require.NoError(t, err)

	all, err := engine.GetActive(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	btc, err := engine.GetActive(ctx, "BTC/USDT:USDT")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "BTC/USDT:USDT", btc[0].Symbol)
}

func TestEngine_TotalExposureCHF(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)
	_, err = engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)

	exposure, err := engine.TotalExposureCHF(ctx)
	require.NoError(t, err)

	// 2 x (0.01 x 50000 x 5) = 5000 USD -> 5500 CHF
	assert.True(t, exposure.Equal(decimal.RequireFromString("5500")), "got %s", exposure)
}

func TestEngine_DailyPnL_Summary(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	win, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)
	_, err = engine.ClosePosition(ctx, win.ID, decimal.NewFromInt(51000), "take_profit")
	require.NoError(t, err)

	loss, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)
	_, err = engine.ClosePosition(ctx, loss.ID, decimal.NewFromInt(49500), "stop_loss_triggered_layer2")
	require.NoError(t, err)

	open, err := engine.CreatePosition(ctx, openReq())
	require.NoError(t, err)
	_, err = engine.UpdatePrice(ctx, open.ID, decimal.NewFromInt(50200))
	require.NoError(t, err)

	date := time.Now().UTC().Format(DateLayout)
	summary, err := engine.DailyPnL(ctx, date)
	require.NoError(t, err)

	// Realized: +55 (win) - 27.50 (loss) = 27.50 CHF
	assert.True(t, summary.RealizedCHF.Equal(decimal.RequireFromString("27.5")), "got %s", summary.RealizedCHF)
	// Unrealized on the open position: 200 x 0.01 x 5 = 10 USD -> 11 CHF
	assert.True(t, summary.UnrealizedCHF.Equal(decimal.RequireFromString("11")), "got %s", summary.UnrealizedCHF)
	assert.True(t, summary.TotalCHF.Equal(decimal.RequireFromString("38.5")), "got %s", summary.TotalCHF)
	assert.Equal(t, 2, summary.TradesClosed)
	assert.Equal(t, 1, summary.Wins)
	assert.Equal(t, 1, summary.Losses)
	assert.Equal(t, 1, summary.OpenPositions)
}
