package risk

// Shared fakes for the gate, breaker and reconciler tests.

import (
	"context"
	"sync"
	"testing"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/internal/logging"
	"perp_trader/internal/trading/position"
	apperrors "perp_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testRiskConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.Symbols = []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}
	cfg.Trading.StartingCapitalCHF = 11000
	return cfg
}

func testLogger() core.ILogger {
	return logging.NewLogger(logging.ErrorLevel, nil)
}

// realEngine builds a position engine on a memory store for tests that need
// the full engine surface, including quantity correction.
func realEngine(t *testing.T) (*position.Engine, *position.MemoryStore) {
	t.Helper()
	store := position.NewMemoryStore()
	return position.NewEngine(store, testRiskConfig(), testLogger()), store
}

func mustOpen(t *testing.T, engine *position.Engine, symbol, qty, entry, stop string) *core.Position {
	t.Helper()
	p, err := engine.CreatePosition(context.Background(), &core.OpenPositionRequest{
		Symbol:     symbol,
		Side:       core.SideLong,
		Quantity:   decimal.RequireFromString(qty),
		EntryPrice: decimal.RequireFromString(entry),
		Leverage:   5,
		StopLoss:   decimal.RequireFromString(stop),
	})
	require.NoError(t, err)
	return p
}

// fakePositionEngine serves the gate tests, which only read open positions.
type fakePositionEngine struct {
	mu        sync.Mutex
	active    []*core.Position
	activeErr error
}

func (f *fakePositionEngine) setActive(ps ...*core.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = ps
}

func (f *fakePositionEngine) CreatePosition(ctx context.Context, req *core.OpenPositionRequest) (*core.Position, error) {
	return nil, apperrors.ErrValidation
}

func (f *fakePositionEngine) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (*core.Position, error) {
	return nil, apperrors.ErrPositionNotFound
}

func (f *fakePositionEngine) ClosePosition(ctx context.Context, id string, closePrice decimal.Decimal, reason string) (*core.Position, error) {
	return nil, apperrors.ErrPositionNotFound
}

func (f *fakePositionEngine) GetActive(ctx context.Context, symbol string) ([]*core.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	out := make([]*core.Position, len(f.active))
	copy(out, f.active)
	return out, nil
}

func (f *fakePositionEngine) GetByID(ctx context.Context, id string) (*core.Position, error) {
	return nil, apperrors.ErrPositionNotFound
}

func (f *fakePositionEngine) TotalExposureCHF(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakePositionEngine) DailyPnL(ctx context.Context, date string) (*core.DailyPnLSummary, error) {
	return &core.DailyPnLSummary{Date: date}, nil
}

// openFixture fabricates an open position without engine validation so the
// gate tests can stage exposure levels the engine itself would not admit.
func openFixture(id, symbol, qty, entry string) *core.Position {
	return &core.Position{
		ID:           id,
		Symbol:       symbol,
		Side:         core.SideLong,
		Quantity:     decimal.RequireFromString(qty),
		EntryPrice:   decimal.RequireFromString(entry),
		CurrentPrice: decimal.RequireFromString(entry),
		Leverage:     5,
		StopLoss:     decimal.RequireFromString(entry).Mul(decimal.RequireFromString("0.98")),
		Status:       core.PositionStatusOpen,
	}
}

// fakeExchange implements core.IExchange for reconciler tests.
type fakeExchange struct {
	mu        sync.Mutex
	positions []*core.ExchangePosition
	fetchErr  error
	canceled  []string
}

func (f *fakeExchange) setPositions(ps ...*core.ExchangePosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = ps
}

func (f *fakeExchange) GetName() string { return "fake" }

func (f *fakeExchange) CheckHealth(ctx context.Context) error { return nil }

func (f *fakeExchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	return &core.Ticker{Symbol: symbol, Last: decimal.NewFromInt(50000)}, nil
}

func (f *fakeExchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	return map[string]core.Balance{}, nil
}

func (f *fakeExchange) FetchPositions(ctx context.Context) ([]*core.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]*core.ExchangePosition, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	return nil, apperrors.ErrOrderRejected
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

// captureAlerts records everything sent through the alert sink.
type captureAlerts struct {
	mu     sync.Mutex
	alerts []capturedAlert
}

type capturedAlert struct {
	Level   core.AlertLevel
	Title   string
	Message string
}

func (c *captureAlerts) Send(ctx context.Context, level core.AlertLevel, title string, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, capturedAlert{Level: level, Title: title, Message: message})
	return nil
}

func (c *captureAlerts) byLevel(level core.AlertLevel) []capturedAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedAlert
	for _, a := range c.alerts {
		if a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

func (c *captureAlerts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}
