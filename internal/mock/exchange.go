package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"
)

// MockExchange implements core.IExchange for testing. Market orders fill
// immediately at the scripted ticker price; stop and limit orders rest as
// OPEN. Duplicate client order IDs return the original order instead of
// creating a new one, matching real exchange dedupe semantics that the
// executor's retry path relies on.
type MockExchange struct {
	name string

	mu         sync.RWMutex
	tickers    map[string]*core.Ticker
	balances   map[string]core.Balance
	positions  []*core.ExchangePosition
	orders     []*core.Order
	requests   []*core.OrderRequest
	byClientID map[string]*core.Order
	canceled   []string
	orderSeq   int64

	placeHook func(req *core.OrderRequest) error

	fillRatio decimal.Decimal

	placeFailures int
	placeErr      error
	tickerErr     error
	balanceErr    error
	positionsErr  error
	cancelErr     error
	healthErr     error
}

func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:       name,
		tickers:    make(map[string]*core.Ticker),
		balances:   make(map[string]core.Balance),
		byClientID: make(map[string]*core.Order),
		fillRatio:  decimal.NewFromInt(1),
	}
}

func (m *MockExchange) GetName() string { return m.name }

func (m *MockExchange) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}

func (m *MockExchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tickerErr != nil {
		return nil, m.tickerErr
	}
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	cp := *t
	return &cp, nil
}

func (m *MockExchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	out := make(map[string]core.Balance, len(m.balances))
	for asset, b := range m.balances {
		out[asset] = b
	}
	return out, nil
}

func (m *MockExchange) FetchPositions(ctx context.Context) ([]*core.ExchangePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	out := make([]*core.ExchangePosition, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	reqCopy := *req
	m.requests = append(m.requests, &reqCopy)

	if m.placeFailures != 0 {
		if m.placeFailures > 0 {
			m.placeFailures--
		}
		return nil, m.placeErr
	}
	if m.placeHook != nil {
		if err := m.placeHook(req); err != nil {
			return nil, err
		}
	}

	if req.ClientOrderID != "" {
		if existing, ok := m.byClientID[req.ClientOrderID]; ok {
			cp := *existing
			return &cp, nil
		}
	}

	m.orderSeq++
	now := time.Now().UTC()
	order := &core.Order{
		ID:              fmt.Sprintf("mock-%d", m.orderSeq),
		ExchangeOrderID: fmt.Sprintf("%d", 1000000+m.orderSeq),
		ClientOrderID:   req.ClientOrderID,
		PositionID:      req.PositionID,
		Symbol:          req.Symbol,
		Type:            req.Type,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		TimeInForce:     req.TimeInForce,
		ReduceOnly:      req.ReduceOnly,
		Status:          core.OrderStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if req.Type == core.OrderTypeMarket {
		ticker, ok := m.tickers[req.Symbol]
		if !ok {
			return nil, fmt.Errorf("no ticker for %s: %w", req.Symbol, apperrors.ErrInvalidSymbol)
		}
		order.FilledQuantity = req.Quantity.Mul(m.fillRatio)
		order.AverageFillPrice = ticker.Last
		if order.FilledQuantity.Equal(req.Quantity) {
			order.Status = core.OrderStatusFilled
		} else {
			order.Status = core.OrderStatusPartiallyFilled
		}
	}

	m.orders = append(m.orders, order)
	if req.ClientOrderID != "" {
		m.byClientID[req.ClientOrderID] = order
	}
	cp := *order
	return &cp, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, orderID string, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	for _, o := range m.orders {
		if o.ExchangeOrderID == orderID || o.ID == orderID {
			o.Status = core.OrderStatusCanceled
			o.UpdatedAt = time.Now().UTC()
			m.canceled = append(m.canceled, orderID)
			return nil
		}
	}
	return apperrors.ErrOrderNotFound
}

// SetTicker scripts the market price for a symbol. Bid and ask collapse to
// the last price so fills are deterministic.
func (m *MockExchange) SetTicker(symbol string, last decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[symbol] = &core.Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       last,
		Ask:       last,
		Timestamp: time.Now().UTC(),
	}
}

func (m *MockExchange) SetBalance(asset string, total, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = core.Balance{Total: total, Free: free, Used: total.Sub(free)}
}

func (m *MockExchange) SetPositions(positions ...*core.ExchangePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// FailPlaceOrders makes the next n PlaceOrder calls return err. A negative n
// fails every call until reset with FailPlaceOrders(0, nil).
func (m *MockExchange) FailPlaceOrders(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeFailures = n
	m.placeErr = err
}

// SetPlaceOrderHook installs a per-request gate invoked before the default
// fill behavior; a non-nil return fails that placement. Useful for failing
// only specific order types.
func (m *MockExchange) SetPlaceOrderHook(hook func(req *core.OrderRequest) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeHook = hook
}

func (m *MockExchange) SetTickerError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerErr = err
}

func (m *MockExchange) SetBalanceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceErr = err
}

func (m *MockExchange) SetPositionsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsErr = err
}

func (m *MockExchange) SetCancelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

func (m *MockExchange) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// SetFillRatio scripts partial fills: market orders fill quantity*ratio.
func (m *MockExchange) SetFillRatio(ratio decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillRatio = ratio
}

// Orders returns copies of every order placed, in placement order.
func (m *MockExchange) Orders() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// OrdersOfType filters placed orders by type.
func (m *MockExchange) OrdersOfType(t core.OrderType) []*core.Order {
	var out []*core.Order
	for _, o := range m.Orders() {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

// Requests returns copies of every PlaceOrder request received, including
// ones that failed or were deduplicated.
func (m *MockExchange) Requests() []*core.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.OrderRequest, 0, len(m.requests))
	for _, r := range m.requests {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (m *MockExchange) CanceledOrders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.canceled...)
}
