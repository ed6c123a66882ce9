// Package paper implements the exchange adapter against a virtual portfolio.
// Fills are synthesized from the live ticker with configurable latency,
// slippage and partial-fill behavior; no real venue is ever called.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"
	"perp_trader/pkg/telemetry"
	"perp_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	minLatency = 50 * time.Millisecond
	maxLatency = 150 * time.Millisecond

	maxSlippage    = 0.002
	minFillRatio   = 0.95
	quoteAssetName = "USDT"
)

// PriceSource yields the current market price the simulator fills against.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Backend simulates a perpetual futures venue over a Portfolio and a ticker
// source. Market orders fill synchronously; stop orders rest Open and are
// never matched, the layered stop-loss monitors cover them in paper mode.
type Backend struct {
	prices    PriceSource
	portfolio *Portfolio
	logger    core.ILogger

	takerFee decimal.Decimal
	slippage bool
	partials bool

	rngMu sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	orderSeq   int64
	resting    map[string]*core.Order
	byClientID map[string]*core.Order

	fills metric.Int64Counter
}

var _ core.IExchange = (*Backend)(nil)

// NewBackend builds the simulator. The configured CHF opening balance is
// converted to the quote asset at the fixed rate, matching how every other
// component converts between the two.
func NewBackend(prices PriceSource, cfg *config.Config, logger core.ILogger) *Backend {
	initialUSD := tradingutils.CHFToUSD(cfg.Paper.InitialBalance(), cfg.Trading.FXRate())

	meter := telemetry.GetMeter("paper-exchange")
	fills, _ := meter.Int64Counter("paper_fills_total",
		metric.WithDescription("Simulated fills, by symbol and side"))

	return &Backend{
		prices:     prices,
		portfolio:  NewPortfolio(initialUSD),
		logger:     logger.WithField("component", "paper_exchange"),
		takerFee:   cfg.Paper.TakerFee(),
		slippage:   cfg.Paper.SlippageEnabled,
		partials:   cfg.Paper.PartialFillEnabled,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepCtx,
		resting:    make(map[string]*core.Order),
		byClientID: make(map[string]*core.Order),
		fills:      fills,
	}
}

// SetRand replaces the randomness source. Tests seed it for determinism.
func (b *Backend) SetRand(r *rand.Rand) {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	b.rng = r
}

// DisableLatency removes the simulated order latency. Tests use it to keep
// cycle times deterministic.
func (b *Backend) DisableLatency() {
	b.sleep = func(context.Context, time.Duration) error { return nil }
}

// Portfolio exposes the virtual account for assertions and reporting.
func (b *Backend) Portfolio() *Portfolio { return b.portfolio }

func (b *Backend) GetName() string { return "paper" }

func (b *Backend) CheckHealth(ctx context.Context) error {
	return ctx.Err()
}

func (b *Backend) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if !strings.Contains(symbol, ":") {
		return nil, fmt.Errorf("%s is not a perpetual contract symbol: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	last, err := b.prices.LastPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("paper ticker for %s: %w", symbol, err)
	}
	return &core.Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       last,
		Ask:       last,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (b *Backend) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	balance := b.portfolio.Balance()
	return map[string]core.Balance{
		quoteAssetName: {Total: balance, Free: balance, Used: decimal.Zero},
	}, nil
}

func (b *Backend) FetchPositions(ctx context.Context) ([]*core.ExchangePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions := b.portfolio.Positions()
	for _, pos := range positions {
		if mark, err := b.prices.LastPrice(ctx, pos.Symbol); err == nil {
			pos.MarkPrice = mark
		} else {
			pos.MarkPrice = pos.EntryPrice
		}
	}
	return positions, nil
}

// PlaceOrder fills market orders against the ticker and records stop orders
// as resting. Client order IDs deduplicate retries the way a real venue
// rejects duplicates: the original order is returned unchanged.
func (b *Backend) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	if !strings.Contains(req.Symbol, ":") {
		return nil, fmt.Errorf("%s is not a perpetual contract symbol: %w", req.Symbol, apperrors.ErrInvalidSymbol)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive: %w", apperrors.ErrInvalidOrder)
	}

	if req.ClientOrderID != "" {
		b.mu.Lock()
		if existing, ok := b.byClientID[req.ClientOrderID]; ok {
			cp := *existing
			b.mu.Unlock()
			return &cp, nil
		}
		b.mu.Unlock()
	}

	switch req.Type {
	case core.OrderTypeMarket:
		return b.fillMarket(ctx, req)
	case core.OrderTypeStopMarket, core.OrderTypeStopLimit, core.OrderTypeLimit:
		return b.restOrder(req)
	default:
		return nil, fmt.Errorf("unsupported order type %q: %w", req.Type, apperrors.ErrInvalidOrder)
	}
}

func (b *Backend) CancelOrder(ctx context.Context, orderID string, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.resting[orderID]
	if !ok {
		return fmt.Errorf("order %s on %s: %w", orderID, symbol, apperrors.ErrOrderNotFound)
	}
	order.Status = core.OrderStatusCanceled
	order.UpdatedAt = time.Now().UTC()
	delete(b.resting, orderID)

	b.logger.Debug("Resting order canceled", "order_id", orderID, "symbol", symbol)
	return nil
}

// RestingOrders lists orders recorded Open (stops and limits), oldest first.
func (b *Backend) RestingOrders(symbol string) []*core.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*core.Order, 0, len(b.resting))
	for _, o := range b.resting {
		if symbol == "" || o.Symbol == symbol {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

func (b *Backend) fillMarket(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	started := time.Now()

	if err := b.sleep(ctx, b.latency()); err != nil {
		return nil, fmt.Errorf("paper order interrupted: %w", err)
	}

	last, err := b.prices.LastPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("paper fill price for %s: %w", req.Symbol, err)
	}

	execPrice := last
	if b.slippage {
		execPrice = tradingutils.ApplySlippage(last, b.uniform(0, maxSlippage), req.Side)
	}
	execPrice = tradingutils.Round8(execPrice)

	filled := req.Quantity
	if b.partials {
		filled = tradingutils.Round8(filled.Mul(b.uniform(minFillRatio, 1)))
	}

	fees := tradingutils.TakerFee(filled, execPrice, b.takerFee)

	if req.Side == core.OrderSideBuy && !req.ReduceOnly {
		cost := filled.Mul(execPrice).Add(fees)
		if cost.GreaterThan(b.portfolio.Balance()) {
			return nil, fmt.Errorf("cost %s exceeds balance %s: %w",
				cost.StringFixed(2), b.portfolio.Balance().StringFixed(2), apperrors.ErrInsufficientFunds)
		}
	}

	realized, err := b.portfolio.Apply(req.Symbol, req.Side, filled, execPrice, fees, req.ReduceOnly)
	if err != nil {
		return nil, err
	}

	order := b.newOrder(req)
	order.FilledQuantity = filled
	order.AverageFillPrice = execPrice
	order.FeesPaid = fees
	order.Status = core.OrderStatusFilled
	order.LatencyMS = time.Since(started).Milliseconds()

	b.mu.Lock()
	if req.ClientOrderID != "" {
		b.byClientID[req.ClientOrderID] = order
	}
	b.mu.Unlock()

	b.fills.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side))))

	b.logger.Debug("Simulated fill",
		"symbol", req.Symbol,
		"side", string(req.Side),
		"filled", filled.String(),
		"price", execPrice.String(),
		"fees", fees.String(),
		"realized", realized.String())

	cp := *order
	return &cp, nil
}

func (b *Backend) restOrder(req *core.OrderRequest) (*core.Order, error) {
	order := b.newOrder(req)
	order.Status = core.OrderStatusOpen

	b.mu.Lock()
	b.resting[order.ID] = order
	if req.ClientOrderID != "" {
		b.byClientID[req.ClientOrderID] = order
	}
	b.mu.Unlock()

	b.logger.Debug("Order resting",
		"order_id", order.ID,
		"symbol", req.Symbol,
		"type", string(req.Type),
		"stop_price", req.StopPrice.String())

	cp := *order
	return &cp, nil
}

func (b *Backend) newOrder(req *core.OrderRequest) *core.Order {
	b.mu.Lock()
	b.orderSeq++
	seq := b.orderSeq
	b.mu.Unlock()

	now := time.Now().UTC()
	return &core.Order{
		ID:              fmt.Sprintf("paper-%d", seq),
		ExchangeOrderID: fmt.Sprintf("%d", 9000000+seq),
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
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// latency draws the simulated exchange round-trip.
func (b *Backend) latency() time.Duration {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	spread := float64(maxLatency - minLatency)
	return minLatency + time.Duration(b.rng.Float64()*spread)
}

// uniform draws from [lo, hi) and converts to decimal once, at the edge.
func (b *Backend) uniform(lo, hi float64) decimal.Decimal {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return decimal.NewFromFloat(lo + b.rng.Float64()*(hi-lo))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
