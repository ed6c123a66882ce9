// Package binance implements the exchange adapter for Binance USDT-margined
// perpetual futures on top of the official REST client. Orders are paced by a
// local rate limiter and every venue error is folded into the shared error
// vocabulary so callers never see raw Binance codes.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"
	"perp_trader/pkg/telemetry"
)

const (
	// 2400 request weight per minute on USDT-M futures; 20/s keeps a wide margin
	// even with the supervisor layers polling tickers.
	requestsPerSecond = 20
	requestBurst      = 40

	initTimeout = 10 * time.Second

	// Market orders usually come back FILLED inline. When they do not, the
	// order is polled until it reaches a terminal state.
	fillPollInterval = 200 * time.Millisecond
	fillPollAttempts = 5

	defaultPricePrecision    = 2
	defaultQuantityPrecision = 3
)

// symbolInfo carries the venue-side name and the tick precisions for one
// configured contract.
type symbolInfo struct {
	venue         string
	pricePrec     int32
	quantityPrec  int32
	precisionsSet bool
}

// Exchange is the live adapter. It trades only the contracts named in the
// configuration; every symbol crossing the boundary is translated between the
// BASE/QUOTE:SETTLE form and the venue's concatenated form.
type Exchange struct {
	client  *futures.Client
	limiter *rate.Limiter
	logger  core.ILogger

	mu      sync.RWMutex
	symbols map[string]*symbolInfo // core form -> info
	venues  map[string]string      // venue form -> core form

	orders metric.Int64Counter
}

var _ core.IExchange = (*Exchange)(nil)

// NewExchange builds the adapter, syncs the client clock against the venue
// and loads contract precisions. Precision loading is best effort: on failure
// the adapter falls back to conservative defaults and keeps trading.
func NewExchange(cfg *config.Config, logger core.ILogger) (*Exchange, error) {
	futures.UseTestnet = cfg.Exchange.Testnet
	client := futures.NewClient(cfg.Exchange.APIKey.Reveal(), cfg.Exchange.APISecret.Reveal())

	meter := telemetry.GetMeter("binance-exchange")
	orders, _ := meter.Int64Counter("binance_requests_total",
		metric.WithDescription("Binance REST calls, by operation and outcome"))

	e := &Exchange{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		logger:  logger.WithField("component", "binance_exchange"),
		symbols: make(map[string]*symbolInfo),
		venues:  make(map[string]string),
		orders:  orders,
	}

	for _, symbol := range cfg.App.Symbols {
		venue, err := core.ExchangeSymbol(symbol)
		if err != nil {
			return nil, fmt.Errorf("configured symbol %q: %w", symbol, apperrors.ErrInvalidSymbol)
		}
		e.symbols[symbol] = &symbolInfo{
			venue:        venue,
			pricePrec:    defaultPricePrecision,
			quantityPrec: defaultQuantityPrecision,
		}
		e.venues[venue] = symbol
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if _, err := client.NewSetServerTimeService().Do(ctx); err != nil {
		e.logger.WithField("error", err.Error()).Warn("Server time sync failed, relying on local clock")
	}
	if err := e.loadPrecisions(ctx); err != nil {
		e.logger.WithField("error", err.Error()).Warn("Exchange info unavailable, using default precisions")
	}

	e.logger.WithFields(map[string]interface{}{
		"symbols": len(e.symbols),
		"testnet": cfg.Exchange.Testnet,
	}).Info("Binance futures adapter initialized")

	return e, nil
}

// GetName implements core.IExchange
func (e *Exchange) GetName() string {
	return "binance"
}

// CheckHealth verifies connectivity and credentials with a signed account
// call. A key with missing futures permissions fails here, before any order
// is risked.
func (e *Exchange) CheckHealth(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := e.client.NewGetAccountService().Do(ctx); err != nil {
		return e.mapError("account", err)
	}
	return nil
}

func (e *Exchange) loadPrecisions(ctx context.Context) error {
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return e.mapError("exchange_info", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range info.Symbols {
		coreSym, ok := e.venues[s.Symbol]
		if !ok {
			continue
		}
		si := e.symbols[coreSym]
		si.pricePrec = int32(s.PricePrecision)
		si.quantityPrec = int32(s.QuantityPrecision)
		si.precisionsSet = true
		e.logger.WithFields(map[string]interface{}{
			"symbol":             coreSym,
			"price_precision":    s.PricePrecision,
			"quantity_precision": s.QuantityPrecision,
		}).Debug("Loaded contract precisions")
	}

	for coreSym, si := range e.symbols {
		if !si.precisionsSet {
			return fmt.Errorf("contract %s not listed on venue: %w", coreSym, apperrors.ErrInvalidSymbol)
		}
	}
	return nil
}

// FetchTicker implements core.IExchange. The price endpoint serves the last
// trade only, so bid and ask are reported at the same level.
func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	info, err := e.info(symbol)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prices, err := e.client.NewListPricesService().Symbol(info.venue).Do(ctx)
	if err != nil {
		return nil, e.mapError("ticker", err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("no price for %s: %w", symbol, apperrors.ErrNotFound)
	}

	last, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return nil, fmt.Errorf("malformed price %q for %s: %w", prices[0].Price, symbol, err)
	}

	return &core.Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       last,
		Ask:       last,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FetchBalance implements core.IExchange. Only the futures wallet assets are
// reported; the sizing path reads the settle asset entry.
func (e *Exchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, e.mapError("balance", err)
	}

	balances := make(map[string]core.Balance, len(account.Assets))
	for _, asset := range account.Assets {
		total := dec(asset.WalletBalance)
		free := dec(asset.AvailableBalance)
		if total.IsZero() && free.IsZero() {
			continue
		}
		balances[asset.Asset] = core.Balance{
			Total: total,
			Free:  free,
			Used:  total.Sub(free),
		}
	}
	return balances, nil
}

// FetchPositions implements core.IExchange. The position-risk endpoint is
// queried per configured contract so leverage and mark price come back
// authoritative; flat rows are dropped.
func (e *Exchange) FetchPositions(ctx context.Context) ([]*core.ExchangePosition, error) {
	e.mu.RLock()
	infos := make(map[string]*symbolInfo, len(e.symbols))
	for coreSym, si := range e.symbols {
		infos[coreSym] = si
	}
	e.mu.RUnlock()

	var positions []*core.ExchangePosition
	for coreSym, si := range infos {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		risks, err := e.client.NewGetPositionRiskService().Symbol(si.venue).Do(ctx)
		if err != nil {
			return nil, e.mapError("positions", err)
		}
		for _, r := range risks {
			amt := dec(r.PositionAmt)
			if amt.IsZero() {
				continue
			}
			side := core.SideLong
			if amt.IsNegative() {
				side = core.SideShort
			}
			leverage, _ := strconv.Atoi(r.Leverage)
			positions = append(positions, &core.ExchangePosition{
				Symbol:        coreSym,
				Contracts:     amt.Abs(),
				Side:          side,
				EntryPrice:    dec(r.EntryPrice),
				MarkPrice:     dec(r.MarkPrice),
				UnrealizedPnL: dec(r.UnRealizedProfit),
				Leverage:      leverage,
			})
		}
	}
	return positions, nil
}

// PlaceOrder implements core.IExchange. Market and stop-market orders are
// supported; anything else is rejected before touching the wire. Market
// orders that come back non-terminal are polled to a final state so the
// executor always learns the real fill price.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	info, err := e.info(req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.Quantity.IsZero() || req.Quantity.IsNegative() {
		return nil, fmt.Errorf("quantity must be positive: %w", apperrors.ErrInvalidOrder)
	}

	qty := req.Quantity.Truncate(info.quantityPrec)
	if qty.IsZero() {
		return nil, fmt.Errorf("quantity %s below contract step for %s: %w",
			req.Quantity.String(), req.Symbol, apperrors.ErrInvalidOrder)
	}

	svc := e.client.NewCreateOrderService().
		Symbol(info.venue).
		Side(futures.SideType(req.Side)).
		Quantity(qty.String())

	switch req.Type {
	case core.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case core.OrderTypeStopMarket:
		if req.StopPrice.IsZero() {
			return nil, fmt.Errorf("stop order without trigger price: %w", apperrors.ErrInvalidOrder)
		}
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(req.StopPrice.StringFixed(info.pricePrec))
	case core.OrderTypeLimit:
		if req.Price.IsZero() {
			return nil, fmt.Errorf("limit order without price: %w", apperrors.ErrInvalidOrder)
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(req.Price.StringFixed(info.pricePrec))
	default:
		return nil, fmt.Errorf("unsupported order type %q: %w", req.Type, apperrors.ErrInvalidOrder)
	}

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := svc.Do(ctx)
	if err != nil {
		e.orders.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", "place_order"),
			attribute.Bool("success", false)))
		return nil, e.mapError("place_order", err)
	}
	e.orders.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", "place_order"),
		attribute.Bool("success", true)))

	order := &core.Order{
		ID:               strconv.FormatInt(resp.OrderID, 10),
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:    resp.ClientOrderID,
		Symbol:           req.Symbol,
		Type:             req.Type,
		Side:             req.Side,
		Quantity:         qty,
		Price:            req.Price,
		StopPrice:        req.StopPrice,
		ReduceOnly:       req.ReduceOnly,
		PositionID:       req.PositionID,
		Status:           mapOrderStatus(string(resp.Status)),
		AverageFillPrice: dec(resp.AvgPrice),
		CreatedAt:        start.UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if order.Status == core.OrderStatusFilled || order.Status == core.OrderStatusPartiallyFilled {
		order.FilledQuantity = dec(resp.ExecutedQuantity)
		if order.FilledQuantity.IsZero() {
			order.FilledQuantity = qty
		}
	}

	if req.Type == core.OrderTypeMarket && order.Status != core.OrderStatusFilled {
		if err := e.confirmFill(ctx, info.venue, resp.OrderID, order); err != nil {
			e.logger.WithFields(map[string]interface{}{
				"order_id": order.ExchangeOrderID,
				"symbol":   req.Symbol,
				"error":    err.Error(),
			}).Warn("Market order fill not confirmed")
		}
	}

	order.LatencyMS = time.Since(start).Milliseconds()
	e.logger.WithFields(map[string]interface{}{
		"symbol":     req.Symbol,
		"side":       string(req.Side),
		"type":       string(req.Type),
		"quantity":   qty.String(),
		"status":     string(order.Status),
		"latency_ms": order.LatencyMS,
	}).Info("Order placed")

	return order, nil
}

// confirmFill polls a market order until it reaches a terminal state and
// copies the authoritative fill numbers into the local order.
func (e *Exchange) confirmFill(ctx context.Context, venueSymbol string, orderID int64, order *core.Order) error {
	for attempt := 0; attempt < fillPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fillPollInterval):
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		got, err := e.client.NewGetOrderService().
			Symbol(venueSymbol).
			OrderID(orderID).
			Do(ctx)
		if err != nil {
			return e.mapError("get_order", err)
		}

		order.Status = mapOrderStatus(string(got.Status))
		order.FilledQuantity = dec(got.ExecutedQuantity)
		order.AverageFillPrice = dec(got.AvgPrice)
		order.UpdatedAt = time.Now().UTC()

		switch order.Status {
		case core.OrderStatusFilled, core.OrderStatusCanceled, core.OrderStatusFailed, core.OrderStatusExpired:
			return nil
		}
	}
	return fmt.Errorf("order %d still %s after %d polls", orderID, order.Status, fillPollAttempts)
}

// CancelOrder implements core.IExchange. Cancelling an order the venue no
// longer knows is reported as ErrOrderNotFound so idempotent teardown paths
// can swallow it.
func (e *Exchange) CancelOrder(ctx context.Context, orderID string, symbol string) error {
	info, err := e.info(symbol)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("order id %q is not a venue id: %w", orderID, apperrors.ErrInvalidOrder)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := e.client.NewCancelOrderService().Symbol(info.venue).OrderID(id).Do(ctx); err != nil {
		return e.mapError("cancel_order", err)
	}

	e.logger.WithFields(map[string]interface{}{
		"order_id": orderID,
		"symbol":   symbol,
	}).Info("Order canceled")
	return nil
}

// SetLeverage sets the contract leverage before an open. Binance keeps the
// setting per symbol, so repeated calls with the same value are harmless.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	info, err := e.info(symbol)
	if err != nil {
		return err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := e.client.NewChangeLeverageService().Symbol(info.venue).Leverage(leverage).Do(ctx); err != nil {
		return e.mapError("set_leverage", err)
	}
	return nil
}

func (e *Exchange) info(symbol string) (*symbolInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	si, ok := e.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s is not configured for trading: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	return si, nil
}

// mapError folds venue errors into the shared vocabulary. The client renders
// API errors as "<APIError> code=<n>, msg=...", so the numeric code is matched
// on the rendered text.
func (e *Exchange) mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	var mapped error
	switch {
	case containsCode(msg, -2015), containsCode(msg, -2014):
		mapped = apperrors.ErrAuthenticationFailed
	case containsCode(msg, -2010), containsCode(msg, -2019):
		mapped = apperrors.ErrInsufficientFunds
	case containsCode(msg, -1003), containsCode(msg, -1015):
		mapped = apperrors.ErrRateLimitExceeded
	case containsCode(msg, -1121):
		mapped = apperrors.ErrInvalidSymbol
	case containsCode(msg, -2012):
		mapped = apperrors.ErrDuplicateOrder
	case containsCode(msg, -2011), containsCode(msg, -2013), strings.Contains(msg, "Unknown order"):
		mapped = apperrors.ErrOrderNotFound
	case containsCode(msg, -2022):
		mapped = apperrors.ErrInvalidOrder
	case containsCode(msg, -1021):
		mapped = apperrors.ErrTimestampOutOfBounds
	default:
		mapped = apperrors.ErrNetwork
	}
	return fmt.Errorf("binance %s: %s: %w", operation, msg, mapped)
}

func containsCode(msg string, code int) bool {
	return strings.Contains(msg, strconv.Itoa(code))
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED":
		return core.OrderStatusCanceled
	case "REJECTED":
		return core.OrderStatusFailed
	case "EXPIRED":
		return core.OrderStatusExpired
	default:
		return core.OrderStatusPending
	}
}

// dec parses a venue decimal string, treating malformed values as zero. The
// venue emits well-formed numbers; the fallback only guards empty strings on
// optional fields.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
