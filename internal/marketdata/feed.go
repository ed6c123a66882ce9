// Package marketdata provides the market data layer: a live combined-stream
// ticker feed over the reconnecting websocket client, kline history over the
// public REST API, and a scripted provider for paper runs and tests.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"
	"perp_trader/pkg/telemetry"
	"perp_trader/pkg/websocket"
)

const (
	combinedStreamURL = "wss://fstream.binance.com/stream"

	klineInterval   = "1m"
	snapshotCandles = 30

	// A miniTicker event arrives about once per second per contract; a cache
	// entry older than this means the stream is broken, not quiet.
	staleAfter = 2 * time.Minute
)

// tickerEntry pairs a cached ticker with the local receive time. Staleness is
// judged against the local clock, not the venue event time.
type tickerEntry struct {
	ticker core.Ticker
	at     time.Time
}

// Feed streams miniTicker events for every configured contract over one
// combined websocket connection and serves snapshots from the resulting
// cache. Kline history comes from the public REST API and needs no
// credentials, so the same feed backs paper and live runs.
type Feed struct {
	ws     *websocket.Client
	client *futures.Client
	logger core.ILogger

	mu      sync.RWMutex
	tickers map[string]tickerEntry
	venues  map[string]string // venue form -> core form
	symbols []string

	now     func() time.Time
	history func(ctx context.Context, venue, symbol string, limit int) ([]core.Candle, error)

	updates metric.Int64Counter
}

var _ core.IMarketData = (*Feed)(nil)

// NewFeed builds the feed for the configured symbols. Start must be called
// before snapshots are served.
func NewFeed(cfg *config.Config, logger core.ILogger) (*Feed, error) {
	meter := telemetry.GetMeter("marketdata")
	updates, _ := meter.Int64Counter("marketdata_ticker_updates_total",
		metric.WithDescription("Ticker updates applied to the cache, by symbol"))

	f := &Feed{
		client:  futures.NewClient("", ""),
		logger:  logger.WithField("component", "marketdata_feed"),
		tickers: make(map[string]tickerEntry),
		venues:  make(map[string]string),
		now:     time.Now,
		updates: updates,
	}
	f.history = f.fetchKlines

	streams := make([]string, 0, len(cfg.App.Symbols))
	for _, symbol := range cfg.App.Symbols {
		venue, err := core.ExchangeSymbol(symbol)
		if err != nil {
			return nil, fmt.Errorf("configured symbol %q: %w", symbol, apperrors.ErrInvalidSymbol)
		}
		f.venues[venue] = symbol
		f.symbols = append(f.symbols, symbol)
		streams = append(streams, strings.ToLower(venue)+"@miniTicker")
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("no symbols configured: %w", apperrors.ErrValidation)
	}

	url := combinedStreamURL + "?streams=" + strings.Join(streams, "/")
	f.ws = websocket.NewClient(url, f.handleMessage, f.logger)

	return f, nil
}

// Start opens the stream. The websocket client reconnects on its own; the
// feed only goes unhealthy when the cache turns stale.
func (f *Feed) Start() {
	f.ws.Start()
	f.logger.WithField("symbols", len(f.symbols)).Info("Market data feed started")
}

// Stop closes the stream.
func (f *Feed) Stop() {
	f.ws.Stop()
	f.logger.Info("Market data feed stopped")
}

// handleMessage applies one combined-stream miniTicker event to the cache.
// Events for contracts that are not configured are dropped.
func (f *Feed) handleMessage(message []byte) {
	var msg struct {
		Stream string `json:"stream"`
		Data   struct {
			EventType string `json:"e"`
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			Close     string `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		f.logger.WithField("error", err.Error()).Warn("Dropping malformed stream message")
		return
	}

	symbol, ok := f.venues[msg.Data.Symbol]
	if !ok {
		return
	}
	last, err := decimal.NewFromString(msg.Data.Close)
	if err != nil {
		f.logger.WithFields(map[string]interface{}{
			"symbol": symbol,
			"price":  msg.Data.Close,
		}).Warn("Dropping ticker with malformed price")
		return
	}

	entry := tickerEntry{
		ticker: core.Ticker{
			Symbol:    symbol,
			Last:      last,
			Bid:       last,
			Ask:       last,
			Timestamp: time.UnixMilli(msg.Data.EventTime).UTC(),
		},
		at: f.now(),
	}

	f.mu.Lock()
	f.tickers[symbol] = entry
	f.mu.Unlock()

	f.updates.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("symbol", symbol)))
}

// LatestSnapshot implements core.IMarketData. The ticker must be fresh;
// missing kline history degrades the snapshot instead of failing it, so a
// REST blip does not stall trading while the stream is healthy.
func (f *Feed) LatestSnapshot(ctx context.Context, symbol string) (*core.Snapshot, error) {
	entry, err := f.fresh(symbol)
	if err != nil {
		return nil, err
	}

	candles, err := f.OHLCVHistory(ctx, symbol, snapshotCandles)
	if err != nil {
		f.logger.WithFields(map[string]interface{}{
			"symbol": symbol,
			"error":  err.Error(),
		}).Warn("Snapshot served without kline history")
		candles = nil
	}

	return &core.Snapshot{
		Symbol:    symbol,
		Ticker:    entry.ticker,
		Candles:   candles,
		UpdatedAt: entry.at.UTC(),
	}, nil
}

// OHLCVHistory implements core.IMarketData over the public kline endpoint.
// The final bar the venue returns is the one still forming and is marked
// accordingly.
func (f *Feed) OHLCVHistory(ctx context.Context, symbol string, limit int) ([]core.Candle, error) {
	venue, err := core.ExchangeSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol %q: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	if _, ok := f.venues[venue]; !ok {
		return nil, fmt.Errorf("symbol %s is not configured: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	return f.history(ctx, venue, symbol, limit)
}

func (f *Feed) fetchKlines(ctx context.Context, venue, symbol string, limit int) ([]core.Candle, error) {
	klines, err := f.client.NewKlinesService().
		Symbol(venue).
		Interval(klineInterval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("kline fetch for %s: %w", symbol, apperrors.ErrNetwork)
	}

	candles := make([]core.Candle, 0, len(klines))
	for i, k := range klines {
		candles = append(candles, candleFromKline(symbol, k, i < len(klines)-1))
	}
	return candles, nil
}

// LastPrice serves the paper exchange as its fill price source.
func (f *Feed) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	entry, err := f.fresh(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return entry.ticker.Last, nil
}

// CheckHealth reports an error when any configured contract has no fresh
// ticker. The health monitor polls it.
func (f *Feed) CheckHealth() error {
	var stale []string
	for _, symbol := range f.symbols {
		if _, err := f.fresh(symbol); err != nil {
			stale = append(stale, symbol)
		}
	}
	if len(stale) > 0 {
		return fmt.Errorf("no fresh ticker for %s", strings.Join(stale, ", "))
	}
	return nil
}

func (f *Feed) fresh(symbol string) (tickerEntry, error) {
	f.mu.RLock()
	entry, ok := f.tickers[symbol]
	f.mu.RUnlock()

	if !ok {
		return tickerEntry{}, fmt.Errorf("no ticker received yet for %s: %w", symbol, apperrors.ErrNotFound)
	}
	if age := f.now().Sub(entry.at); age > staleAfter {
		return tickerEntry{}, fmt.Errorf("ticker for %s is %s old: %w", symbol, age.Round(time.Second), apperrors.ErrNotFound)
	}
	return entry, nil
}

func candleFromKline(symbol string, k *futures.Kline, closed bool) core.Candle {
	return core.Candle{
		Symbol:   symbol,
		Open:     dec(k.Open),
		High:     dec(k.High),
		Low:      dec(k.Low),
		Close:    dec(k.Close),
		Volume:   dec(k.Volume),
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Closed:   closed,
	}
}

// dec parses a venue decimal string, treating malformed values as zero.
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
