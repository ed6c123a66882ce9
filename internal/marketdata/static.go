package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// StaticProvider serves hand-set market data. Paper runs and tests point the
// signal pipeline and the paper exchange at the same instance so both see
// one consistent price.
type StaticProvider struct {
	mu        sync.RWMutex
	snapshots map[string]*core.Snapshot
	candles   map[string][]core.Candle
	errs      map[string]error
	now       func() time.Time
}

var _ core.IMarketData = (*StaticProvider)(nil)

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		snapshots: make(map[string]*core.Snapshot),
		candles:   make(map[string][]core.Candle),
		errs:      make(map[string]error),
		now:       time.Now,
	}
}

// SetPrice publishes a flat ticker (last = bid = ask) for the symbol.
func (p *StaticProvider) SetPrice(symbol string, last decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at := p.now().UTC()
	p.snapshots[symbol] = &core.Snapshot{
		Symbol: symbol,
		Ticker: core.Ticker{
			Symbol:    symbol,
			Last:      last,
			Bid:       last,
			Ask:       last,
			Timestamp: at,
		},
		UpdatedAt: at,
	}
	delete(p.errs, symbol)
}

// SetSnapshot publishes a full snapshot for the symbol.
func (p *StaticProvider) SetSnapshot(symbol string, snap *core.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[symbol] = snap
	delete(p.errs, symbol)
}

// SetCandles scripts the OHLCV history for the symbol.
func (p *StaticProvider) SetCandles(symbol string, candles []core.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol] = candles
}

// SetError makes lookups for the symbol fail until a new price is set.
func (p *StaticProvider) SetError(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[symbol] = err
}

func (p *StaticProvider) LatestSnapshot(ctx context.Context, symbol string) (*core.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err, ok := p.errs[symbol]; ok {
		return nil, err
	}
	snap, ok := p.snapshots[symbol]
	if !ok {
		return nil, fmt.Errorf("no market data for %s: %w", symbol, apperrors.ErrNotFound)
	}
	cp := *snap
	if candles, ok := p.candles[symbol]; ok {
		cp.Candles = append([]core.Candle(nil), candles...)
	}
	return &cp, nil
}

func (p *StaticProvider) OHLCVHistory(ctx context.Context, symbol string, limit int) ([]core.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err, ok := p.errs[symbol]; ok {
		return nil, err
	}
	candles := p.candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]core.Candle(nil), candles...), nil
}

// LastPrice returns the current last trade price for the symbol. The paper
// exchange fills against this.
func (p *StaticProvider) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	snap, err := p.LatestSnapshot(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.Ticker.Last, nil
}
