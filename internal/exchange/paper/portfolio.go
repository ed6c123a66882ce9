package paper

import (
	"fmt"
	"sync"

	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"
	"perp_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// holding is one symbol's net exposure. Quantity is signed: positive long,
// negative short.
type holding struct {
	quantity decimal.Decimal
	avgEntry decimal.Decimal
}

// Portfolio is the virtual account behind the paper backend. The balance is
// margin-style: opens reserve nothing, fees are debited on every fill and
// realized P&L settles on closes, so the reported balance stays a usable
// sizing basis for the rest of the system.
type Portfolio struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	holdings map[string]*holding
}

func NewPortfolio(initialUSD decimal.Decimal) *Portfolio {
	return &Portfolio{
		balance:  initialUSD,
		holdings: make(map[string]*holding),
	}
}

// Balance returns the current cash balance in the quote asset.
func (p *Portfolio) Balance() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Holding returns the signed net quantity and average entry for a symbol.
func (p *Portfolio) Holding(symbol string) (qty, avgEntry decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.holdings[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	return h.quantity, h.avgEntry
}

// Positions lists the open holdings as exchange positions. Mark prices are
// filled in by the backend, which knows the ticker source.
func (p *Portfolio) Positions() []*core.ExchangePosition {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*core.ExchangePosition, 0, len(p.holdings))
	for symbol, h := range p.holdings {
		side := core.SideLong
		contracts := h.quantity
		if h.quantity.IsNegative() {
			side = core.SideShort
			contracts = h.quantity.Neg()
		}
		out = append(out, &core.ExchangePosition{
			Symbol:     symbol,
			Contracts:  contracts,
			Side:       side,
			EntryPrice: h.avgEntry,
			Leverage:   1,
		})
	}
	return out
}

// Apply nets a fill into the portfolio and settles realized P&L minus fees
// into the balance. Extending a side re-weights the average entry; crossing
// zero realizes the closed part and re-opens the remainder at the fill price.
func (p *Portfolio) Apply(symbol string, side core.OrderSide, filled, price, fees decimal.Decimal, reduceOnly bool) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delta := filled
	if side == core.OrderSideSell {
		delta = filled.Neg()
	}

	h := p.holdings[symbol]
	current := decimal.Zero
	entry := decimal.Zero
	if h != nil {
		current = h.quantity
		entry = h.avgEntry
	}

	if reduceOnly {
		if current.IsZero() || current.Sign() == delta.Sign() {
			return decimal.Zero, fmt.Errorf("reduce-only order does not reduce a position on %s: %w",
				symbol, apperrors.ErrInvalidOrder)
		}
		// Reduce-only never flips: cap at the held quantity.
		if delta.Abs().GreaterThan(current.Abs()) {
			if delta.IsNegative() {
				delta = current.Neg()
			} else {
				delta = current.Abs()
			}
		}
	}

	realized := decimal.Zero
	next := current.Add(delta)

	switch {
	case current.IsZero() || current.Sign() == delta.Sign():
		// Opening or extending: weighted-average entry.
		entry = tradingutils.WeightedEntry(current.Abs(), entry, delta.Abs(), price)
	default:
		closed := decimal.Min(current.Abs(), delta.Abs())
		direction := decimal.NewFromInt(int64(current.Sign()))
		realized = price.Sub(entry).Mul(closed).Mul(direction)
		if current.Sign() != next.Sign() && !next.IsZero() {
			// Flipped through zero: the remainder opens at the fill price.
			entry = price
		}
	}

	if next.IsZero() {
		delete(p.holdings, symbol)
	} else {
		p.holdings[symbol] = &holding{quantity: next, avgEntry: entry}
	}

	p.balance = p.balance.Add(realized).Sub(fees)
	return realized, nil
}
