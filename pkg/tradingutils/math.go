package tradingutils

import (
	"perp_trader/internal/core"

	"github.com/shopspring/decimal"
)

// QuantityScale is the number of fractional digits carried by quantities and prices
const QuantityScale = 8

// Round8 rounds a quantity or price to 8 fractional digits
func Round8(v decimal.Decimal) decimal.Decimal {
	return v.Round(QuantityScale)
}

// RoundBank8 applies banker's rounding at the persistence boundary
func RoundBank8(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(QuantityScale)
}

// RoundBank2 rounds CHF amounts stored at cent precision
func RoundBank2(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(2)
}

// OrderQuantity sizes an order: (capital x sizePct) / price, rounded to 8 digits
func OrderQuantity(capitalUSD, sizePct, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	notional := capitalUSD.Mul(sizePct)
	return Round8(notional.Div(price))
}

// StopPrice derives the stop-loss trigger from the entry price. Long stops sit
// below entry, short stops above.
func StopPrice(entry decimal.Decimal, stopLossPct decimal.Decimal, side core.Side) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == core.SideShort {
		return Round8(entry.Mul(one.Add(stopLossPct)))
	}
	return Round8(entry.Mul(one.Sub(stopLossPct)))
}

// TakeProfitPrice derives the take-profit trigger from the entry price
func TakeProfitPrice(entry decimal.Decimal, takeProfitPct decimal.Decimal, side core.Side) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == core.SideShort {
		return Round8(entry.Mul(one.Sub(takeProfitPct)))
	}
	return Round8(entry.Mul(one.Add(takeProfitPct)))
}

// RealizedPnLUSD computes (close - entry) x qty x leverage, inverted for shorts
func RealizedPnLUSD(entry, close, qty decimal.Decimal, leverage int, side core.Side) decimal.Decimal {
	diff := close.Sub(entry)
	if side == core.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty).Mul(decimal.NewFromInt(int64(leverage)))
}

// USDToCHF converts at the fixed configured rate: chf = usd x rate
func USDToCHF(usd, chfToUSDRate decimal.Decimal) decimal.Decimal {
	return usd.Mul(chfToUSDRate)
}

// CHFToUSD converts at the fixed configured rate: usd = chf / rate
func CHFToUSD(chf, chfToUSDRate decimal.Decimal) decimal.Decimal {
	if chfToUSDRate.IsZero() {
		return decimal.Zero
	}
	return chf.Div(chfToUSDRate)
}

// WeightedEntry merges an existing position with an additional fill:
// (q1 x p1 + q2 x p2) / (q1 + q2)
func WeightedEntry(qty1, price1, qty2, price2 decimal.Decimal) decimal.Decimal {
	total := qty1.Add(qty2)
	if total.IsZero() {
		return decimal.Zero
	}
	return qty1.Mul(price1).Add(qty2.Mul(price2)).Div(total)
}

// ApplySlippage moves the quote adversely by the given fraction: buys fill
// higher, sells fill lower.
func ApplySlippage(price decimal.Decimal, fraction decimal.Decimal, side core.OrderSide) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == core.OrderSideBuy {
		return price.Mul(one.Add(fraction))
	}
	return price.Mul(one.Sub(fraction))
}

// TakerFee computes filled x price x feeRate
func TakerFee(filledQty, execPrice, feeRate decimal.Decimal) decimal.Decimal {
	return filledQty.Mul(execPrice).Mul(feeRate)
}

// Crossed reports whether price has crossed the stop level in the adverse
// direction for the given position side.
func Crossed(price, stop decimal.Decimal, side core.Side) bool {
	if side == core.SideShort {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}
