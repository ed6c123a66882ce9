package tradingutils

import (
	"testing"

	"perp_trader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCurrencyConversion(t *testing.T) {
	rate := d("1.10")

	// 1 USD is worth 1.10 CHF, so CHF -> USD divides and USD -> CHF multiplies.
	assert.True(t, CHFToUSD(d("11000"), rate).Equal(d("10000")))
	assert.True(t, USDToCHF(d("50"), rate).Equal(d("55")))

	// Degenerate rate must not panic.
	assert.True(t, CHFToUSD(d("100"), decimal.Zero).IsZero())
}

func TestOrderQuantity(t *testing.T) {
	// (10000 / 1.10 x 0.01) / 50000, rounded to 8 decimal places
	capitalUSD := CHFToUSD(d("10000"), d("1.10"))
	qty := OrderQuantity(capitalUSD, d("0.01"), d("50000"))
	assert.True(t, qty.Equal(d("0.00181818")), "got %s", qty)
}

func TestStopAndTakeProfitPrices(t *testing.T) {
	entry := d("50000")
	pct := d("0.02")

	assert.True(t, StopPrice(entry, pct, core.SideLong).Equal(d("49000")))
	assert.True(t, StopPrice(entry, pct, core.SideShort).Equal(d("51000")))
	assert.True(t, TakeProfitPrice(entry, pct, core.SideLong).Equal(d("51000")))
	assert.True(t, TakeProfitPrice(entry, pct, core.SideShort).Equal(d("49000")))
}

func TestRealizedPnLUSD(t *testing.T) {
	entry := d("50000")
	qty := d("0.01")

	tests := []struct {
		name  string
		close decimal.Decimal
		side  core.Side
		want  string
	}{
		{"long profit", d("51000"), core.SideLong, "50"},
		{"long loss", d("49000"), core.SideLong, "-50"},
		{"short profit", d("49000"), core.SideShort, "50"},
		{"short loss", d("51000"), core.SideShort, "-50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RealizedPnLUSD(entry, tt.close, qty, 10, tt.side)
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}
}

func TestApplySlippage(t *testing.T) {
	price := d("100")
	frac := d("0.002")

	// Slippage is always adverse: buys fill higher, sells fill lower.
	assert.True(t, ApplySlippage(price, frac, core.OrderSideBuy).Equal(d("100.2")))
	assert.True(t, ApplySlippage(price, frac, core.OrderSideSell).Equal(d("99.8")))
}

func TestCrossed(t *testing.T) {
	stop := d("49000")

	assert.True(t, Crossed(d("49000"), stop, core.SideLong))
	assert.True(t, Crossed(d("48500"), stop, core.SideLong))
	assert.False(t, Crossed(d("49001"), stop, core.SideLong))

	stop = d("51000")
	assert.True(t, Crossed(d("51000"), stop, core.SideShort))
	assert.True(t, Crossed(d("51500"), stop, core.SideShort))
	assert.False(t, Crossed(d("50999"), stop, core.SideShort))
}

func TestWeightedEntry(t *testing.T) {
	// 0.5 @ 100 plus 0.5 @ 110 averages to 105
	avg := WeightedEntry(d("0.5"), d("100"), d("0.5"), d("110"))
	assert.True(t, avg.Equal(d("105")), "got %s", avg)
}

func TestRoundingModes(t *testing.T) {
	// Banker's rounding ties to even.
	assert.Equal(t, "2.22", RoundBank2(d("2.225")).String())
	assert.Equal(t, "2.24", RoundBank2(d("2.235")).String())
	assert.Equal(t, "0.00181818", Round8(d("0.001818181818")).String())
}
