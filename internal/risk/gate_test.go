package risk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"perp_trader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buySignal() *core.Signal {
	return &core.Signal{
		Symbol:      "BTC/USDT:USDT",
		Decision:    core.DecisionBuy,
		Confidence:  0.8,
		SizePct:     decimal.RequireFromString("0.10"),
		StopLossPct: decimal.RequireFromString("0.02"),
		Leverage:    10,
		Reasoning:   "breakout",
	}
}

func newTestGate(t *testing.T) (*Gate, *fakePositionEngine, *CircuitBreaker) {
	t.Helper()
	engine := &fakePositionEngine{}
	breaker := NewCircuitBreaker(testRiskConfig(), &captureAlerts{}, testLogger())
	gate := NewGate(engine, breaker, testRiskConfig(), testLogger())
	return gate, engine, breaker
}

func TestGate_ApprovesValidSignal(t *testing.T) {
	gate, _, _ := newTestGate(t)

	v := gate.Validate(context.Background(), buySignal())
	require.True(t, v.Approved, "rejections: %v", v.RejectionReasons)
	assert.Len(t, v.Checks, 7)
	assert.Empty(t, v.RejectionReasons)
	assert.Empty(t, v.Warnings)
	for _, check := range v.Checks {
		assert.True(t, check.Passed, "check %s failed: %s", check.Name, check.Reason)
	}
}

func TestGate_HoldIsAlwaysApproved(t *testing.T) {
	gate, _, breaker := newTestGate(t)

	hold := buySignal()
	hold.Decision = core.DecisionHold

	v := gate.Validate(context.Background(), hold)
	assert.True(t, v.Approved)
	assert.Empty(t, v.Checks)

	// Even with the breaker tripped.
	breaker.CheckDailyLoss(context.Background(), decimal.NewFromInt(-500))
	v = gate.Validate(context.Background(), hold)
	assert.True(t, v.Approved)
}

func TestGate_BreakerShortCircuits(t *testing.T) {
	gate, _, breaker := newTestGate(t)
	ctx := context.Background()

	state := breaker.CheckDailyLoss(ctx, decimal.NewFromInt(-500))
	require.Equal(t, core.BreakerManualResetRequired, state)

	for _, decision := range []core.Decision{core.DecisionBuy, core.DecisionSell, core.DecisionClose} {
		signal := buySignal()
		signal.Decision = decision

		v := gate.Validate(ctx, signal)
		assert.False(t, v.Approved, "decision %s must be blocked", decision)
		require.Len(t, v.Checks, 1, "breaker failure must short-circuit the rest")
		assert.Equal(t, CheckCircuitBreaker, v.Checks[0].Name)
		require.Len(t, v.RejectionReasons, 1)
		assert.Contains(t, v.RejectionReasons[0], CheckCircuitBreaker)
	}
}

func TestGate_CloseOnlyFacesBreaker(t *testing.T) {
	gate, _, _ := newTestGate(t)

	// A close with out-of-band open parameters must still pass: the
	// open-specific limits do not apply to exits.
	signal := &core.Signal{
		Symbol:     "BTC/USDT:USDT",
		Decision:   core.DecisionClose,
		Confidence: 0.1,
		Leverage:   0,
	}

	v := gate.Validate(context.Background(), signal)
	assert.True(t, v.Approved, "rejections: %v", v.RejectionReasons)
	require.Len(t, v.Checks, 1)
	assert.Equal(t, CheckCircuitBreaker, v.Checks[0].Name)
}

func TestGate_RejectionMatrix(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*core.Signal)
		active    []*core.Position
		wantCheck string
	}{
		{
			name:      "confidence below minimum",
			mutate:    func(s *core.Signal) { s.Confidence = 0.5 },
			wantCheck: CheckConfidence,
		},
		{
			name:      "oversized position",
			mutate:    func(s *core.Signal) { s.SizePct = decimal.RequireFromString("0.25") },
			wantCheck: CheckPositionSize,
		},
		{
			name:   "exposure ceiling",
			mutate: func(s *core.Signal) { s.SizePct = decimal.RequireFromString("0.15") },
			active: []*core.Position{
				// 7000 USD notional = 70% of the 10000 USD capital.
				openFixture("p1", "ETH/USDT:USDT", "0.14", "50000"),
			},
			wantCheck: CheckTotalExposure,
		},
		{
			name:      "leverage above symbol cap",
			mutate:    func(s *core.Signal) { s.Leverage = 50 },
			wantCheck: CheckLeverage,
		},
		{
			name:      "leverage below minimum",
			mutate:    func(s *core.Signal) { s.Leverage = 3 },
			wantCheck: CheckLeverage,
		},
		{
			name:      "stop loss too tight",
			mutate:    func(s *core.Signal) { s.StopLossPct = decimal.RequireFromString("0.005") },
			wantCheck: CheckStopLoss,
		},
		{
			name:      "stop loss too wide",
			mutate:    func(s *core.Signal) { s.StopLossPct = decimal.RequireFromString("0.15") },
			wantCheck: CheckStopLoss,
		},
		{
			name:   "position count at limit",
			mutate: func(s *core.Signal) {},
			active: []*core.Position{
				openFixture("p1", "BTC/USDT:USDT", "0.001", "50000"),
				openFixture("p2", "BTC/USDT:USDT", "0.001", "50000"),
				openFixture("p3", "ETH/USDT:USDT", "0.01", "3000"),
				openFixture("p4", "ETH/USDT:USDT", "0.01", "3000"),
				openFixture("p5", "BTC/USDT:USDT", "0.001", "50000"),
				openFixture("p6", "ETH/USDT:USDT", "0.01", "3000"),
			},
			wantCheck: CheckPositionCount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, engine, _ := newTestGate(t)
			engine.setActive(tt.active...)

			signal := buySignal()
			tt.mutate(signal)

			v := gate.Validate(context.Background(), signal)
			require.False(t, v.Approved)
			assert.True(t, hasRejection(v, tt.wantCheck),
				"expected rejection by %q, got %v", tt.wantCheck, v.RejectionReasons)
		})
	}
}

func TestGate_OversizedRejectionNamesCheck(t *testing.T) {
	gate, _, _ := newTestGate(t)

	signal := buySignal()
	signal.SizePct = decimal.RequireFromString("0.25")

	v := gate.Validate(context.Background(), signal)
	require.False(t, v.Approved)
	assert.Contains(t, strings.Join(v.RejectionReasons, "; "), "Position Size")
}

func TestGate_AllIndependentChecksEvaluated(t *testing.T) {
	gate, _, _ := newTestGate(t)

	signal := buySignal()
	signal.Confidence = 0.1
	signal.SizePct = decimal.RequireFromString("0.30")
	signal.Leverage = 100

	v := gate.Validate(context.Background(), signal)
	require.False(t, v.Approved)
	assert.True(t, hasRejection(v, CheckConfidence))
	assert.True(t, hasRejection(v, CheckPositionSize))
	assert.True(t, hasRejection(v, CheckLeverage))
	assert.Len(t, v.Checks, 7, "a failed check must not stop the rest")
}

func TestGate_MissingStopIsWarningNotRejection(t *testing.T) {
	gate, _, _ := newTestGate(t)

	signal := buySignal()
	signal.StopLossPct = decimal.Zero

	v := gate.Validate(context.Background(), signal)
	assert.True(t, v.Approved, "rejections: %v", v.RejectionReasons)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0], "stop-loss")
}

func TestGate_EngineErrorFailsClosed(t *testing.T) {
	gate, engine, _ := newTestGate(t)
	engine.activeErr = errors.New("store down")

	v := gate.Validate(context.Background(), buySignal())
	assert.False(t, v.Approved)
	assert.True(t, hasRejection(v, CheckPositionCount))
}

func hasRejection(v *core.RiskValidation, check string) bool {
	for _, c := range v.Checks {
		if c.Name == check && !c.Passed {
			return true
		}
	}
	return false
}
