// Package risk provides pre-trade validation, the daily-loss circuit
// breaker and the exchange reconciler.
package risk

import (
	"context"
	"fmt"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/pkg/telemetry"
	"perp_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Check names as they appear in RiskValidation results and rejection text.
const (
	CheckCircuitBreaker = "Circuit Breaker"
	CheckPositionCount  = "Position Count"
	CheckConfidence     = "Confidence"
	CheckPositionSize   = "Position Size"
	CheckTotalExposure  = "Total Exposure"
	CheckLeverage       = "Leverage"
	CheckStopLoss       = "Stop Loss"
)

// Gate validates signals against the limit matrix before they reach the
// executor. Rejections are values, never errors: callers inspect Approved.
type Gate struct {
	engine  core.IPositionEngine
	breaker core.ICircuitBreaker
	logger  core.ILogger

	risk         config.RiskConfig
	capitalCHF   decimal.Decimal
	fxRate       decimal.Decimal
	maxPositions int

	validations metric.Int64Counter
	rejections  metric.Int64Counter
}

var _ core.IRiskGate = (*Gate)(nil)

// NewGate creates a risk gate backed by the position engine and breaker
func NewGate(engine core.IPositionEngine, breaker core.ICircuitBreaker, cfg *config.Config, logger core.ILogger) *Gate {
	meter := telemetry.GetMeter("risk_gate")
	validations, _ := meter.Int64Counter("risk_gate_validations_total",
		metric.WithDescription("Total number of signals validated"))
	rejections, _ := meter.Int64Counter("risk_gate_rejections_total",
		metric.WithDescription("Total number of signals rejected, by failing check"))

	return &Gate{
		engine:       engine,
		breaker:      breaker,
		logger:       logger.WithField("component", "risk_gate"),
		risk:         cfg.Risk,
		capitalCHF:   cfg.Trading.StartingCapital(),
		fxRate:       cfg.Trading.FXRate(),
		maxPositions: cfg.Risk.MaxPositions,
		validations:  validations,
		rejections:   rejections,
	}
}

// Validate runs the ordered check matrix for one signal. The breaker check
// runs first and short-circuits everything else; the remaining checks are
// independent and all evaluated so the caller sees every violation at once.
// Hold signals are approved unconditionally and Close signals only face the
// breaker: the open-specific limits constrain new exposure, and blocking an
// exit on them would increase risk rather than reduce it.
func (g *Gate) Validate(ctx context.Context, signal *core.Signal) *core.RiskValidation {
	v := &core.RiskValidation{Approved: true}
	g.validations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", signal.Symbol),
		attribute.String("decision", string(signal.Decision))))

	if signal.Decision == core.DecisionHold {
		return v
	}

	if g.breaker != nil && !g.breaker.Allowed() {
		state := g.breaker.Status().State
		g.fail(ctx, v, CheckCircuitBreaker,
			fmt.Sprintf("circuit breaker is %s; trading halted", state))
		g.logger.Warn("Signal rejected by circuit breaker",
			"symbol", signal.Symbol, "decision", signal.Decision, "state", state)
		return v
	}
	v.Checks = append(v.Checks, core.RiskCheck{Name: CheckCircuitBreaker, Passed: true})

	if signal.Decision == core.DecisionClose {
		return v
	}

	open, err := g.engine.GetActive(ctx, "")
	if err != nil {
		// Fail closed: without the position picture no new exposure is safe.
		g.fail(ctx, v, CheckPositionCount,
			fmt.Sprintf("open positions unavailable: %v", err))
		return v
	}

	g.checkPositionCount(ctx, v, open)
	g.checkConfidence(ctx, v, signal)
	g.checkPositionSize(ctx, v, signal)
	g.checkTotalExposure(ctx, v, signal, open)
	g.checkLeverage(ctx, v, signal)
	g.checkStopLoss(ctx, v, signal)

	if !v.Approved {
		g.logger.Warn("Signal rejected",
			"symbol", signal.Symbol,
			"decision", signal.Decision,
			"reasons", v.RejectionReasons)
	}
	return v
}

func (g *Gate) checkPositionCount(ctx context.Context, v *core.RiskValidation, open []*core.Position) {
	if len(open) >= g.maxPositions {
		g.fail(ctx, v, CheckPositionCount,
			fmt.Sprintf("%d positions already open, limit is %d", len(open), g.maxPositions))
		return
	}
	v.Checks = append(v.Checks, core.RiskCheck{Name: CheckPositionCount, Passed: true})
}

func (g *Gate) checkConfidence(ctx context.Context, v *core.RiskValidation, signal *core.Signal) {
	if signal.Confidence < g.risk.MinConfidence {
		g.fail(ctx, v, CheckConfidence,
			fmt.Sprintf("confidence %.2f below minimum %.2f", signal.Confidence, g.risk.MinConfidence))
		return
	}
	v.Checks = append(v.Checks, core.RiskCheck{Name: CheckConfidence, Passed: true})
}

func (g *Gate) checkPositionSize(ctx context.Context, v *core.RiskValidation, signal *core.Signal) {
	limit := g.risk.MaxPositionSize()
	if signal.SizePct.GreaterThan(limit) {
		g.fail(ctx, v, CheckPositionSize,
			fmt.Sprintf("requested size %s of capital exceeds maximum %s", signal.SizePct, limit))
		return
	}
	v.Checks = append(v.Checks, core.RiskCheck{Name: CheckPositionSize, Passed: true})
}

// checkTotalExposure compares current plus requested notional, both as
// fractions of capital, against the exposure ceiling. Units match the
// signal's size_pct: unleveraged notional over capital.
func (g *Gate) checkTotalExposure(ctx context.Context, v *core.RiskValidation, signal *core.Signal, open []*core.Position) {
	capitalUSD := tradingutils.CHFToUSD(g.capitalCHF, g.fxRate)
	if capitalUSD.IsZero() {
		g.fail(ctx, v, CheckTotalExposure, "capital is zero")
		return
	}

	current := decimal.Zero
	for _, p := range open {
		current = current.Add(p.NotionalUSD())
	}
	currentPct := current.Div(capitalUSD)

	total := currentPct.Add(signal.SizePct)
	limit := g.risk.MaxTotalExposure()
	if total.GreaterThan(limit) {
		g.fail(ctx, v, CheckTotalExposure,
			fmt.Sprintf("current exposure %s plus requested %s exceeds maximum %s",
				currentPct.Round(4), signal.SizePct, limit))
		return
	}
	v.Checks = append(v.Checks, core.RiskCheck{Name: CheckTotalExposure, Passed: true})
}

func (g *Gate) checkLeverage(ctx context.Context, v *core.RiskValidation, signal *core.Signal) {
	maxLev := g.risk.LeverageCap(core.BaseAsset(signal.Symbol))
	if signal.Leverage < g.risk.MinLeverage || signal.Leverage > maxLev {
		g.fail(ctx, v, CheckLeverage,
			fmt.Sprintf("leverage %dx outside allowed range %d-%dx for %s",
				signal.Leverage, g.risk.MinLeverage, maxLev, signal.Symbol))
		return
	}
	v.Checks = append(v.Checks, core.RiskCheck{Name: CheckLeverage, Passed: true})
}

func (g *Gate) checkStopLoss(ctx context.Context, v *core.RiskValidation, signal *core.Signal) {
	if signal.StopLossPct.IsZero() {
		// Not a rejection: the executor refuses to open without a stop,
		// so the signal is flagged and left for it to bounce.
		v.Warnings = append(v.Warnings, "signal carries no stop-loss; executor will refuse to open")
		v.Checks = append(v.Checks, core.RiskCheck{Name: CheckStopLoss, Passed: true, Reason: "not present"})
		return
	}

	lo, hi := g.risk.StopLossMin(), g.risk.StopLossMax()
	if signal.StopLossPct.LessThan(lo) || signal.StopLossPct.GreaterThan(hi) {
		g.fail(ctx, v, CheckStopLoss,
			fmt.Sprintf("stop-loss %s outside allowed range %s-%s", signal.StopLossPct, lo, hi))
		return
	}
	v.Checks = append(v.Checks, core.RiskCheck{Name: CheckStopLoss, Passed: true})
}

func (g *Gate) fail(ctx context.Context, v *core.RiskValidation, check, reason string) {
	v.Approved = false
	v.Checks = append(v.Checks, core.RiskCheck{Name: check, Passed: false, Reason: reason})
	v.RejectionReasons = append(v.RejectionReasons, fmt.Sprintf("%s: %s", check, reason))
	g.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("check", check)))
}
