package telemetry

import (
	"context"
	"time"

	"perp_trader/internal/core"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink implements core.IMetricsSink on top of the global MetricsHolder.
// Decimal amounts are narrowed to float64 only at this boundary; metric
// backends are not money paths.
type Sink struct {
	holder *MetricsHolder
}

// NewSink returns a metrics sink backed by the initialized global instruments
func NewSink() *Sink {
	return &Sink{holder: GetGlobalMetrics()}
}

func (s *Sink) RecordOrder(symbol string, orderType core.OrderType, success bool, latency time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("type", string(orderType)),
	)
	if s.holder.OrdersPlacedTotal != nil {
		s.holder.OrdersPlacedTotal.Add(ctx, 1, attrs)
	}
	if !success && s.holder.OrdersFailedTotal != nil {
		s.holder.OrdersFailedTotal.Add(ctx, 1, attrs)
	}
	if s.holder.OrderLatency != nil {
		s.holder.OrderLatency.Record(ctx, float64(latency.Milliseconds()), attrs)
	}
}

func (s *Sink) RecordTrade(symbol string, side core.Side, pnlCHF decimal.Decimal) {
	ctx := context.Background()
	if s.holder.PnLRealizedTotal != nil {
		pnl, _ := pnlCHF.Float64()
		s.holder.PnLRealizedTotal.Add(ctx, pnl, metric.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("side", string(side)),
		))
	}
}

func (s *Sink) RecordCycle(duration time.Duration, signals, executed int, success bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	if s.holder.CyclesTotal != nil {
		s.holder.CyclesTotal.Add(ctx, 1, attrs)
	}
	if s.holder.CycleDuration != nil {
		s.holder.CycleDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}
