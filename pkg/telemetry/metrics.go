package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal   = "perp_trader_pnl_realized_chf_total"
	MetricPnLUnrealized      = "perp_trader_pnl_unrealized_chf"
	MetricPnLDaily           = "perp_trader_pnl_daily_chf"
	MetricPositionsOpen      = "perp_trader_positions_open"
	MetricExposure           = "perp_trader_exposure_chf"
	MetricOrdersPlacedTotal  = "perp_trader_orders_placed_total"
	MetricOrdersFailedTotal  = "perp_trader_orders_failed_total"
	MetricOrderLatency       = "perp_trader_order_latency_ms"
	MetricCyclesTotal        = "perp_trader_cycles_total"
	MetricCycleDuration      = "perp_trader_cycle_duration_ms"
	MetricCircuitBreakerOpen = "perp_trader_circuit_breaker_open"
	MetricProtectionsActive  = "perp_trader_protections_active"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64Counter
	PnLUnrealized      metric.Float64ObservableGauge
	PnLDaily           metric.Float64ObservableGauge
	PositionsOpen      metric.Int64ObservableGauge
	Exposure           metric.Float64ObservableGauge
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFailedTotal  metric.Int64Counter
	OrderLatency       metric.Float64Histogram
	CyclesTotal        metric.Int64Counter
	CycleDuration      metric.Float64Histogram
	CircuitBreakerOpen metric.Int64ObservableGauge
	ProtectionsActive  metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	dailyPnL         float64
	positionsOpenMap map[string]int64
	exposure         float64
	cbOpenMap        map[string]int64
	protectionsMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			positionsOpenMap: make(map[string]int64),
			cbOpenMap:        make(map[string]int64),
			protectionsMap:   make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in CHF"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total order submissions that failed"))
	if err != nil {
		return err
	}

	m.OrderLatency, err = meter.Float64Histogram(MetricOrderLatency, metric.WithDescription("Wall time from order submit to exchange ack"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.CyclesTotal, err = meter.Int64Counter(MetricCyclesTotal, metric.WithDescription("Total trading cycles executed"))
	if err != nil {
		return err
	}

	m.CycleDuration, err = meter.Float64Histogram(MetricCycleDuration, metric.WithDescription("Duration of one trading cycle"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL in CHF"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLDaily, err = meter.Float64ObservableGauge(MetricPnLDaily, metric.WithDescription("Cumulative PnL for the current trading day in CHF"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnL)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Number of currently open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionsOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Exposure, err = meter.Float64ObservableGauge(MetricExposure, metric.WithDescription("Total leveraged exposure in CHF"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.exposure)
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for scope, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("scope", scope)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ProtectionsActive, err = meter.Int64ObservableGauge(MetricProtectionsActive, metric.WithDescription("Positions currently under stop-loss protection"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.protectionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetCircuitBreakerOpen(scope string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[scope] = val
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetDailyPnL(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = value
}

func (m *MetricsHolder) SetPositionsOpen(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsOpenMap[symbol] = count
}

func (m *MetricsHolder) SetExposure(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposure = value
}

func (m *MetricsHolder) SetProtectionsActive(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protectionsMap[symbol] = count
}

func (m *MetricsHolder) GetPositionsOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.positionsOpenMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}
