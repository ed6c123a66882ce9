package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp_trader/internal/core"
)

// Alert is one captured operator alert.
type Alert struct {
	Level   core.AlertLevel
	Title   string
	Message string
}

// AlertRecorder implements core.IAlertSink and captures everything sent.
type AlertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func NewAlertRecorder() *AlertRecorder {
	return &AlertRecorder{}
}

func (r *AlertRecorder) Send(ctx context.Context, level core.AlertLevel, title, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Alert{Level: level, Title: title, Message: message})
	return r.err
}

func (r *AlertRecorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *AlertRecorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func (r *AlertRecorder) ByLevel(level core.AlertLevel) []Alert {
	var out []Alert
	for _, a := range r.Alerts() {
		if a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

// Contains reports whether any captured alert message contains substr.
func (r *AlertRecorder) Contains(substr string) bool {
	for _, a := range r.Alerts() {
		if strings.Contains(a.Message, substr) || strings.Contains(a.Title, substr) {
			return true
		}
	}
	return false
}

// RecordedOrder is one captured RecordOrder call.
type RecordedOrder struct {
	Symbol  string
	Type    core.OrderType
	Success bool
	Latency time.Duration
}

// RecordedTrade is one captured RecordTrade call.
type RecordedTrade struct {
	Symbol string
	Side   core.Side
	PnLCHF decimal.Decimal
}

// RecordedCycle is one captured RecordCycle call.
type RecordedCycle struct {
	Duration time.Duration
	Signals  int
	Executed int
	Success  bool
}

// MetricsRecorder implements core.IMetricsSink and captures everything
// recorded.
type MetricsRecorder struct {
	mu     sync.Mutex
	orders []RecordedOrder
	trades []RecordedTrade
	cycles []RecordedCycle
}

func NewMetricsRecorder() *MetricsRecorder {
	return &MetricsRecorder{}
}

func (r *MetricsRecorder) RecordOrder(symbol string, orderType core.OrderType, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, RecordedOrder{Symbol: symbol, Type: orderType, Success: success, Latency: latency})
}

func (r *MetricsRecorder) RecordTrade(symbol string, side core.Side, pnlCHF decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, RecordedTrade{Symbol: symbol, Side: side, PnLCHF: pnlCHF})
}

func (r *MetricsRecorder) RecordCycle(duration time.Duration, signals, executed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, RecordedCycle{Duration: duration, Signals: signals, Executed: executed, Success: success})
}

func (r *MetricsRecorder) Orders() []RecordedOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedOrder(nil), r.orders...)
}

func (r *MetricsRecorder) Trades() []RecordedTrade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedTrade(nil), r.trades...)
}

func (r *MetricsRecorder) Cycles() []RecordedCycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedCycle(nil), r.cycles...)
}
