// Package core defines the core types and interfaces for the trading system
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange defines the interface for perpetual futures exchange adapters
type IExchange interface {
	// Identity
	GetName() string
	CheckHealth(ctx context.Context) error

	// Market data
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)

	// Account operations
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchPositions(ctx context.Context) ([]*ExchangePosition, error)

	// Order operations
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string, symbol string) error
}

// IPositionStore defines the interface for durable position state.
// The position engine is the only mutator of position rows. SettleClose
// persists a closed position and its daily P&L rollup atomically.
type IPositionStore interface {
	Insert(ctx context.Context, p *Position) error
	Update(ctx context.Context, p *Position) error
	SettleClose(ctx context.Context, p *Position, date string, deltaCHF decimal.Decimal) error
	GetByID(ctx context.Context, id string) (*Position, error)
	GetByStatus(ctx context.Context, status PositionStatus) ([]*Position, error)
	AppendAudit(ctx context.Context, event *AuditEvent) error
	UpdateDailyPnL(ctx context.Context, date string, deltaCHF decimal.Decimal) error
	GetDailyPnL(ctx context.Context, date string) (decimal.Decimal, error)
	Close() error
}

// ISignalSource defines the interface for signal generation
type ISignalSource interface {
	GenerateSignals(ctx context.Context, snapshots map[string]*Snapshot, capitalCHF decimal.Decimal, positions []*Position) (map[string]*Signal, error)
}

// IMarketData defines the interface for market data access
type IMarketData interface {
	LatestSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
	OHLCVHistory(ctx context.Context, symbol string, limit int) ([]Candle, error)
}

// IMetricsSink defines the interface for trade and cycle metrics
type IMetricsSink interface {
	RecordOrder(symbol string, orderType OrderType, success bool, latency time.Duration)
	RecordTrade(symbol string, side Side, pnlCHF decimal.Decimal)
	RecordCycle(duration time.Duration, signals, executed int, success bool)
}

// IAlertSink defines the interface for operator alerts
type IAlertSink interface {
	Send(ctx context.Context, level AlertLevel, title string, message string) error
}

// IPositionEngine defines the interface for position lifecycle management
type IPositionEngine interface {
	CreatePosition(ctx context.Context, req *OpenPositionRequest) (*Position, error)
	UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (*Position, error)
	ClosePosition(ctx context.Context, id string, closePrice decimal.Decimal, reason string) (*Position, error)
	GetActive(ctx context.Context, symbol string) ([]*Position, error)
	GetByID(ctx context.Context, id string) (*Position, error)
	TotalExposureCHF(ctx context.Context) (decimal.Decimal, error)
	DailyPnL(ctx context.Context, date string) (*DailyPnLSummary, error)
}

// IRiskGate defines the interface for pre-trade validation
type IRiskGate interface {
	Validate(ctx context.Context, signal *Signal) *RiskValidation
}

// ICircuitBreaker defines the interface for the daily-loss kill switch
type ICircuitBreaker interface {
	Start(ctx context.Context) error
	Stop() error
	Allowed() bool
	CheckDailyLoss(ctx context.Context, currentPnLCHF decimal.Decimal) BreakerState
	ManualReset(token string) bool
	Status() BreakerStatus
}

// ITradeExecutor defines the interface for signal execution
type ITradeExecutor interface {
	ExecuteSignal(ctx context.Context, signal *Signal, balanceCHF decimal.Decimal, fxRate decimal.Decimal, gate IRiskGate) *ExecutionResult
	ClosePosition(ctx context.Context, positionID string, reason string) *ExecutionResult
}

// IStopLossSupervisor defines the interface for multi-layer stop protection
type IStopLossSupervisor interface {
	StartProtection(ctx context.Context, position *Position, stopPrice decimal.Decimal) (*Protection, error)
	StopProtection(positionID string) error
	GetProtection(positionID string) (*Protection, bool)
	ActiveCount() int
	Stop() error
}

// IReconciler defines the interface for system vs exchange position sync
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) ([]*ReconciliationResult, error)
	TriggerManual(ctx context.Context) error
	Status() ReconcilerStatus
}

// IHealthMonitor aggregates component health checks for the status surface.
type IHealthMonitor interface {
	Register(component string, check func() error)
	Snapshot() map[string]string
	Healthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
