package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an open exposure
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Decision is a signal's trading intent
type Decision string

const (
	DecisionBuy   Decision = "BUY"
	DecisionSell  Decision = "SELL"
	DecisionHold  Decision = "HOLD"
	DecisionClose Decision = "CLOSE"
)

// OrderType distinguishes order execution semantics
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusFailed          OrderStatus = "FAILED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusLiquidated PositionStatus = "LIQUIDATED"
)

// BreakerState is the circuit breaker state machine
type BreakerState string

const (
	BreakerActive              BreakerState = "ACTIVE"
	BreakerTripped             BreakerState = "TRIPPED"
	BreakerManualResetRequired BreakerState = "MANUAL_RESET_REQUIRED"
)

// ProtectionLayer identifies which stop-loss layer closed a position
type ProtectionLayer int

const (
	LayerNone ProtectionLayer = iota
	Layer1
	Layer2
	Layer3
)

func (l ProtectionLayer) String() string {
	switch l {
	case Layer1:
		return "layer1"
	case Layer2:
		return "layer2"
	case Layer3:
		return "layer3"
	default:
		return "none"
	}
}

// LayerStatus is the per-layer protection state machine
type LayerStatus string

const (
	LayerIdle      LayerStatus = "IDLE"
	LayerActive    LayerStatus = "ACTIVE"
	LayerTriggered LayerStatus = "TRIGGERED"
	LayerFinalized LayerStatus = "FINALIZED"
	LayerCanceled  LayerStatus = "CANCELED"
)

// AlertLevel is the severity of an operator alert
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// Position is the authoritative local record of an open exposure.
// A position is open iff ClosedAt is nil.
type Position struct {
	ID           string
	Symbol       string
	Side         Side
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
	Leverage     int
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	Status       PositionStatus
	PnLCHF       decimal.Decimal
	CloseReason  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedAt     *time.Time
}

// IsOpen reports whether the position is still open
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// Direction returns +1 for long positions and -1 for short positions
func (p *Position) Direction() decimal.Decimal {
	if p.Side == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// NotionalUSD is quantity x entry price
func (p *Position) NotionalUSD() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// ExposureUSD is the leveraged notional used for exposure accounting
func (p *Position) ExposureUSD() decimal.Decimal {
	return p.NotionalUSD().Mul(decimal.NewFromInt(int64(p.Leverage)))
}

// UnrealizedPnLUSD computes mark-to-market P&L from CurrentPrice
func (p *Position) UnrealizedPnLUSD() decimal.Decimal {
	if p.CurrentPrice.IsZero() {
		return decimal.Zero
	}
	diff := p.CurrentPrice.Sub(p.EntryPrice)
	return diff.Mul(p.Quantity).Mul(decimal.NewFromInt(int64(p.Leverage))).Mul(p.Direction())
}

// LossFraction returns the adverse price move as a fraction of entry price.
// Positive values mean the position is under water.
func (p *Position) LossFraction() decimal.Decimal {
	if p.EntryPrice.IsZero() || p.CurrentPrice.IsZero() {
		return decimal.Zero
	}
	move := p.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(p.Direction())
	return move.Neg()
}

// OpenPositionRequest is the input to PositionEngine.CreatePosition
type OpenPositionRequest struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Reasoning  string
}

// Order is the local record of a request sent to the exchange
type Order struct {
	ID               string
	ExchangeOrderID  string
	ClientOrderID    string
	Symbol           string
	Type             OrderType
	Side             OrderSide
	Quantity         decimal.Decimal
	Price            decimal.Decimal
	StopPrice        decimal.Decimal
	TimeInForce      string
	ReduceOnly       bool
	PositionID       string
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	FeesPaid         decimal.Decimal
	Status           OrderStatus
	LatencyMS        int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderRequest is the exchange-facing order submission payload
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   string
	ReduceOnly    bool
	ClientOrderID string
	PositionID    string
}

// Signal is a per-symbol trading intent produced by a signal source.
// SizePct and the stop/take percentages participate in money math and are
// decimals; Confidence is a bare probability.
type Signal struct {
	Symbol        string
	Decision      Decision
	Confidence    float64
	SizePct       decimal.Decimal
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	Leverage      int
	Reasoning     string
}

// Ticker is a level-1 market data snapshot
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Balance is a per-asset account balance
type Balance struct {
	Total decimal.Decimal
	Free  decimal.Decimal
	Used  decimal.Decimal
}

// ExchangePosition is a position as reported by the exchange
type ExchangePosition struct {
	Symbol        string
	Contracts     decimal.Decimal
	Side          Side
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
}

// Candle is one OHLCV bar
type Candle struct {
	Symbol   string
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	OpenTime time.Time
	Closed   bool
}

// Snapshot bundles the market data handed to the signal source for one symbol
type Snapshot struct {
	Symbol     string
	Ticker     Ticker
	Candles    []Candle
	Indicators map[string]decimal.Decimal
	UpdatedAt  time.Time
}

// LayerState tracks a single stop-loss protection layer
type LayerState struct {
	Status  LayerStatus
	OrderID string
}

// Protection is the per-position stop-loss supervisor record
type Protection struct {
	PositionID         string
	Symbol             string
	Side               Side
	StopPrice          decimal.Decimal
	EmergencyThreshold decimal.Decimal
	Layer1             LayerState
	Layer2             LayerState
	Layer3             LayerState
	TriggeredBy        ProtectionLayer
	TriggeredAt        *time.Time
	CreatedAt          time.Time
}

// BreakerStatus is a redacted snapshot of circuit breaker state.
// The reset token is never included; it is only delivered via alerts.
type BreakerStatus struct {
	State             BreakerState
	DailyPnLCHF       decimal.Decimal
	DailyLossLimitCHF decimal.Decimal
	StartingBalance   decimal.Decimal
	LastReset         time.Time
	TrippedAt         *time.Time
}

// ReconciliationResult describes one position's system vs exchange comparison
type ReconciliationResult struct {
	PositionID         string
	Symbol             string
	SystemQty          decimal.Decimal
	ExchangeQty        decimal.Decimal
	Discrepancy        decimal.Decimal
	CorrectionsApplied []string
}

// ReconcilerStatus summarizes the most recent reconciliation pass
type ReconcilerStatus struct {
	LastRun            time.Time
	LastDurationMS     int64
	PositionsChecked   int
	CorrectionsApplied int
	Failures           int
	Running            bool
}

// RiskCheck is the outcome of a single risk gate rule
type RiskCheck struct {
	Name   string
	Passed bool
	Reason string
}

// RiskValidation is the risk gate's verdict for one signal
type RiskValidation struct {
	Approved         bool
	Checks           []RiskCheck
	RejectionReasons []string
	Warnings         []string
}

// Execution result codes surfaced by the trade executor
const (
	CodeOK                   = "OK"
	CodeRiskValidationFailed = "RISK_VALIDATION_FAILED"
	CodePositionNotFound     = "POSITION_NOT_FOUND"
	CodeInvalidSymbol        = "INVALID_SYMBOL"
	CodeInsufficientFunds    = "INSUFFICIENT_FUNDS"
	CodeOrderRejected        = "ORDER_REJECTED"
	CodeExchangeUnavailable  = "EXCHANGE_UNAVAILABLE"
	CodeInternalError        = "INTERNAL_ERROR"
)

// ExecutionResult is the trade executor's per-signal outcome. Callers inspect
// Success; Code carries the machine-readable failure class.
type ExecutionResult struct {
	Success        bool
	Code           string
	Message        string
	Symbol         string
	Decision       Decision
	OrderID        string
	PositionID     string
	FilledQuantity decimal.Decimal
	AvgPrice       decimal.Decimal
	FeesPaid       decimal.Decimal
	LatencyMS      int64
}

// DailyPnLSummary aggregates realized and unrealized P&L for one calendar day
type DailyPnLSummary struct {
	Date          string
	RealizedCHF   decimal.Decimal
	UnrealizedCHF decimal.Decimal
	TotalCHF      decimal.Decimal
	TradesClosed  int
	Wins          int
	Losses        int
	OpenPositions int
}

// AuditEvent is one append-only audit log entry
type AuditEvent struct {
	Timestamp  time.Time
	EventType  string
	EntityType string
	EntityID   string
	Details    string
}

// CycleReport summarizes one scheduler cycle for metrics and logging
type CycleReport struct {
	Sequence   uint64
	StartedAt  time.Time
	Duration   time.Duration
	Signals    int
	Executed   int
	Rejected   int
	Failures   int
	BehindPlan bool
}
