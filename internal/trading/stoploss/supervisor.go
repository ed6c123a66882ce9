// Package stoploss layers three independent protections over every open
// position: an exchange-resident stop order, an application price monitor,
// and an emergency liquidation monitor. The layers do not coordinate; the
// first successful close wins and the others stand down through the
// executor's not-found semantics.
package stoploss

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"
	"perp_trader/pkg/telemetry"
	"perp_trader/pkg/tradingutils"
)

// retainFinalized bounds how many finished protection records stay readable
// through GetProtection before the oldest are dropped.
const retainFinalized = 64

// Executor is the slice of the trade executor the supervisor drives.
type Executor interface {
	PlaceStopLoss(ctx context.Context, position *core.Position, stopPrice decimal.Decimal) (*core.Order, error)
	ClosePosition(ctx context.Context, positionID string, reason string) *core.ExecutionResult
}

// OrderLog is the read side of the order store, used to adopt a stop order
// the open path already placed instead of stacking a second one.
type OrderLog interface {
	OrdersByPosition(ctx context.Context, positionID string) ([]*core.Order, error)
}

// protection pairs the public record with the task controls for one position.
type protection struct {
	mu        sync.Mutex
	record    core.Protection
	cancel    context.CancelFunc
	finalized bool
}

// Supervisor implements core.IStopLossSupervisor.
type Supervisor struct {
	exchange core.IExchange
	engine   core.IPositionEngine
	executor Executor
	orders   OrderLog
	alerts   core.IAlertSink
	logger   core.ILogger

	layer2Interval time.Duration
	layer3Interval time.Duration
	emergency      decimal.Decimal
	callTimeout    time.Duration

	mu          sync.Mutex
	protections map[string]*protection
	finished    []string

	triggers metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ core.IStopLossSupervisor = (*Supervisor)(nil)

func NewSupervisor(
	exchange core.IExchange,
	engine core.IPositionEngine,
	executor Executor,
	orders OrderLog,
	alerts core.IAlertSink,
	cfg *config.Config,
	logger core.ILogger,
) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("stoploss-supervisor")
	triggers, _ := meter.Int64Counter("stoploss_triggers_total",
		metric.WithDescription("Stop-loss protection triggers by layer"))

	return &Supervisor{
		exchange:       exchange,
		engine:         engine,
		executor:       executor,
		orders:         orders,
		alerts:         alerts,
		logger:         logger.WithField("component", "stoploss_supervisor"),
		layer2Interval: cfg.StopLoss.Layer2Interval(),
		layer3Interval: cfg.StopLoss.Layer3Interval(),
		emergency:      cfg.StopLoss.EmergencyThreshold(),
		callTimeout:    cfg.Timeouts.Exchange(),
		protections:    make(map[string]*protection),
		triggers:       triggers,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// StartProtection arms all three layers for a position. Layer 1 runs inline:
// it adopts the stop order the open path already placed, or submits one if
// none rests on the exchange. Layers 2 and 3 spawn monitor tasks. Calling
// StartProtection again while a protection is live is a no-op returning the
// existing record.
func (s *Supervisor) StartProtection(ctx context.Context, position *core.Position, stopPrice decimal.Decimal) (*core.Protection, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("supervisor stopped: %w", err)
	}
	if position == nil || position.ID == "" {
		return nil, fmt.Errorf("protection needs a persisted position: %w", apperrors.ErrValidation)
	}

	s.mu.Lock()
	if existing, ok := s.protections[position.ID]; ok && !existing.isFinalized() {
		s.mu.Unlock()
		s.logger.Warn("protection already armed", "position_id", position.ID)
		snap := existing.snapshot()
		return &snap, nil
	}

	taskCtx, taskCancel := context.WithCancel(s.ctx)
	p := &protection{
		record: core.Protection{
			PositionID:         position.ID,
			Symbol:             position.Symbol,
			Side:               position.Side,
			StopPrice:          stopPrice,
			EmergencyThreshold: s.emergency,
			Layer1:             core.LayerState{Status: core.LayerIdle},
			Layer2:             core.LayerState{Status: core.LayerIdle},
			Layer3:             core.LayerState{Status: core.LayerIdle},
			CreatedAt:          time.Now().UTC(),
		},
		cancel: taskCancel,
	}
	s.protections[position.ID] = p
	s.mu.Unlock()

	s.armLayer1(ctx, p, position)

	p.mu.Lock()
	p.record.Layer2.Status = core.LayerActive
	p.record.Layer3.Status = core.LayerActive
	p.mu.Unlock()

	s.wg.Add(2)
	go s.runMonitor(taskCtx, p, core.Layer2, s.layer2Interval)
	go s.runMonitor(taskCtx, p, core.Layer3, s.layer3Interval)

	s.setGauge(position.Symbol)
	s.logger.Info("protection armed",
		"position_id", position.ID,
		"symbol", position.Symbol,
		"stop_price", stopPrice,
		"layer1_order", p.layer1OrderID())

	snap := p.snapshot()
	return &snap, nil
}

// armLayer1 installs the exchange-resident stop. A resting reduce-only
// stop-market order from the open path is adopted; otherwise a fresh one is
// submitted. Failure leaves Layer 1 idle and the monitor layers carry the
// protection.
func (s *Supervisor) armLayer1(ctx context.Context, p *protection, position *core.Position) {
	existing, err := s.orders.OrdersByPosition(ctx, position.ID)
	if err != nil {
		s.logger.Warn("order log read failed while arming layer 1",
			"position_id", position.ID, "error", err)
	}
	for _, o := range existing {
		if o.Type != core.OrderTypeStopMarket || !o.ReduceOnly {
			continue
		}
		if o.Status != core.OrderStatusOpen && o.Status != core.OrderStatusPending {
			continue
		}
		p.mu.Lock()
		p.record.Layer1 = core.LayerState{Status: core.LayerActive, OrderID: o.ExchangeOrderID}
		p.mu.Unlock()
		s.logger.Info("layer 1 adopted resting stop order",
			"position_id", position.ID, "exchange_order_id", o.ExchangeOrderID)
		return
	}

	order, err := s.executor.PlaceStopLoss(ctx, position, p.record.StopPrice)
	if err != nil {
		s.logger.Warn("layer 1 stop placement failed, monitors remain armed",
			"position_id", position.ID,
			"symbol", position.Symbol,
			"error", err)
		return
	}
	p.mu.Lock()
	p.record.Layer1 = core.LayerState{Status: core.LayerActive, OrderID: order.ExchangeOrderID}
	p.mu.Unlock()
}

func (s *Supervisor) runMonitor(ctx context.Context, p *protection, layer core.ProtectionLayer, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.checkLayer(ctx, p, layer) {
				return
			}
		}
	}
}

// checkLayer runs one wake of a monitor layer. It returns true when the
// protection is finished and the task should exit.
func (s *Supervisor) checkLayer(ctx context.Context, p *protection, layer core.ProtectionLayer) bool {
	position, err := s.engine.GetByID(ctx, p.record.PositionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			s.teardown(p, core.LayerNone, false)
			return true
		}
		s.logger.Warn("protection position read failed",
			"position_id", p.record.PositionID, "layer", layer.String(), "error", err)
		return false
	}
	if !position.IsOpen() {
		s.teardown(p, core.LayerNone, false)
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	ticker, err := s.exchange.FetchTicker(callCtx, p.record.Symbol)
	cancel()
	if err != nil {
		// Transient market-data trouble never triggers a close.
		s.logger.Warn("protection price fetch failed",
			"position_id", p.record.PositionID, "layer", layer.String(), "error", err)
		return false
	}
	price := ticker.Last

	var triggered bool
	var reason string
	switch layer {
	case core.Layer2:
		triggered = tradingutils.Crossed(price, p.record.StopPrice, p.record.Side)
		reason = "stop_loss_triggered_layer2"
	case core.Layer3:
		position.CurrentPrice = price
		triggered = position.LossFraction().GreaterThan(s.emergency)
		reason = "layer3_emergency_liquidation"
	}
	if !triggered {
		return false
	}

	if layer == core.Layer3 {
		s.sendAlert(ctx, core.AlertCritical, "Emergency liquidation triggered",
			fmt.Sprintf("Position %s (%s) lost %s of entry at price %s, beyond threshold %s. Forcing close.",
				p.record.PositionID, p.record.Symbol,
				position.LossFraction().StringFixed(4), price, s.emergency))
	}

	result := s.executor.ClosePosition(ctx, p.record.PositionID, reason)
	switch {
	case result.Success:
		s.triggers.Add(ctx, 1, metric.WithAttributes(
			attribute.String("layer", layer.String()),
			attribute.String("symbol", p.record.Symbol),
		))
		s.logger.Warn("protection closed position",
			"position_id", p.record.PositionID,
			"symbol", p.record.Symbol,
			"layer", layer.String(),
			"price", price,
			"stop_price", p.record.StopPrice,
			"reason", reason)
		s.teardown(p, layer, false)
		return true
	case result.Code == core.CodePositionNotFound:
		// Another layer or the exchange stop won the race.
		s.teardown(p, core.LayerNone, false)
		return true
	default:
		s.logger.Error("protection close failed, retrying next wake",
			"position_id", p.record.PositionID,
			"layer", layer.String(),
			"code", result.Code,
			"message", result.Message)
		return false
	}
}

// StopProtection cancels the exchange stop order (if any) and the monitor
// tasks for a position. Safe to call repeatedly and for unknown ids.
func (s *Supervisor) StopProtection(positionID string) error {
	s.mu.Lock()
	p, ok := s.protections[positionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.teardown(p, core.LayerNone, true)
	return nil
}

// GetProtection returns a snapshot of the protection record for a position.
// Finalized records stay readable until evicted by the retention window.
func (s *Supervisor) GetProtection(positionID string) (*core.Protection, bool) {
	s.mu.Lock()
	p, ok := s.protections[positionID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	snap := p.snapshot()
	return &snap, true
}

// ActiveCount reports how many positions are currently protected.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.protections {
		if !p.isFinalized() {
			count++
		}
	}
	return count
}

// Stop cancels every monitor task and waits for them to exit. Exchange stop
// orders are left resting so positions stay protected across a restart.
func (s *Supervisor) Stop() error {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for _, p := range s.protections {
		p.mu.Lock()
		if !p.finalized {
			p.finalized = true
			markCanceled(&p.record.Layer1)
			markCanceled(&p.record.Layer2)
			markCanceled(&p.record.Layer3)
		}
		p.mu.Unlock()
	}
	s.mu.Unlock()

	s.logger.Info("stoploss supervisor stopped")
	return nil
}

// teardown finishes a protection exactly once: records the winning layer,
// settles layer states, cancels the resting exchange stop and the monitor
// tasks. The record stays readable; only the retention window evicts it.
func (s *Supervisor) teardown(p *protection, by core.ProtectionLayer, canceled bool) {
	p.mu.Lock()
	if p.finalized {
		// A layer that closed the position can lose the teardown race to a
		// sibling's stand-down; keep the attribution either way.
		if by != core.LayerNone && p.record.TriggeredBy == core.LayerNone {
			now := time.Now().UTC()
			p.record.TriggeredBy = by
			p.record.TriggeredAt = &now
		}
		p.mu.Unlock()
		return
	}
	p.finalized = true

	if by != core.LayerNone {
		now := time.Now().UTC()
		p.record.TriggeredBy = by
		p.record.TriggeredAt = &now
		switch by {
		case core.Layer2:
			p.record.Layer2.Status = core.LayerTriggered
		case core.Layer3:
			p.record.Layer3.Status = core.LayerTriggered
		}
	}
	if canceled {
		markCanceled(&p.record.Layer1)
		markCanceled(&p.record.Layer2)
		markCanceled(&p.record.Layer3)
	} else {
		markFinalized(&p.record.Layer1)
		markFinalized(&p.record.Layer2)
		markFinalized(&p.record.Layer3)
	}
	stopOrderID := ""
	if by != core.Layer1 {
		stopOrderID = p.record.Layer1.OrderID
	}
	symbol := p.record.Symbol
	positionID := p.record.PositionID
	p.cancel()
	p.mu.Unlock()

	if stopOrderID != "" {
		callCtx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
		if err := s.exchange.CancelOrder(callCtx, stopOrderID, symbol); err != nil && !apperrors.IsNotFound(err) {
			s.logger.Warn("stop order cancel failed",
				"position_id", positionID,
				"exchange_order_id", stopOrderID,
				"error", err)
		}
		cancel()
	}

	s.retire(positionID)
	s.setGauge(symbol)
}

// retire appends a finalized record to the retention queue and evicts the
// oldest entries beyond the window.
func (s *Supervisor) retire(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, positionID)
	for len(s.finished) > retainFinalized {
		evict := s.finished[0]
		s.finished = s.finished[1:]
		// A re-armed position shares the key with its retired ancestor;
		// only evict records that are actually finished.
		if p, ok := s.protections[evict]; ok && p.isFinalized() {
			delete(s.protections, evict)
		}
	}
}

func (s *Supervisor) setGauge(symbol string) {
	count := int64(0)
	s.mu.Lock()
	for _, p := range s.protections {
		if p.record.Symbol == symbol && !p.isFinalized() {
			count++
		}
	}
	s.mu.Unlock()
	telemetry.GetGlobalMetrics().SetProtectionsActive(symbol, count)
}

func (s *Supervisor) sendAlert(ctx context.Context, level core.AlertLevel, title, message string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Send(ctx, level, title, message); err != nil {
		s.logger.Error("alert send failed", "title", title, "error", err)
	}
}

func (p *protection) snapshot() core.Protection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}

func (p *protection) isFinalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalized
}

func (p *protection) layer1OrderID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Layer1.OrderID
}

// Idle layers never entered the machine and stay idle; active ones finish.
func markFinalized(l *core.LayerState) {
	if l.Status == core.LayerActive || l.Status == core.LayerTriggered {
		l.Status = core.LayerFinalized
	}
}

func markCanceled(l *core.LayerState) {
	if l.Status == core.LayerActive {
		l.Status = core.LayerCanceled
	}
}
