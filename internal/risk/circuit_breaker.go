package risk

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	// resetTokenBytes yields a 16-character hex token.
	resetTokenBytes = 8

	// scheduledResetWindow is how close the wall clock must be to the
	// configured reset time for the daily reset to fire.
	scheduledResetWindow = time.Minute

	// scheduledResetDebounce prevents the 60s poll from resetting twice
	// inside the same window.
	scheduledResetDebounce = 2 * time.Minute

	resetPollInterval = 60 * time.Second
)

// CircuitBreaker is the daily-loss kill switch. Once cumulative daily P&L
// falls below the configured limit it trips, force-closes every open
// position best-effort, and stays locked until ManualReset is called with
// the token that was emitted through the alert sink.
type CircuitBreaker struct {
	logger core.ILogger
	alerts core.IAlertSink

	lossLimitCHF    decimal.Decimal
	startingBalance decimal.Decimal
	resetHour       int
	resetMinute     int

	mu         sync.Mutex
	state      core.BreakerState
	dailyPnL   decimal.Decimal
	resetToken string
	lastReset  time.Time
	trippedAt  *time.Time

	// closer is wired after construction to break the breaker->executor->
	// gate->breaker constructor cycle. Nil means trip without closing.
	closer CloseAllFunc

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CloseAllFunc force-closes every open position and reports how many
// closes were attempted and how many failed.
type CloseAllFunc func(ctx context.Context, reason string) (attempted, failed int)

var _ core.ICircuitBreaker = (*CircuitBreaker)(nil)

// NewCircuitBreaker creates a breaker in the Active state
func NewCircuitBreaker(cfg *config.Config, alerts core.IAlertSink, logger core.ILogger) *CircuitBreaker {
	ctx, cancel := context.WithCancel(context.Background())
	hour, minute := cfg.Risk.ResetTime()

	return &CircuitBreaker{
		logger:          logger.WithField("component", "circuit_breaker"),
		alerts:          alerts,
		lossLimitCHF:    cfg.Risk.LossLimitCHF(),
		startingBalance: cfg.Trading.StartingCapital(),
		resetHour:       hour,
		resetMinute:     minute,
		state:           core.BreakerActive,
		lastReset:       time.Now().UTC(),
		now:             func() time.Time { return time.Now().UTC() },
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetCloser wires the position close-all hook used during a trip
func (cb *CircuitBreaker) SetCloser(closer CloseAllFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closer = closer
}

// Start launches the daily reset scheduler
func (cb *CircuitBreaker) Start(ctx context.Context) error {
	cb.logger.Info("Starting circuit breaker",
		"loss_limit_chf", cb.lossLimitCHF,
		"reset_time_utc", fmt.Sprintf("%02d:%02d", cb.resetHour, cb.resetMinute))

	cb.wg.Add(1)
	go cb.resetLoop()
	return nil
}

// Stop cancels the reset scheduler
func (cb *CircuitBreaker) Stop() error {
	cb.logger.Info("Stopping circuit breaker")
	cb.cancel()
	cb.wg.Wait()
	return nil
}

// Allowed reports whether trading may proceed
func (cb *CircuitBreaker) Allowed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == core.BreakerActive
}

// CheckDailyLoss records the current daily P&L and trips the breaker when
// it breaches the loss limit. The trip sequence is Active -> Tripped ->
// close all open positions -> ManualResetRequired; closure failures are
// logged but never block the lockout.
func (cb *CircuitBreaker) CheckDailyLoss(ctx context.Context, currentPnLCHF decimal.Decimal) core.BreakerState {
	cb.mu.Lock()
	cb.dailyPnL = currentPnLCHF

	if cb.state != core.BreakerActive || currentPnLCHF.GreaterThanOrEqual(cb.lossLimitCHF) {
		state := cb.state
		cb.mu.Unlock()
		return state
	}

	now := cb.now()
	cb.state = core.BreakerTripped
	cb.trippedAt = &now
	closer := cb.closer
	cb.mu.Unlock()

	cb.logger.Error("Circuit breaker TRIPPED: daily loss limit breached",
		"daily_pnl_chf", currentPnLCHF,
		"loss_limit_chf", cb.lossLimitCHF)
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("daily_loss", true)

	// Close-all runs outside the lock: the closer calls back into the
	// executor, whose gate reads Allowed().
	if closer != nil {
		attempted, failed := closer(ctx, "circuit_breaker_daily_loss")
		if failed > 0 {
			cb.logger.Error("Circuit breaker could not close all positions",
				"attempted", attempted, "failed", failed)
		} else {
			cb.logger.Info("Circuit breaker closed all open positions", "attempted", attempted)
		}
	}

	token, err := newResetToken()
	if err != nil {
		// Leaves the breaker locked with no valid token until the daily
		// reset; that is the safe side of the failure.
		cb.logger.Error("Failed to generate reset token", "error", err)
	}

	cb.mu.Lock()
	cb.state = core.BreakerManualResetRequired
	cb.resetToken = token
	cb.mu.Unlock()

	if cb.alerts != nil {
		err := cb.alerts.Send(ctx, core.AlertCritical, "Circuit breaker tripped",
			fmt.Sprintf("Daily P&L %s CHF breached limit %s CHF. All trading halted. Reset token: %s",
				currentPnLCHF, cb.lossLimitCHF, token))
		if err != nil {
			// The token is only recoverable from this alert; a delivery
			// failure leaves the scheduled daily reset as the way back.
			cb.logger.Error("Failed to deliver trip alert with reset token", "error", err)
		}
	}

	return core.BreakerManualResetRequired
}

// ManualReset re-arms the breaker when called with the token that was
// emitted at trip time. The comparison is constant-time.
func (cb *CircuitBreaker) ManualReset(token string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != core.BreakerManualResetRequired || cb.resetToken == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(cb.resetToken)) != 1 {
		cb.logger.Warn("Manual reset attempted with invalid token")
		return false
	}

	cb.rearmLocked("manual_reset")
	return true
}

// Status returns a snapshot without the reset token
func (cb *CircuitBreaker) Status() core.BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var tripped *time.Time
	if cb.trippedAt != nil {
		t := *cb.trippedAt
		tripped = &t
	}
	return core.BreakerStatus{
		State:             cb.state,
		DailyPnLCHF:       cb.dailyPnL,
		DailyLossLimitCHF: cb.lossLimitCHF,
		StartingBalance:   cb.startingBalance,
		LastReset:         cb.lastReset,
		TrippedAt:         tripped,
	}
}

func (cb *CircuitBreaker) resetLoop() {
	defer cb.wg.Done()

	ticker := time.NewTicker(resetPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cb.ctx.Done():
			return
		case <-ticker.C:
			cb.checkScheduledReset()
		}
	}
}

// checkScheduledReset re-arms the breaker when the wall clock is within one
// minute of the configured reset time and no reset happened in the last two
// minutes. A new trading day starts with zeroed counters regardless of the
// previous day's state.
func (cb *CircuitBreaker) checkScheduledReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if !withinResetWindow(now, cb.resetHour, cb.resetMinute) {
		return
	}
	if now.Sub(cb.lastReset) < scheduledResetDebounce {
		return
	}

	cb.logger.Info("Daily scheduled reset", "previous_state", cb.state, "daily_pnl_chf", cb.dailyPnL)
	cb.rearmLocked("scheduled_reset")
}

func (cb *CircuitBreaker) rearmLocked(reason string) {
	cb.state = core.BreakerActive
	cb.dailyPnL = decimal.Zero
	cb.resetToken = ""
	cb.trippedAt = nil
	cb.lastReset = cb.now()

	cb.logger.Info("Circuit breaker re-armed", "reason", reason)
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("daily_loss", false)
}

// withinResetWindow reports whether now is within one minute of hh:mm UTC,
// handling the midnight wraparound.
func withinResetWindow(now time.Time, hour, minute int) bool {
	reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	diff := now.Sub(reset)
	if diff < 0 {
		diff = -diff
	}
	if wrapped := 24*time.Hour - diff; wrapped < diff {
		diff = wrapped
	}
	return diff <= scheduledResetWindow
}

func newResetToken() (string, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
