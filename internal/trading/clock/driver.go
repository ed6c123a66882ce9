// Package clock drives the trading cycle cadence. The driver emits one tick
// per interval, optionally aligned to wall-clock multiples of the interval
// since UTC midnight, and guarantees cycle bodies never overlap.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp_trader/internal/core"
	"perp_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/metric"
)

// State is the lifecycle state of the driver.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateError   State = "ERROR"
	StateStopped State = "STOPPED"
)

// DefaultGracePeriod bounds how long Stop(graceful=true) waits for the
// in-flight cycle before canceling it.
const DefaultGracePeriod = 30 * time.Second

// CycleFunc is the cycle body. seq is 1-based and strictly increasing; the
// context is canceled on non-graceful stop or when the grace period expires.
type CycleFunc func(ctx context.Context, seq int64) error

// Status is a point-in-time snapshot of the driver.
type Status struct {
	State        State
	Cycles       int64
	Failures     int64
	LastTick     time.Time
	LastDuration time.Duration
}

// timer abstracts time.Timer so tests can drive ticks without sleeping.
type timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Driver schedules cycle callbacks on a fixed interval. One goroutine owns
// the schedule and runs every cycle body, so two cycles can never overlap.
// A failed cycle parks the driver in Error; ticks keep arriving and the
// first tick after retryDelay resumes normal operation.
type Driver struct {
	interval   time.Duration
	aligned    bool
	retryDelay time.Duration
	grace      time.Duration
	callback   CycleFunc
	logger     core.ILogger

	now      func() time.Time
	newTimer func(d time.Duration) timer

	mu        sync.Mutex
	state     State
	cycles    int64
	failures  int64
	lastTick  time.Time
	lastTook  time.Duration
	erroredAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	ticks  metric.Int64Counter
	drift  metric.Int64Counter
	errors metric.Int64Counter
}

// NewDriver creates an idle driver. interval must be positive; retryDelay is
// the Error-state cool-off before cycles resume.
func NewDriver(interval time.Duration, aligned bool, retryDelay time.Duration, callback CycleFunc, logger core.ILogger) *Driver {
	meter := telemetry.GetMeter("clock-driver")
	ticks, _ := meter.Int64Counter("clock_ticks_total",
		metric.WithDescription("Cycle ticks emitted by the clock driver"))
	drift, _ := meter.Int64Counter("clock_behind_schedule_total",
		metric.WithDescription("Ticks that missed their boundary because the previous cycle overran"))
	errs, _ := meter.Int64Counter("clock_cycle_failures_total",
		metric.WithDescription("Cycle callbacks that returned an error"))

	return &Driver{
		interval:   interval,
		aligned:    aligned,
		retryDelay: retryDelay,
		grace:      DefaultGracePeriod,
		callback:   callback,
		logger:     logger.WithField("component", "clock_driver"),
		now:        time.Now,
		newTimer:   func(d time.Duration) timer { return realTimer{time.NewTimer(d)} },
		state:      StateIdle,
		stopCh:     make(chan struct{}),
		ticks:      ticks,
		drift:      drift,
		errors:     errs,
	}
}

// Start launches the schedule loop. It may be called once per driver.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()
		return fmt.Errorf("clock driver already started (state %s)", d.state)
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.state = StateRunning
	d.mu.Unlock()

	first := d.firstTarget()
	d.logger.Info("Starting clock driver",
		"interval", d.interval,
		"aligned", d.aligned,
		"first_tick", first.Format(time.RFC3339))

	d.wg.Add(1)
	go d.runLoop(first)
	return nil
}

// Stop halts the schedule. With graceful=true the in-flight cycle is given
// up to the grace period to finish before its context is canceled.
func (d *Driver) Stop(graceful bool) error {
	d.mu.Lock()
	if d.state == StateIdle {
		d.state = StateStopped
		d.mu.Unlock()
		return nil
	}
	if d.state == StateStopped {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopped
	d.mu.Unlock()

	d.stopOnce.Do(func() { close(d.stopCh) })

	if !graceful {
		d.cancel()
		d.wg.Wait()
		d.logger.Info("Clock driver stopped", "graceful", false)
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.grace):
		d.logger.Warn("Graceful stop timed out, canceling in-flight cycle",
			"grace", d.grace)
		d.cancel()
		<-done
	}
	d.cancel()
	d.logger.Info("Clock driver stopped", "graceful", true)
	return nil
}

// Pause suspends cycle bodies without disturbing the schedule. Ticks that
// arrive while paused are skipped.
func (d *Driver) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateRunning || d.state == StateError {
		d.state = StatePaused
		d.logger.Info("Clock driver paused")
	}
}

// Resume reverses Pause. The next tick runs normally.
func (d *Driver) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StatePaused {
		d.state = StateRunning
		d.logger.Info("Clock driver resumed")
	}
}

// Status returns a snapshot of the driver state and counters.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		State:        d.state,
		Cycles:       d.cycles,
		Failures:     d.failures,
		LastTick:     d.lastTick,
		LastDuration: d.lastTook,
	}
}

func (d *Driver) runLoop(target time.Time) {
	defer d.wg.Done()

	for {
		delay := target.Sub(d.now())
		if delay < 0 {
			delay = 0
		}
		t := d.newTimer(delay)
		select {
		case <-d.ctx.Done():
			t.Stop()
			return
		case <-d.stopCh:
			t.Stop()
			return
		case <-t.C():
		}
		d.tick(target)
		target = d.nextTarget(target)
	}
}

// tick runs one schedule point. Paused and cooling-down Error states skip
// the body but keep the cadence.
func (d *Driver) tick(target time.Time) {
	d.ticks.Add(d.ctx, 1)

	d.mu.Lock()
	switch d.state {
	case StatePaused:
		d.mu.Unlock()
		d.logger.Debug("Tick skipped while paused", "target", target.Format(time.RFC3339))
		return
	case StateError:
		if d.now().Sub(d.erroredAt) < d.retryDelay {
			d.mu.Unlock()
			d.logger.Debug("Tick skipped during error cool-off", "target", target.Format(time.RFC3339))
			return
		}
		d.state = StateRunning
		d.logger.Info("Recovered from cycle error, resuming")
	case StateStopped:
		d.mu.Unlock()
		return
	}
	d.cycles++
	seq := d.cycles
	d.mu.Unlock()

	started := d.now()
	err := d.callback(d.ctx, seq)
	took := d.now().Sub(started)

	d.mu.Lock()
	d.lastTick = started
	d.lastTook = took
	if err != nil {
		d.failures++
		d.erroredAt = d.now()
		if d.state == StateRunning {
			d.state = StateError
		}
	}
	d.mu.Unlock()

	if err != nil {
		d.errors.Add(d.ctx, 1)
		d.logger.Error("Cycle failed",
			"cycle", seq,
			"duration", took,
			"error", err,
			"retry_delay", d.retryDelay)
		return
	}
	d.logger.Debug("Cycle complete", "cycle", seq, "duration", took)
}

// firstTarget is the first schedule point: the next wall-clock multiple of
// the interval since UTC midnight when aligned, otherwise now.
func (d *Driver) firstTarget() time.Time {
	now := d.now()
	if !d.aligned {
		return now
	}
	return nextBoundary(now, d.interval)
}

// nextTarget advances the schedule by one interval. If the cycle body overran
// the boundary, the schedule realigns: aligned drivers jump to the next
// wall-clock boundary, unaligned drivers fire immediately. Either way one
// behind-schedule warning is logged per overrun.
func (d *Driver) nextTarget(prev time.Time) time.Time {
	next := prev.Add(d.interval)
	now := d.now()
	if next.After(now) {
		return next
	}

	d.drift.Add(d.ctx, 1)
	if d.aligned {
		realigned := nextBoundary(now, d.interval)
		d.logger.Warn("Cycle behind schedule, realigning",
			"missed", next.Format(time.RFC3339),
			"next", realigned.Format(time.RFC3339))
		return realigned
	}
	d.logger.Warn("Cycle behind schedule, firing immediately",
		"missed", next.Format(time.RFC3339))
	return now
}

// nextBoundary returns the first wall-clock multiple of interval since UTC
// midnight strictly after t.
func nextBoundary(t time.Time, interval time.Duration) time.Time {
	utc := t.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := utc.Sub(midnight)
	n := elapsed / interval
	return midnight.Add((n + 1) * interval)
}
