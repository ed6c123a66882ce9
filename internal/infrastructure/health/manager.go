// Package health aggregates component health checks and polls them on a
// fixed cadence. Transitions are logged and pushed to the alert sink so a
// stalled feed or broken store surfaces without anyone watching the logs.
package health

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"perp_trader/internal/core"
)

const defaultInterval = 30 * time.Second

// Monitor runs registered health checks periodically and tracks the last
// observed state per component.
type Monitor struct {
	logger   core.ILogger
	alerts   core.IAlertSink
	interval time.Duration

	mu      sync.RWMutex
	checks  map[string]func() error
	healthy map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor. The alert sink may be nil; transitions
// are then only logged.
func NewMonitor(logger core.ILogger, alerts core.IAlertSink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		logger:   logger.WithField("component", "health_monitor"),
		alerts:   alerts,
		interval: interval,
		checks:   make(map[string]func() error),
		healthy:  make(map[string]bool),
	}
}

// Register adds a health check for a component. Components start out
// healthy; the first failing poll flips them.
func (m *Monitor) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
	m.healthy[component] = true
}

// Start begins periodic polling.
func (m *Monitor) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.runLoop()
	m.logger.WithField("interval", m.interval.String()).Info("Health monitor started")
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

func (m *Monitor) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.poll(m.ctx)
		}
	}
}

// poll runs every check once and reports transitions.
func (m *Monitor) poll(ctx context.Context) {
	for component, check := range m.snapshotChecks() {
		err := check()

		m.mu.Lock()
		was := m.healthy[component]
		m.healthy[component] = err == nil
		m.mu.Unlock()

		switch {
		case err != nil && was:
			m.logger.WithFields(map[string]interface{}{
				"check": component,
				"error": err.Error(),
			}).Error("Component went unhealthy")
			if m.alerts != nil {
				_ = m.alerts.Send(ctx, core.AlertError, "Health check failed",
					component+": "+err.Error())
			}
		case err == nil && !was:
			m.logger.WithField("check", component).Info("Component recovered")
			if m.alerts != nil {
				_ = m.alerts.Send(ctx, core.AlertInfo, "Health check recovered", component)
			}
		}
	}
}

func (m *Monitor) snapshotChecks() map[string]func() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	checks := make(map[string]func() error, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	return checks
}

// Snapshot reports the current result of every registered check, keyed by
// component name. Checks run synchronously.
func (m *Monitor) Snapshot() map[string]string {
	status := make(map[string]string)
	for component, check := range m.snapshotChecks() {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// Healthy reports whether every registered check currently passes.
func (m *Monitor) Healthy() bool {
	for _, check := range m.snapshotChecks() {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Summary renders a stable one-line status, for startup logs.
func (m *Monitor) Summary() string {
	status := m.Snapshot()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+status[name])
	}
	return strings.Join(parts, " ")
}
