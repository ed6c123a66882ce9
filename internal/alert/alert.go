// Package alert fans operator alerts out to the configured channels.
package alert

import (
	"context"
	"sync"
	"time"

	"perp_trader/internal/core"
)

type Payload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager implements core.IAlertSink over a set of channels. Delivery is
// asynchronous; the trading path never blocks on alert transport.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Send implements core.IAlertSink.
func (m *Manager) Send(ctx context.Context, level core.AlertLevel, title, message string) error {
	m.Alert(ctx, title, message, level, nil)
	return nil
}

func (m *Manager) Alert(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "title", title, "level", level)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		m.wg.Add(1)
		go func(c Channel) {
			defer m.wg.Done()
			// Each channel gets its own delivery deadline.
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Flush blocks until all in-flight deliveries have finished. Used on shutdown
// so a trip alert is not lost to process exit.
func (m *Manager) Flush() {
	m.wg.Wait()
}
