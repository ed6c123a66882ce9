package alert

import (
	"context"

	"perp_trader/internal/core"
)

// LogChannel writes alerts to the structured log. It is always registered so
// a circuit breaker trip (and its reset token) survives even when no webhook
// is configured.
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alert_log")}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, alert Payload) error {
	kv := []interface{}{"title", alert.Title, "message", alert.Message}
	for k, v := range alert.Fields {
		kv = append(kv, k, v)
	}

	switch alert.Level {
	case core.AlertWarning:
		l.logger.Warn("ALERT", kv...)
	case core.AlertError, core.AlertCritical:
		l.logger.Error("ALERT", kv...)
	default:
		l.logger.Info("ALERT", kv...)
	}
	return nil
}
