package alert

import (
	"context"
	"errors"
	"sync"
	"testing"

	"perp_trader/internal/core"
)

type mockChannel struct {
	name     string
	sent     []Payload
	sendFunc func(ctx context.Context, alert Payload) error
	mu       sync.Mutex
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, alert Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Payload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestManager_Alert(t *testing.T) {
	am := NewManager(&mockLogger{})

	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}

	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "Test Alert", "This is a test", core.AlertInfo, map[string]string{"key": "value"})
	am.Flush()

	sent1 := ch1.getSent()
	sent2 := ch2.getSent()

	if len(sent1) != 1 {
		t.Errorf("Expected ch1 to receive 1 alert, got %d", len(sent1))
	}
	if len(sent2) != 1 {
		t.Errorf("Expected ch2 to receive 1 alert, got %d", len(sent2))
	}

	payload := sent1[0]
	if payload.Title != "Test Alert" {
		t.Errorf("Expected title 'Test Alert', got '%s'", payload.Title)
	}
	if payload.Level != core.AlertInfo {
		t.Errorf("Expected level INFO, got %s", payload.Level)
	}
	if payload.Fields["key"] != "value" {
		t.Errorf("Expected field key=value, got %s", payload.Fields["key"])
	}
}

func TestManager_SendImplementsSink(t *testing.T) {
	var sink core.IAlertSink = NewManager(&mockLogger{})

	am := sink.(*Manager)
	ch := &mockChannel{name: "mock"}
	am.AddChannel(ch)

	if err := sink.Send(context.Background(), core.AlertCritical, "Circuit breaker tripped", "reset token: deadbeef"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	am.Flush()

	sent := ch.getSent()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(sent))
	}
	if sent[0].Level != core.AlertCritical {
		t.Errorf("Expected CRITICAL, got %s", sent[0].Level)
	}
}

func TestManager_ChannelFailureDoesNotBlockOthers(t *testing.T) {
	am := NewManager(&mockLogger{})

	failing := &mockChannel{
		name: "failing",
		sendFunc: func(ctx context.Context, alert Payload) error {
			return errors.New("webhook down")
		},
	}
	healthy := &mockChannel{name: "healthy"}

	am.AddChannel(failing)
	am.AddChannel(healthy)

	am.Alert(context.Background(), "Trip", "daily loss limit hit", core.AlertCritical, nil)
	am.Flush()

	if len(healthy.getSent()) != 1 {
		t.Errorf("Expected healthy channel to receive the alert despite sibling failure")
	}
}

func TestLogChannel_Send(t *testing.T) {
	ch := NewLogChannel(&mockLogger{})
	if ch.Name() != "log" {
		t.Errorf("Expected channel name 'log', got %s", ch.Name())
	}
	err := ch.Send(context.Background(), Payload{
		Level:   core.AlertCritical,
		Title:   "Circuit breaker tripped",
		Message: "daily pnl -184.20 CHF",
		Fields:  map[string]string{"reset_token": "a1b2c3d4e5f60708"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}
