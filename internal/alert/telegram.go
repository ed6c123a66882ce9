package alert

import (
	"context"
	"fmt"

	"perp_trader/internal/core"
	httpclient "perp_trader/pkg/http"
)

const telegramAPIURL = "https://api.telegram.org"

// TelegramChannel sends alerts as bot messages to a fixed chat, with the
// same retry behavior as the Slack channel.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *httpclient.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   httpclient.NewClient(telegramAPIURL, webhookTimeout, nil),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch alert.Level {
	case core.AlertWarning:
		icon = "⚠️"
	case core.AlertError:
		icon = "❌"
	case core.AlertCritical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		text += "\n"
		for k, v := range alert.Fields {
			text += fmt.Sprintf("\n- *%s*: %s", k, v)
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	path := fmt.Sprintf("/bot%s/sendMessage", t.botToken)
	if _, err := t.client.Post(ctx, path, payload); err != nil {
		return fmt.Errorf("telegram api: %w", err)
	}
	return nil
}
