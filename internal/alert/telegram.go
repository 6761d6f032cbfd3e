package alert

import (
	"context"
	"fmt"
	"time"

	httpclient "rebalancer/pkg/http"

	"rebalancer/internal/core"
)

type TelegramChannel struct {
	chatID string
	client *httpclient.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		chatID: chatID,
		client: httpclient.NewClient(fmt.Sprintf("https://api.telegram.org/bot%s", botToken), 5 * time.Second),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, n Notification) error {
	icon := "ℹ️"
	switch n.Severity {
	case core.SeverityWarning:
		icon = "⚠️"
	case core.SeverityCritical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, n.Severity, n.Title, n.Message)
	if len(n.Fields) > 0 {
		text += "\n"
		for k, v := range n.Fields {
			text += fmt.Sprintf("\n- *%s*: %s", k, v)
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	_, err := t.client.Post(ctx, "/sendMessage", payload)
	return err
}
