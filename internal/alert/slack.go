package alert

import (
	"context"
	"fmt"
	"time"

	httpclient "rebalancer/pkg/http"

	"rebalancer/internal/core"
)

type SlackChannel struct {
	client *httpclient.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{client: httpclient.NewClient(webhookURL, 5 * time.Second)}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, n Notification) error {
	color := "#36a64f" // green
	switch n.Severity {
	case core.SeverityWarning:
		color = "#ffcc00"
	case core.SeverityCritical:
		color = "#ff0000"
	}

	var fields []map[string]interface{}
	for k, v := range n.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", n.Severity, n.Title),
				"text":    n.Message,
				"fields":  fields,
				"ts":      n.Timestamp.Unix(),
				"footer":  "Rebalancer",
			},
		},
	}

	_, err := s.client.Post(ctx, "", payload)
	return err
}
