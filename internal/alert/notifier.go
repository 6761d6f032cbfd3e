// Package alert contains the alert state machine that turns health signals
// into de-duplicated, auto-resolving alerts, and the notification channels
// that deliver them.
package alert

import (
	"context"
	"sync"
	"time"

	"rebalancer/internal/core"
)

// Notification is what gets pushed to the configured channels when an alert
// is created or resolved.
type Notification struct {
	Severity  core.Severity
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers notifications to one destination.
type Channel interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Notifier fans a notification out to every channel. Delivery is async with
// a per-channel timeout; alerting must never block the evaluation path.
type Notifier struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewNotifier(logger core.ILogger) *Notifier {
	return &Notifier{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_notifier"),
	}
}

func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
	n.logger.Info("Added alert channel", "name", ch.Name())
}

func (n *Notifier) Notify(ctx context.Context, note Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(timeoutCtx, note); err != nil {
				n.logger.Error("Failed to send notification", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
