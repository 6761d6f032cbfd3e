package alert

import (
	"context"
	"time"

	"rebalancer/internal/core"
	"rebalancer/pkg/telemetry"

	"github.com/google/uuid"
)

// Signals is the health snapshot a check cycle evaluates. Every predicate is
// pure over one snapshot; the checker owns all state transitions.
type Signals struct {
	WorkerRunning        bool
	LastEvaluation       time.Time
	RecentRejections     int
	RecentGuardrailSkips int
	PriceUpdatedAt       time.Time
	BrokerReachable      bool
}

// SignalSource supplies the current signals, typically the worker's stats
// combined with the health manager.
type SignalSource interface {
	Snapshot(ctx context.Context) Signals
}

// Thresholds configure when conditions fire. A zero count or duration
// disables its check.
type Thresholds struct {
	EvaluationStallAfter time.Duration
	RejectionSpikeCount  int
	GuardrailSkipCount   int
	PriceStaleAfter      time.Duration
}

type conditionCheck struct {
	condition core.Condition
	severity  core.Severity
	title     string
	predicate func(s Signals, now time.Time) bool
}

// Checker is the alert state machine. For each condition per cycle: firing
// with no open alert creates one; not firing with an open alert resolves it;
// firing while already open is a no-op. Resolved alerts stay in history and
// are never resurrected - a re-fire creates a fresh alert id.
type Checker struct {
	store    core.AlertStore
	source   SignalSource
	notifier *Notifier
	clock    core.Clock
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	checks   []conditionCheck
}

// NewChecker builds a checker. inMarketHours gates the evaluation-stall
// check; outside market hours a quiet worker is expected, not an incident.
func NewChecker(
	store core.AlertStore,
	source SignalSource,
	notifier *Notifier,
	clock core.Clock,
	logger core.ILogger,
	thresholds Thresholds,
	inMarketHours func(time.Time) bool,
) *Checker {
	checks := []conditionCheck{
		{
			condition: core.ConditionWorkerStopped,
			severity:  core.SeverityCritical,
			title:     "Evaluation worker is not running",
			predicate: func(s Signals, now time.Time) bool {
				return !s.WorkerRunning
			},
		},
		{
			condition: core.ConditionEvaluationStalled,
			severity:  core.SeverityWarning,
			title:     "No evaluations completed recently",
			predicate: func(s Signals, now time.Time) bool {
				if thresholds.EvaluationStallAfter <= 0 || !inMarketHours(now) {
					return false
				}
				return s.WorkerRunning && !s.LastEvaluation.IsZero() &&
					now.Sub(s.LastEvaluation) > thresholds.EvaluationStallAfter
			},
		},
		{
			condition: core.ConditionRejectionSpike,
			severity:  core.SeverityWarning,
			title:     "Order rejections spiking",
			predicate: func(s Signals, now time.Time) bool {
				return thresholds.RejectionSpikeCount > 0 && s.RecentRejections >= thresholds.RejectionSpikeCount
			},
		},
		{
			condition: core.ConditionGuardrailSkips,
			severity:  core.SeverityInfo,
			title:     "Evaluations repeatedly skipped by guardrails",
			predicate: func(s Signals, now time.Time) bool {
				return thresholds.GuardrailSkipCount > 0 && s.RecentGuardrailSkips >= thresholds.GuardrailSkipCount
			},
		},
		{
			condition: core.ConditionPriceStale,
			severity:  core.SeverityWarning,
			title:     "Market data is stale",
			predicate: func(s Signals, now time.Time) bool {
				if thresholds.PriceStaleAfter <= 0 || s.PriceUpdatedAt.IsZero() {
					return false
				}
				return now.Sub(s.PriceUpdatedAt) > thresholds.PriceStaleAfter
			},
		},
		{
			condition: core.ConditionBrokerUnreachable,
			severity:  core.SeverityCritical,
			title:     "Broker is unreachable",
			predicate: func(s Signals, now time.Time) bool {
				return !s.BrokerReachable
			},
		},
	}

	return &Checker{
		store:    store,
		source:   source,
		notifier: notifier,
		clock:    clock,
		logger:   logger.WithField("component", "alert_checker"),
		metrics:  telemetry.GetGlobalMetrics(),
		checks:   checks,
	}
}

// RunOnce evaluates every condition against one signal snapshot. Conditions
// are independent; one cycle may create and resolve several alerts.
func (c *Checker) RunOnce(ctx context.Context) error {
	signals := c.source.Snapshot(ctx)
	now := c.clock.Now().UTC()

	for _, check := range c.checks {
		active, err := c.store.FindActiveByCondition(ctx, check.condition)
		if err != nil {
			return err
		}
		firing := check.predicate(signals, now)

		switch {
		case firing && active == nil:
			if err := c.raise(ctx, check, now); err != nil {
				return err
			}
		case !firing && active != nil:
			if err := c.resolve(ctx, active, now); err != nil {
				return err
			}
		}
	}

	open, err := c.store.ListActive(ctx)
	if err != nil {
		return err
	}
	c.metrics.SetActiveAlerts(int64(len(open)))
	return nil
}

// Run evaluates on a fixed interval until the context is canceled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				c.logger.Error("Alert check cycle failed", "error", err)
			}
		}
	}
}

func (c *Checker) raise(ctx context.Context, check conditionCheck, now time.Time) error {
	alert := &core.Alert{
		ID:        uuid.NewString(),
		Condition: check.condition,
		Severity:  check.severity,
		Status:    core.AlertActive,
		Title:     check.title,
		CreatedAt: now,
	}
	if err := c.store.Save(ctx, alert); err != nil {
		return err
	}
	c.logger.Warn("Alert raised", "condition", check.condition, "alert_id", alert.ID, "severity", check.severity)
	if c.notifier != nil {
		c.notifier.Notify(ctx, Notification{
			Severity:  check.severity,
			Title:     check.title,
			Message:   "condition " + string(check.condition) + " is firing",
			Timestamp: now,
			Fields:    map[string]string{"alert_id": alert.ID},
		})
	}
	return nil
}

func (c *Checker) resolve(ctx context.Context, alert *core.Alert, now time.Time) error {
	alert.Status = core.AlertResolved
	alert.ResolvedAt = &now
	if err := c.store.Save(ctx, alert); err != nil {
		return err
	}
	c.logger.Info("Alert resolved", "condition", alert.Condition, "alert_id", alert.ID)
	if c.notifier != nil {
		c.notifier.Notify(ctx, Notification{
			Severity:  core.SeverityInfo,
			Title:     "Resolved: " + alert.Title,
			Message:   "condition " + string(alert.Condition) + " has cleared",
			Timestamp: now,
			Fields:    map[string]string{"alert_id": alert.ID},
		})
	}
	return nil
}
