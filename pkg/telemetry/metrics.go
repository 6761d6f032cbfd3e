package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal = "rebalancer_orders_submitted_total"
	MetricOrdersFilledTotal    = "rebalancer_orders_filled_total"
	MetricOrdersRejectedTotal  = "rebalancer_orders_rejected_total"
	MetricOrdersSkippedTotal   = "rebalancer_orders_skipped_total"
	MetricTrimsTotal           = "rebalancer_guardrail_trims_total"
	MetricCommissionTotal      = "rebalancer_commission_paid_total"
	MetricEvalLatency          = "rebalancer_evaluation_latency_seconds"
	MetricPositionAllocation   = "rebalancer_position_allocation_pct"
	MetricPositionCash         = "rebalancer_position_cash"
	MetricAlertsActive         = "rebalancer_alerts_active"
)

// MetricsHolder holds initialized instruments plus the state backing the
// observable gauges.
type MetricsHolder struct {
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	OrdersSkippedTotal   metric.Int64Counter
	TrimsTotal           metric.Int64Counter
	CommissionTotal      metric.Float64Counter
	EvalLatency          metric.Float64Histogram
	PositionAllocation   metric.Float64ObservableGauge
	PositionCash         metric.Float64ObservableGauge
	AlertsActive         metric.Int64ObservableGauge

	mu            sync.RWMutex
	allocationMap map[string]float64
	cashMap       map[string]float64
	alertsActive  int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments start
// against the current global meter provider (a no-op before Setup runs);
// Setup re-registers them on the real provider.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			allocationMap: make(map[string]float64),
			cashMap:       make(map[string]float64),
		}
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("rebalancer"))
	})
	return globalMetrics
}

// SetPositionAllocation records the latest allocation pct for a position.
func (m *MetricsHolder) SetPositionAllocation(position string, alloc float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocationMap[position] = alloc
}

// SetPositionCash records the latest cash balance for a position.
func (m *MetricsHolder) SetPositionCash(position string, cash float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cashMap[position] = cash
}

// SetActiveAlerts records the current number of open alerts.
func (m *MetricsHolder) SetActiveAlerts(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertsActive = n
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total orders submitted"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}
	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected"))
	if err != nil {
		return err
	}
	m.OrdersSkippedTotal, err = meter.Int64Counter(MetricOrdersSkippedTotal, metric.WithDescription("Total evaluations skipped by the minimum-size hold policy"))
	if err != nil {
		return err
	}
	m.TrimsTotal, err = meter.Int64Counter(MetricTrimsTotal, metric.WithDescription("Total proposals trimmed by the guardrail band"))
	if err != nil {
		return err
	}
	m.CommissionTotal, err = meter.Float64Counter(MetricCommissionTotal, metric.WithDescription("Cumulative commission paid"))
	if err != nil {
		return err
	}
	m.EvalLatency, err = meter.Float64Histogram(MetricEvalLatency, metric.WithDescription("Latency of one position evaluation"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.PositionAllocation, err = meter.Float64ObservableGauge(MetricPositionAllocation, metric.WithDescription("Latest stock allocation pct per position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pos, val := range m.allocationMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position", pos)))
			}
			return nil
		}))
	if err != nil {
		return err
	}
	m.PositionCash, err = meter.Float64ObservableGauge(MetricPositionCash, metric.WithDescription("Latest cash balance per position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pos, val := range m.cashMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position", pos)))
			}
			return nil
		}))
	if err != nil {
		return err
	}
	m.AlertsActive, err = meter.Int64ObservableGauge(MetricAlertsActive, metric.WithDescription("Number of currently open alerts"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.alertsActive)
			return nil
		}))
	return err
}
