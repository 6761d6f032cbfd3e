// Package core defines the domain types and interfaces shared across the
// rebalancing engine.
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus tracks the order lifecycle. Submitted is the only non-terminal
// status; terminal orders are never mutated again.
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCanceled  OrderStatus = "canceled"
	OrderSkipped   OrderStatus = "skipped"
)

// IsTerminal reports whether the status permits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCanceled || s == OrderSkipped
}

// BelowMinAction selects what happens when a planned quantity falls below the
// configured minimum quantity or notional.
type BelowMinAction string

const (
	BelowMinHold   BelowMinAction = "hold"
	BelowMinReject BelowMinAction = "reject"
	BelowMinClip   BelowMinAction = "clip"
)

// DailyCap bounds the number of orders a position may submit per calendar
// day. The zero value allows no orders at all; use UnlimitedDailyCap for no
// cap. Keeping the two cases distinct avoids the "does 0 mean unlimited"
// ambiguity.
type DailyCap struct {
	Unlimited bool `yaml:"unlimited" json:"unlimited"`
	Limit     int  `yaml:"limit" json:"limit"`
}

// UnlimitedDailyCap returns a cap that never rejects.
func UnlimitedDailyCap() DailyCap {
	return DailyCap{Unlimited: true}
}

// Allows reports whether one more order may be created given the number of
// orders already counted for the day.
func (c DailyCap) Allows(existing int) bool {
	if c.Unlimited {
		return true
	}
	return existing < c.Limit
}

// GuardrailPolicy is the allocation band and daily cap applied to a position.
// Read as an immutable snapshot per evaluation.
type GuardrailPolicy struct {
	MinStockAllocPct decimal.Decimal `json:"min_stock_alloc_pct"`
	MaxStockAllocPct decimal.Decimal `json:"max_stock_alloc_pct"`
	MaxOrdersPerDay  DailyCap        `json:"max_orders_per_day"`
}

// Contains reports whether an allocation percentage lies inside the band.
func (g GuardrailPolicy) Contains(alloc decimal.Decimal) bool {
	return alloc.GreaterThanOrEqual(g.MinStockAllocPct) && alloc.LessThanOrEqual(g.MaxStockAllocPct)
}

// OrderPolicy holds the trigger and sizing parameters for a position.
type OrderPolicy struct {
	TriggerThresholdPct decimal.Decimal `json:"trigger_threshold_pct"`
	RebalanceRatio      decimal.Decimal `json:"rebalance_ratio"`
	MinQty              decimal.Decimal `json:"min_qty"`
	MinNotional         decimal.Decimal `json:"min_notional"`
	LotSize             decimal.Decimal `json:"lot_size"`
	ActionBelowMin      BelowMinAction  `json:"action_below_min"`
	CommissionRate      decimal.Decimal `json:"commission_rate"`
	AllowAfterHours     bool            `json:"allow_after_hours"`
}

// PositionKey identifies a position within a tenant's portfolio.
type PositionKey struct {
	TenantID    string `json:"tenant_id"`
	PortfolioID string `json:"portfolio_id"`
	PositionID  string `json:"position_id"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.PortfolioID, k.PositionID)
}

// Position is the engine's view of a single holding. Only the order lifecycle
// manager mutates Qty, Cash and the cumulative counters, and only on fill.
type Position struct {
	Key    PositionKey `json:"key"`
	Symbol string      `json:"symbol"`

	Qty         decimal.Decimal  `json:"qty"`
	Cash        decimal.Decimal  `json:"cash"`
	AnchorPrice *decimal.Decimal `json:"anchor_price,omitempty"`
	AvgCost     *decimal.Decimal `json:"avg_cost,omitempty"`

	Guardrail GuardrailPolicy `json:"guardrail"`
	Policy    OrderPolicy     `json:"policy"`

	TotalCommissionPaid    decimal.Decimal `json:"total_commission_paid"`
	TotalDividendsReceived decimal.Decimal `json:"total_dividends_received"`

	Enabled bool `json:"enabled"`
}

// Order is a single submission against a position.
type Order struct {
	ID             string          `json:"id"`
	Position       PositionKey     `json:"position"`
	Side           Side            `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	Status         OrderStatus     `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Trade is the immutable record of a fill. One order produces at most one
// trade.
type Trade struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	Position   PositionKey     `json:"position"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// IdempotencyMapping binds a caller-supplied key to the order it created and
// the hash of the request that created it. Never mutated once written.
type IdempotencyMapping struct {
	Key       string `json:"key"`
	OrderID   string `json:"order_id"`
	Signature string `json:"signature"`
}

// Condition enumerates the failure modes the alert checker monitors.
type Condition string

const (
	ConditionWorkerStopped     Condition = "worker_stopped"
	ConditionEvaluationStalled Condition = "evaluation_stalled"
	ConditionRejectionSpike    Condition = "rejection_spike"
	ConditionGuardrailSkips    Condition = "guardrail_skips"
	ConditionPriceStale        Condition = "price_stale"
	ConditionBrokerUnreachable Condition = "broker_unreachable"
)

// Severity of an alert, fixed per condition type.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus tracks the alert lifecycle. Resolved alerts are never
// resurrected; a new occurrence gets a new alert id.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is one occurrence of a monitored condition.
type Alert struct {
	ID             string            `json:"id"`
	Condition      Condition         `json:"condition"`
	Severity       Severity          `json:"severity"`
	Status         AlertStatus       `json:"status"`
	Title          string            `json:"title"`
	Detail         string            `json:"detail"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the alert still counts for de-duplication.
func (a *Alert) IsOpen() bool {
	return a.Status == AlertActive || a.Status == AlertAcknowledged
}
