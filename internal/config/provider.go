package config

import (
	"context"

	"github.com/shopspring/decimal"

	"rebalancer/internal/core"
)

// PolicyOverride replaces selected policy fields for a scope of positions.
// Scope is matched by tenant, then portfolio, then position id; empty
// components act as wildcards. Overrides never merge with the position's
// embedded policies field by field across tiers: the most specific matching
// override supplies a field, or the position's embedded value stands.
type PolicyOverride struct {
	TenantID    string `yaml:"tenant_id"`
	PortfolioID string `yaml:"portfolio_id"`
	PositionID  string `yaml:"position_id"`

	MinStockAllocPct *float64 `yaml:"min_stock_alloc_pct"`
	MaxStockAllocPct *float64 `yaml:"max_stock_alloc_pct"`
	MaxOrdersPerDay  *int     `yaml:"max_orders_per_day"`
	UnlimitedOrders  *bool    `yaml:"unlimited_orders"`

	TriggerThresholdPct *float64 `yaml:"trigger_threshold_pct"`
	RebalanceRatio      *float64 `yaml:"rebalance_ratio"`
	MinQty              *float64 `yaml:"min_qty"`
	MinNotional         *float64 `yaml:"min_notional"`
	LotSize             *float64 `yaml:"lot_size"`
	ActionBelowMin      *string  `yaml:"action_below_min"`
	CommissionRate      *float64 `yaml:"commission_rate"`
	AllowAfterHours     *bool    `yaml:"allow_after_hours"`
}

func (o *PolicyOverride) matches(key core.PositionKey) bool {
	if o.TenantID != "" && o.TenantID != key.TenantID {
		return false
	}
	if o.PortfolioID != "" && o.PortfolioID != key.PortfolioID {
		return false
	}
	if o.PositionID != "" && o.PositionID != key.PositionID {
		return false
	}
	return true
}

// specificity orders matching overrides so the most targeted one is applied
// last. Position id beats portfolio beats tenant.
func (o *PolicyOverride) specificity() int {
	s := 0
	if o.TenantID != "" {
		s++
	}
	if o.PortfolioID != "" {
		s += 2
	}
	if o.PositionID != "" {
		s += 4
	}
	return s
}

// Provider resolves effective policies by layering configured overrides on
// top of the defaults embedded in each position.
type Provider struct {
	overrides []PolicyOverride
}

// NewProvider builds a Provider from the configured override list.
func NewProvider(overrides []PolicyOverride) *Provider {
	return &Provider{overrides: overrides}
}

// Resolve implements core.PolicyProvider.
func (p *Provider) Resolve(_ context.Context, key core.PositionKey, pos *core.Position) (core.GuardrailPolicy, core.OrderPolicy) {
	guardrail := pos.Guardrail
	policy := pos.Policy

	for _, o := range p.sortedMatches(key) {
		applyOverride(o, &guardrail, &policy)
	}
	return guardrail, policy
}

func (p *Provider) sortedMatches(key core.PositionKey) []*PolicyOverride {
	var matches []*PolicyOverride
	for i := range p.overrides {
		if p.overrides[i].matches(key) {
			matches = append(matches, &p.overrides[i])
		}
	}
	// Insertion sort keeps config order stable among equal specificities.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j-1].specificity() > matches[j].specificity(); j-- {
			matches[j-1], matches[j] = matches[j], matches[j-1]
		}
	}
	return matches
}

func applyOverride(o *PolicyOverride, g *core.GuardrailPolicy, op *core.OrderPolicy) {
	if o.MinStockAllocPct != nil {
		g.MinStockAllocPct = decimal.NewFromFloat(*o.MinStockAllocPct)
	}
	if o.MaxStockAllocPct != nil {
		g.MaxStockAllocPct = decimal.NewFromFloat(*o.MaxStockAllocPct)
	}
	if o.UnlimitedOrders != nil && *o.UnlimitedOrders {
		g.MaxOrdersPerDay = core.UnlimitedDailyCap()
	} else if o.MaxOrdersPerDay != nil {
		g.MaxOrdersPerDay = core.DailyCap{Limit: *o.MaxOrdersPerDay}
	}

	if o.TriggerThresholdPct != nil {
		op.TriggerThresholdPct = decimal.NewFromFloat(*o.TriggerThresholdPct)
	}
	if o.RebalanceRatio != nil {
		op.RebalanceRatio = decimal.NewFromFloat(*o.RebalanceRatio)
	}
	if o.MinQty != nil {
		op.MinQty = decimal.NewFromFloat(*o.MinQty)
	}
	if o.MinNotional != nil {
		op.MinNotional = decimal.NewFromFloat(*o.MinNotional)
	}
	if o.LotSize != nil {
		op.LotSize = decimal.NewFromFloat(*o.LotSize)
	}
	if o.ActionBelowMin != nil {
		op.ActionBelowMin = core.BelowMinAction(*o.ActionBelowMin)
	}
	if o.CommissionRate != nil {
		op.CommissionRate = decimal.NewFromFloat(*o.CommissionRate)
	}
	if o.AllowAfterHours != nil {
		op.AllowAfterHours = *o.AllowAfterHours
	}
}
