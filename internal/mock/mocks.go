// Package mock provides shared test doubles for the engine packages.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/core"
)

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{})                   {}
func (NopLogger) Info(string, ...interface{})                    {}
func (NopLogger) Warn(string, ...interface{})                    {}
func (NopLogger) Error(string, ...interface{})                   {}
func (NopLogger) Fatal(string, ...interface{})                   {}
func (n NopLogger) WithField(string, interface{}) core.ILogger   { return n }
func (n NopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

// Clock is a settable fake clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// PriceSource serves fixed prices per symbol.
type PriceSource struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	updated map[string]time.Time
	Err     error
}

func NewPriceSource() *PriceSource {
	return &PriceSource{
		prices:  make(map[string]decimal.Decimal),
		updated: make(map[string]time.Time),
	}
}

func (p *PriceSource) Set(symbol string, price decimal.Decimal, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.updated[symbol] = at
}

func (p *PriceSource) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return decimal.Zero, p.Err
	}
	return p.prices[symbol], nil
}

func (p *PriceSource) LastUpdated(symbol string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updated[symbol]
}
