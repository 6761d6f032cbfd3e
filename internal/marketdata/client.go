// Package marketdata fetches quotes from the external quote service. Prices
// feed evaluation; fetch, retry and caching all live here so the engine only
// sees the PriceSource interface.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/core"
	httpclient "rebalancer/pkg/http"
)

type quoteResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Client implements core.PriceSource over the quote service HTTP API.
type Client struct {
	client *httpclient.Client
	clock  core.Clock
	logger core.ILogger

	mu      sync.RWMutex
	updated map[string]time.Time
}

// NewClient builds a quote client. The underlying HTTP client retries and
// circuit-breaks on its own.
func NewClient(baseURL string, timeout time.Duration, clock core.Clock, logger core.ILogger) *Client {
	return &Client{
		client:  httpclient.NewClient(baseURL, timeout),
		clock:   clock,
		logger:  logger.WithField("component", "marketdata"),
		updated: make(map[string]time.Time),
	}
}

// LatestPrice fetches the current quote for a symbol.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := c.client.Get(ctx, "/v1/quotes/"+symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote fetch for %s: %w", symbol, err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("quote decode for %s: %w", symbol, err)
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote parse for %s: %w", symbol, err)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive quote %s for %s", price, symbol)
	}

	c.mu.Lock()
	c.updated[symbol] = c.clock.Now()
	c.mu.Unlock()
	return price, nil
}

// LastUpdated reports when a symbol's quote was last fetched successfully.
func (c *Client) LastUpdated(symbol string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated[symbol]
}

// Ping checks reachability of the quote service for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.Get(ctx, "/v1/health")
	return err
}
