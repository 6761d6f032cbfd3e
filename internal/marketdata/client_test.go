package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/mock"
)

func newQuoteServer(t *testing.T, price string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/quotes/AAPL":
			fmt.Fprintf(w, `{"symbol":"AAPL","price":%q}`, price)
		case "/v1/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestLatestPrice(t *testing.T) {
	srv := newQuoteServer(t, "187.23")
	defer srv.Close()

	clock := mock.NewClock(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	c := NewClient(srv.URL, 2*time.Second, clock, mock.NopLogger{})

	price, err := c.LatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "187.23", price.String())
	assert.Equal(t, clock.Now(), c.LastUpdated("AAPL"))
}

func TestLatestPrice_UnknownSymbol(t *testing.T) {
	srv := newQuoteServer(t, "187.23")
	defer srv.Close()

	clock := mock.NewClock(time.Now())
	c := NewClient(srv.URL, 2*time.Second, clock, mock.NopLogger{})

	_, err := c.LatestPrice(context.Background(), "NOPE")
	assert.Error(t, err)
	assert.True(t, c.LastUpdated("NOPE").IsZero(), "failed fetch must not mark the quote fresh")
}

func TestLatestPrice_RejectsNonPositive(t *testing.T) {
	srv := newQuoteServer(t, "0")
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, mock.NewClock(time.Now()), mock.NopLogger{})
	_, err := c.LatestPrice(context.Background(), "AAPL")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	srv := newQuoteServer(t, "1")
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, mock.NewClock(time.Now()), mock.NopLogger{})
	assert.NoError(t, c.Ping(context.Background()))

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}
