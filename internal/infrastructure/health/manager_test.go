package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/mock"
)

func failing(msg string) func() error {
	return func() error { return fmt.Errorf("%s", msg) }
}

func passing() error { return nil }

func TestHealthManager_EmptyIsHealthy(t *testing.T) {
	hm := NewHealthManager(mock.NopLogger{})
	assert.True(t, hm.Healthy())
	assert.False(t, hm.Degraded())
	assert.Empty(t, hm.Report())
}

func TestHealthManager_CriticalFailureIsUnhealthy(t *testing.T) {
	hm := NewHealthManager(mock.NopLogger{})
	hm.Register("worker", SeverityCritical, passing)
	assert.True(t, hm.Healthy())

	hm.Register("worker", SeverityCritical, failing("worker not running"))
	assert.False(t, hm.Healthy())
	assert.True(t, hm.Degraded())
}

func TestHealthManager_DegradedFailureStaysHealthy(t *testing.T) {
	hm := NewHealthManager(mock.NopLogger{})
	hm.Register("worker", SeverityCritical, passing)
	hm.Register("quotes", SeverityDegraded, failing("quote feed unreachable"))

	assert.True(t, hm.Healthy(), "a degraded component must not take the service down")
	assert.True(t, hm.Degraded())
}

func TestHealthManager_ReportDetail(t *testing.T) {
	hm := NewHealthManager(mock.NopLogger{})
	hm.Register("worker", SeverityCritical, passing)
	hm.Register("quotes", SeverityDegraded, failing("connection refused"))

	report := hm.Report()
	require.Len(t, report, 2)

	// Sorted by component name.
	assert.Equal(t, "quotes", report[0].Component)
	assert.Equal(t, SeverityDegraded, report[0].Severity)
	assert.False(t, report[0].Healthy)
	assert.Equal(t, "connection refused", report[0].Detail)

	assert.Equal(t, "worker", report[1].Component)
	assert.True(t, report[1].Healthy)
	assert.Empty(t, report[1].Detail)
}
