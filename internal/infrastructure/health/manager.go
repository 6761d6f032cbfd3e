// Package health aggregates component checks for the healthz endpoint. The
// engine distinguishes failures that should take the process out of rotation
// (the evaluation worker stopping) from ones it rides out on its own (the
// quote feed dropping, which pauses trading and raises an alert instead).
package health

import (
	"sort"
	"sync"

	"rebalancer/internal/core"
)

// Severity classifies how a failing check affects the service.
type Severity string

const (
	// SeverityCritical failures make the service unhealthy.
	SeverityCritical Severity = "critical"
	// SeverityDegraded failures are reported but keep the service up.
	SeverityDegraded Severity = "degraded"
)

// ComponentStatus is one component's evaluated check result.
type ComponentStatus struct {
	Component string
	Severity  Severity
	Healthy   bool
	Detail    string
}

type registration struct {
	severity Severity
	check    func() error
}

// HealthManager evaluates registered component checks on demand.
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]registration
}

// NewHealthManager creates a new health manager.
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]registration)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a check for a component. Re-registering replaces the check.
func (hm *HealthManager) Register(component string, severity Severity, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = registration{severity: severity, check: check}
}

// Report evaluates every check and returns the statuses sorted by component
// name.
func (hm *HealthManager) Report() []ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	report := make([]ComponentStatus, 0, len(hm.checks))
	for component, reg := range hm.checks {
		status := ComponentStatus{
			Component: component,
			Severity:  reg.severity,
			Healthy:   true,
		}
		if err := reg.check(); err != nil {
			status.Healthy = false
			status.Detail = err.Error()
			if hm.logger != nil && reg.severity == SeverityCritical {
				hm.logger.Warn("Critical component unhealthy", "component", component, "error", err)
			}
		}
		report = append(report, status)
	}
	sort.Slice(report, func(i, j int) bool {
		return report[i].Component < report[j].Component
	})
	return report
}

// Healthy reports whether every critical component passes its check.
func (hm *HealthManager) Healthy() bool {
	for _, status := range hm.Report() {
		if !status.Healthy && status.Severity == SeverityCritical {
			return false
		}
	}
	return true
}

// Degraded reports whether any component fails its check.
func (hm *HealthManager) Degraded() bool {
	for _, status := range hm.Report() {
		if !status.Healthy {
			return true
		}
	}
	return false
}
