// Package health derives the pipeline-wide health rollup from the consumers'
// self-reported state and the downstream dependency probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// Component is one probed sub-component: a consumer or a dependency.
type Component struct {
	Name  string
	Check func(ctx context.Context) error
}

// Rollup is one evaluation of overall health.
type Rollup struct {
	Status         domain.HealthStatus `json:"status"`
	Components     map[string]string   `json:"components"`
	UnhealthyCount int                 `json:"unhealthy_count"`
	CheckedAt      time.Time           `json:"checked_at"`
}

// Aggregator polls all registered components.
type Aggregator struct {
	components []Component
}

// New creates an aggregator over the given components.
func New(components ...Component) *Aggregator {
	return &Aggregator{components: components}
}

// Evaluate probes every component and applies the status rule:
// 0 unhealthy is healthy, 1-2 is degraded, 3 or more is unhealthy.
func (a *Aggregator) Evaluate(ctx context.Context) *Rollup {
	rollup := &Rollup{
		Components: make(map[string]string, len(a.components)),
		CheckedAt:  time.Now(),
	}

	for _, c := range a.components {
		if err := c.Check(ctx); err != nil {
			rollup.Components[c.Name] = err.Error()
			rollup.UnhealthyCount++
		} else {
			rollup.Components[c.Name] = string(domain.HealthStatusHealthy)
		}
	}

	switch {
	case rollup.UnhealthyCount == 0:
		rollup.Status = domain.HealthStatusHealthy
	case rollup.UnhealthyCount <= 2:
		rollup.Status = domain.HealthStatusDegraded
	default:
		rollup.Status = domain.HealthStatusUnhealthy
	}
	return rollup
}

// HTTPStatus maps the rollup to the externally surfaced status code:
// healthy and degraded serve 200, unhealthy serves 503.
func HTTPStatus(status domain.HealthStatus) int {
	if status == domain.HealthStatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
