package router

import (
	"sync"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// decayAlpha is the exponential-decay weight for the rolling averages. A
// fixed window would need bookkeeping the router does not otherwise want;
// decay keeps the state to two floats per backend.
const decayAlpha = 0.2

// healthTracker is one backend's rolling health. Single writer: the router's
// record path after each attempt plus the availability prober.
type healthTracker struct {
	mu sync.Mutex

	kind         domain.BackendKind
	avgLatencyMs float64
	errorRate    float64
	available    bool
	samples      int64
}

func newHealthTracker(kind domain.BackendKind) *healthTracker {
	return &healthTracker{kind: kind, available: true}
}

// record folds one completed or failed attempt into the rolling averages.
func (t *healthTracker) record(latency time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	latencyMs := float64(latency.Milliseconds())
	failSample := 0.0
	if failed {
		failSample = 1.0
	}

	if t.samples == 0 {
		t.avgLatencyMs = latencyMs
		t.errorRate = failSample
	} else {
		t.avgLatencyMs = (1-decayAlpha)*t.avgLatencyMs + decayAlpha*latencyMs
		t.errorRate = (1-decayAlpha)*t.errorRate + decayAlpha*failSample
	}
	t.samples++
}

// setAvailable is driven by the periodic backend probe.
func (t *healthTracker) setAvailable(available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.available = available
}

// reset clears the rolling state (routing-metrics reset operation).
func (t *healthTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.avgLatencyMs = 0
	t.errorRate = 0
	t.samples = 0
	t.available = true
}

// snapshot copies the state for routing decisions and health endpoints.
func (t *healthTracker) snapshot(forced bool) domain.BackendHealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.BackendHealthState{
		Backend:      t.kind,
		AvgLatencyMs: t.avgLatencyMs,
		ErrorRate:    t.errorRate,
		Available:    t.available,
		ForcedMode:   forced,
	}
}

// Settings is the process-wide routing configuration, swapped atomically as
// one snapshot so a toggle mid-request cannot tear.
type Settings struct {
	ForceLocal         bool
	ErrorRateThreshold float64
	LatencyThresholdMs float64
}
