package router

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// stubBackend scripts per-call results. Calls beyond the script repeat the
// last entry.
type stubBackend struct {
	kind    domain.BackendKind
	results []error
	calls   int
}

func (s *stubBackend) Kind() domain.BackendKind { return s.kind }

func (s *stubBackend) Generate(ctx context.Context, req *domain.InferenceRequest) (string, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	if idx >= 0 && s.results[idx] != nil {
		return "", s.results[idx]
	}
	return string(s.kind) + " reply", nil
}

func (s *stubBackend) CheckHealth(ctx context.Context) error { return nil }

func routerConfig() *config.Config {
	return &config.Config{
		InferenceTimeout:   time.Second,
		ErrorRateThreshold: 0.5,
		LatencyThresholdMs: 3000,
	}
}

func newTestRouter(local, remote *stubBackend) *Router {
	return New(local, remote, routerConfig())
}

func TestRouteDefaultsToHealthyLocal(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal}
	remote := &stubBackend{kind: domain.BackendRemote}
	r := newTestRouter(local, remote)

	resp := r.Generate(context.Background(), &domain.InferenceRequest{Prompt: "hello"})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.BackendUsed != domain.BackendLocal {
		t.Fatalf("expected local backend, got %s", resp.BackendUsed)
	}
	if local.calls != 1 || remote.calls != 0 {
		t.Fatalf("unexpected call distribution: local=%d remote=%d", local.calls, remote.calls)
	}
}

func TestRoutingOverrideWins(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal}
	remote := &stubBackend{kind: domain.BackendRemote}
	r := newTestRouter(local, remote)
	r.SetForceLocal(true)

	resp := r.Generate(context.Background(), &domain.InferenceRequest{
		Prompt:          "hello",
		RoutingOverride: domain.BackendRemote,
	})
	if resp.BackendUsed != domain.BackendRemote {
		t.Fatalf("override ignored: routed to %s", resp.BackendUsed)
	}
	if remote.calls != 1 {
		t.Fatalf("remote calls = %d, want 1", remote.calls)
	}
}

func TestForceLocalPinsRoutingDespiteUnhealthyLocal(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal}
	remote := &stubBackend{kind: domain.BackendRemote}
	r := newTestRouter(local, remote)

	// Drive local error rate past the threshold.
	for i := 0; i < 5; i++ {
		r.localHealth.record(10*time.Millisecond, true)
	}
	if got := r.route(&domain.InferenceRequest{}); got != domain.BackendRemote {
		t.Fatalf("unhealthy local should route remote, got %s", got)
	}

	r.SetForceLocal(true)
	if got := r.route(&domain.InferenceRequest{}); got != domain.BackendLocal {
		t.Fatalf("force-local ignored, routed %s", got)
	}
	if !r.Metrics().Local.ForcedMode {
		t.Fatalf("local health should report forced mode")
	}
}

func TestRouteAvoidsSlowLocal(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal}
	remote := &stubBackend{kind: domain.BackendRemote}
	r := newTestRouter(local, remote)

	for i := 0; i < 10; i++ {
		r.localHealth.record(10*time.Second, false)
	}
	if got := r.route(&domain.InferenceRequest{}); got != domain.BackendRemote {
		t.Fatalf("slow local should route remote, got %s", got)
	}
}

func TestHardFailureFallsBackOnce(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal, results: []error{fmt.Errorf("model not loaded")}}
	remote := &stubBackend{kind: domain.BackendRemote}
	r := newTestRouter(local, remote)

	resp := r.Generate(context.Background(), &domain.InferenceRequest{Prompt: "hello"})
	if !resp.Success {
		t.Fatalf("expected fallback success, got %+v", resp)
	}
	if resp.BackendUsed != domain.BackendRemote {
		t.Fatalf("expected remote after fallback, got %s", resp.BackendUsed)
	}
	if local.calls != 1 || remote.calls != 1 {
		t.Fatalf("unexpected call distribution: local=%d remote=%d", local.calls, remote.calls)
	}

	m := r.Metrics()
	if m.FallbackTriggers != 1 {
		t.Fatalf("fallback triggers = %d, want 1", m.FallbackTriggers)
	}
	if m.TotalErrors != 1 {
		t.Fatalf("total errors = %d, want 1", m.TotalErrors)
	}
}

func TestBothBackendsHardFailReturnsStructuredFailure(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal, results: []error{fmt.Errorf("model not loaded")}}
	remote := &stubBackend{kind: domain.BackendRemote, results: []error{fmt.Errorf("401 unauthorized")}}
	r := newTestRouter(local, remote)

	resp := r.Generate(context.Background(), &domain.InferenceRequest{Prompt: "hello"})
	if resp.Success {
		t.Fatalf("expected failure response")
	}
	if !strings.Contains(resp.Error, "model not loaded") || !strings.Contains(resp.Error, "401 unauthorized") {
		t.Fatalf("failure response missing per-backend errors: %q", resp.Error)
	}
	if local.calls != 1 || remote.calls != 1 {
		t.Fatalf("hard failure should not retry the same backend: local=%d remote=%d", local.calls, remote.calls)
	}
}

func TestTimeoutRetriesThenEscalates(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal, results: []error{
		context.DeadlineExceeded,
		context.DeadlineExceeded,
	}}
	remote := &stubBackend{kind: domain.BackendRemote}
	r := newTestRouter(local, remote)

	resp := r.Generate(context.Background(), &domain.InferenceRequest{Prompt: "hello"})
	if !resp.Success {
		t.Fatalf("expected success after escalation, got %+v", resp)
	}
	if resp.BackendUsed != domain.BackendRemote {
		t.Fatalf("expected remote after repeated timeouts, got %s", resp.BackendUsed)
	}
	// First timeout retries the same backend; the second escalates.
	if local.calls != 2 {
		t.Fatalf("local calls = %d, want 2", local.calls)
	}
	if remote.calls != 1 {
		t.Fatalf("remote calls = %d, want 1", remote.calls)
	}
}

func TestTimeoutRetriesSameBackendFirst(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal, results: []error{
		context.DeadlineExceeded,
		nil,
	}}
	remote := &stubBackend{kind: domain.BackendRemote}
	r := newTestRouter(local, remote)

	resp := r.Generate(context.Background(), &domain.InferenceRequest{Prompt: "hello"})
	if !resp.Success || resp.BackendUsed != domain.BackendLocal {
		t.Fatalf("expected second local attempt to succeed, got %+v", resp)
	}
	if remote.calls != 0 {
		t.Fatalf("single timeout should not escalate, remote calls = %d", remote.calls)
	}
}

func TestConversationLifecycle(t *testing.T) {
	r := newTestRouter(&stubBackend{kind: domain.BackendLocal}, &stubBackend{kind: domain.BackendRemote})

	id := r.OpenConversation()
	if !strings.HasPrefix(id, "conv_") {
		t.Fatalf("unexpected conversation id %q", id)
	}
	if got := r.Metrics().OpenConversations; got != 1 {
		t.Fatalf("open conversations = %d, want 1", got)
	}
	if !r.CloseConversation(id) {
		t.Fatalf("close reported unknown id")
	}
	if r.CloseConversation(id) {
		t.Fatalf("double close should report false")
	}
}

func TestResetMetricsClearsCountersAndHealth(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal, results: []error{fmt.Errorf("boom")}}
	remote := &stubBackend{kind: domain.BackendRemote, results: []error{fmt.Errorf("boom")}}
	r := newTestRouter(local, remote)

	_ = r.Generate(context.Background(), &domain.InferenceRequest{Prompt: "hello"})
	if r.Metrics().TotalErrors == 0 {
		t.Fatalf("expected recorded errors before reset")
	}

	r.ResetMetrics()
	m := r.Metrics()
	if m.TotalErrors != 0 || m.LocalRequests != 0 || m.FallbackTriggers != 0 {
		t.Fatalf("counters not cleared: %+v", m)
	}
	if m.Local.ErrorRate != 0 || !m.Local.Available {
		t.Fatalf("local health not reset: %+v", m.Local)
	}
}

func TestContainsHebrew(t *testing.T) {
	if ContainsHebrew("hello world") {
		t.Fatalf("latin text misdetected as Hebrew")
	}
	if !ContainsHebrew("סכם את השיחה") {
		t.Fatalf("Hebrew text not detected")
	}
	if !ContainsHebrew("summary of שיחה") {
		t.Fatalf("mixed text not detected")
	}
}

func TestHealthTrackerDecay(t *testing.T) {
	tr := newHealthTracker(domain.BackendLocal)

	tr.record(100*time.Millisecond, false)
	s := tr.snapshot(false)
	if s.AvgLatencyMs != 100 {
		t.Fatalf("first sample should seed the average, got %f", s.AvgLatencyMs)
	}
	if s.ErrorRate != 0 {
		t.Fatalf("error rate = %f, want 0", s.ErrorRate)
	}

	tr.record(200*time.Millisecond, true)
	s = tr.snapshot(false)
	if math.Abs(s.AvgLatencyMs-120) > 1e-9 {
		t.Fatalf("decayed latency = %f, want 120", s.AvgLatencyMs)
	}
	if math.Abs(s.ErrorRate-0.2) > 1e-9 {
		t.Fatalf("decayed error rate = %f, want 0.2", s.ErrorRate)
	}
}
