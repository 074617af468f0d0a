package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

const (
	maxAttempts = 3
	// fastThreshold splits the fast/slow response counters.
	fastThreshold = 5 * time.Second
)

// Metrics is the router's aggregate view for the ops surface.
type Metrics struct {
	LocalRequests     int64                     `json:"local_requests"`
	RemoteRequests    int64                     `json:"remote_requests"`
	FallbackTriggers  int64                     `json:"fallback_triggers"`
	TotalErrors       int64                     `json:"total_errors"`
	FastResponses     int64                     `json:"fast_responses"`
	SlowResponses     int64                     `json:"slow_responses"`
	Local             domain.BackendHealthState `json:"local"`
	Remote            domain.BackendHealthState `json:"remote"`
	ForceLocal        bool                      `json:"force_local"`
	OpenConversations int                       `json:"open_conversations"`
}

// Router picks a backend per request, retries timeouts, and falls back to the
// alternate backend on hard failure. Total backend failure surfaces as a
// structured response, never as an error past the boundary.
type Router struct {
	local  Backend
	remote Backend

	localHealth  *healthTracker
	remoteHealth *healthTracker
	settings     atomic.Pointer[Settings]
	timeout      time.Duration

	statsMu          sync.Mutex
	localRequests    int64
	remoteRequests   int64
	fallbackTriggers int64
	totalErrors      int64
	fastResponses    int64
	slowResponses    int64

	convMu        sync.Mutex
	conversations map[string]time.Time

	now func() time.Time
}

// New creates a router over the local and remote backends.
func New(local, remote Backend, cfg *config.Config) *Router {
	r := &Router{
		local:         local,
		remote:        remote,
		localHealth:   newHealthTracker(domain.BackendLocal),
		remoteHealth:  newHealthTracker(domain.BackendRemote),
		timeout:       cfg.InferenceTimeout,
		conversations: make(map[string]time.Time),
		now:           time.Now,
	}
	r.settings.Store(&Settings{
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		LatencyThresholdMs: cfg.LatencyThresholdMs,
	})
	return r
}

// route picks the target for one request: explicit override first, then the
// process-wide force-local flag, then local unless its rolling health is past
// the configured thresholds.
func (r *Router) route(req *domain.InferenceRequest) domain.BackendKind {
	if req.RoutingOverride != "" {
		return req.RoutingOverride
	}
	s := r.settings.Load()
	if s.ForceLocal {
		return domain.BackendLocal
	}
	lh := r.localHealth.snapshot(false)
	if !lh.Available || lh.ErrorRate > s.ErrorRateThreshold || lh.AvgLatencyMs > s.LatencyThresholdMs {
		return domain.BackendRemote
	}
	return domain.BackendLocal
}

// Generate routes and executes one inference request.
func (r *Router) Generate(ctx context.Context, req *domain.InferenceRequest) *domain.InferenceResponse {
	start := r.now()
	target := r.route(req)
	fellBack := false
	var errs []string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		backend := r.backendFor(target)
		r.countRequest(target)

		attemptStart := r.now()
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		text, err := backend.Generate(attemptCtx, req)
		cancel()
		latency := r.now().Sub(attemptStart)
		r.trackerFor(target).record(latency, err != nil)

		if err == nil {
			total := r.now().Sub(start)
			r.countSuccess(total)
			return &domain.InferenceResponse{
				Text:        text,
				BackendUsed: target,
				LatencyMs:   total.Milliseconds(),
				Success:     true,
			}
		}

		r.countError()
		errs = append(errs, fmt.Sprintf("%s: %v", target, err))

		if ctx.Err() != nil {
			break
		}

		if domain.IsTimeout(err) {
			// Retry; escalate to the alternate backend after a second
			// timeout on the same target.
			if attempt >= 2 && !fellBack {
				target = r.other(target)
				fellBack = true
				r.countFallback()
			}
			continue
		}

		// Hard failure: one immediate fallback, then give up.
		if fellBack {
			break
		}
		target = r.other(target)
		fellBack = true
		r.countFallback()
	}

	log.Printf("ERROR: inference failed on all backends: %s", strings.Join(errs, "; "))
	return &domain.InferenceResponse{
		BackendUsed: target,
		LatencyMs:   r.now().Sub(start).Milliseconds(),
		Success:     false,
		Error:       strings.Join(errs, "; "),
	}
}

func (r *Router) backendFor(kind domain.BackendKind) Backend {
	if kind == domain.BackendRemote {
		return r.remote
	}
	return r.local
}

func (r *Router) trackerFor(kind domain.BackendKind) *healthTracker {
	if kind == domain.BackendRemote {
		return r.remoteHealth
	}
	return r.localHealth
}

func (r *Router) other(kind domain.BackendKind) domain.BackendKind {
	if kind == domain.BackendLocal {
		return domain.BackendRemote
	}
	return domain.BackendLocal
}

// SetForceLocal swaps the settings snapshot with the flag updated.
func (r *Router) SetForceLocal(force bool) {
	old := r.settings.Load()
	r.settings.Store(&Settings{
		ForceLocal:         force,
		ErrorRateThreshold: old.ErrorRateThreshold,
		LatencyThresholdMs: old.LatencyThresholdMs,
	})
}

// ForceLocal reports the current flag.
func (r *Router) ForceLocal() bool {
	return r.settings.Load().ForceLocal
}

// OpenConversation assigns a new conversation correlation id. The router
// keeps no transcript; the id is passed through to whichever backend
// implements multi-turn memory.
func (r *Router) OpenConversation() string {
	id := "conv_" + uuid.New().String()[:8]
	r.convMu.Lock()
	r.conversations[id] = r.now()
	r.convMu.Unlock()
	return id
}

// CloseConversation forgets the id, reporting whether it was open.
func (r *Router) CloseConversation(id string) bool {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	if _, ok := r.conversations[id]; !ok {
		return false
	}
	delete(r.conversations, id)
	return true
}

// Metrics snapshots the routing statistics and backend health.
func (r *Router) Metrics() Metrics {
	s := r.settings.Load()

	r.statsMu.Lock()
	m := Metrics{
		LocalRequests:    r.localRequests,
		RemoteRequests:   r.remoteRequests,
		FallbackTriggers: r.fallbackTriggers,
		TotalErrors:      r.totalErrors,
		FastResponses:    r.fastResponses,
		SlowResponses:    r.slowResponses,
	}
	r.statsMu.Unlock()

	m.Local = r.localHealth.snapshot(s.ForceLocal)
	m.Remote = r.remoteHealth.snapshot(false)
	m.ForceLocal = s.ForceLocal

	r.convMu.Lock()
	m.OpenConversations = len(r.conversations)
	r.convMu.Unlock()

	return m
}

// ResetMetrics clears the counters and rolling backend health.
func (r *Router) ResetMetrics() {
	r.statsMu.Lock()
	r.localRequests = 0
	r.remoteRequests = 0
	r.fallbackTriggers = 0
	r.totalErrors = 0
	r.fastResponses = 0
	r.slowResponses = 0
	r.statsMu.Unlock()

	r.localHealth.reset()
	r.remoteHealth.reset()
}

// RunHealthChecks probes both backends on the interval until ctx is done,
// keeping the availability flags current.
func (r *Router) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probe(ctx)
		}
	}
}

func (r *Router) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	r.localHealth.setAvailable(r.local.CheckHealth(probeCtx) == nil)
	r.remoteHealth.setAvailable(r.remote.CheckHealth(probeCtx) == nil)
}

func (r *Router) countRequest(kind domain.BackendKind) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if kind == domain.BackendRemote {
		r.remoteRequests++
	} else {
		r.localRequests++
	}
}

func (r *Router) countSuccess(total time.Duration) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if total < fastThreshold {
		r.fastResponses++
	} else {
		r.slowResponses++
	}
}

func (r *Router) countError() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.totalErrors++
}

func (r *Router) countFallback() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.fallbackTriggers++
}
