// Package service wires the pipeline consumers, the inference router, and the
// persistence layer behind the operational HTTP surface.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/assembly"
	"github.com/FSTGIAT/call-analytics-sub001/internal/breaker"
	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
	"github.com/FSTGIAT/call-analytics-sub001/internal/health"
	"github.com/FSTGIAT/call-analytics-sub001/internal/recovery"
	"github.com/FSTGIAT/call-analytics-sub001/internal/router"
	"github.com/FSTGIAT/call-analytics-sub001/internal/store"
)

// Pinger is a downstream dependency reachability probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LagEntry is one consumer's backlog view for the lag endpoint.
type LagEntry struct {
	Consumer      string    `json:"consumer"`
	Processed     int64     `json:"processed"`
	Succeeded     int64     `json:"succeeded"`
	Failed        int64     `json:"failed"`
	RatePerSecond float64   `json:"rate_per_second"`
	LastProcessed time.Time `json:"last_processed_at"`
}

// Service is the orchestration layer behind the HTTP handlers.
type Service struct {
	cfg        *config.Config
	store      store.Store
	assembler  *assembly.Consumer
	recoverer  *recovery.Consumer
	router     *router.Router
	supervisor *Supervisor
	aggregator *health.Aggregator

	lagMu   sync.Mutex
	lagPrev map[string]lagSample
}

type lagSample struct {
	processed int64
	at        time.Time
}

// New wires the service. dataSource and searchIndex are the two dependency
// probes feeding the health rollup.
func New(cfg *config.Config, st store.Store, sup *Supervisor, asm *assembly.Consumer, rec *recovery.Consumer, rt *router.Router, dataSource, searchIndex Pinger) *Service {
	s := &Service{
		cfg:        cfg,
		store:      st,
		assembler:  asm,
		recoverer:  rec,
		router:     rt,
		supervisor: sup,
		lagPrev:    make(map[string]lagSample),
	}

	var components []health.Component
	for _, name := range sup.Names() {
		name := name
		components = append(components, health.Component{
			Name: name,
			Check: func(ctx context.Context) error {
				if !sup.Running(name) {
					return fmt.Errorf("consumer %s is not running", name)
				}
				if name == asm.Name() && asm.BreakerState() == breaker.StateOpen {
					return fmt.Errorf("emit circuit breaker is open")
				}
				return nil
			},
		})
	}
	components = append(components,
		health.Component{Name: "data-store", Check: dataSource.Ping},
		health.Component{Name: "search-index", Check: searchIndex.Ping},
	)
	s.aggregator = health.New(components...)

	return s
}

// Start launches the consumer pool and the router's backend probes.
func (s *Service) Start(ctx context.Context) {
	s.supervisor.StartAll(ctx)
	go s.router.RunHealthChecks(ctx, s.cfg.HealthPollInterval)
}

// Stop shuts the consumer pool down.
func (s *Service) Stop() {
	s.supervisor.StopAll()
}

// Health evaluates the rollup.
func (s *Service) Health(ctx context.Context) *health.Rollup {
	return s.aggregator.Evaluate(ctx)
}

// MetricsAll snapshots every consumer.
func (s *Service) MetricsAll() []domain.ConsumerMetricsSnapshot {
	var out []domain.ConsumerMetricsSnapshot
	for _, name := range s.supervisor.Names() {
		if c, ok := s.supervisor.Get(name); ok {
			out = append(out, c.Metrics())
		}
	}
	return out
}

// MetricsFor snapshots one consumer by name.
func (s *Service) MetricsFor(name string) (domain.ConsumerMetricsSnapshot, bool) {
	c, ok := s.supervisor.Get(name)
	if !ok {
		return domain.ConsumerMetricsSnapshot{}, false
	}
	return c.Metrics(), true
}

// Lag derives per-consumer processing rates from successive snapshots.
func (s *Service) Lag() []LagEntry {
	now := time.Now()
	snapshots := s.MetricsAll()

	s.lagMu.Lock()
	defer s.lagMu.Unlock()

	out := make([]LagEntry, 0, len(snapshots))
	for _, snap := range snapshots {
		entry := LagEntry{
			Consumer:      snap.Consumer,
			Processed:     snap.Processed,
			Succeeded:     snap.Succeeded,
			Failed:        snap.Failed,
			LastProcessed: snap.LastProcessedAt,
		}
		if prev, ok := s.lagPrev[snap.Consumer]; ok {
			elapsed := now.Sub(prev.at).Seconds()
			if elapsed > 0 {
				entry.RatePerSecond = float64(snap.Processed-prev.processed) / elapsed
			}
		}
		s.lagPrev[snap.Consumer] = lagSample{processed: snap.Processed, at: now}
		out = append(out, entry)
	}
	return out
}

// ErrorSummary aggregates the failure ledger.
func (s *Service) ErrorSummary(ctx context.Context) (*domain.FailureSummary, error) {
	return s.recoverer.Summary(ctx)
}

// RestartConsumer stops, waits for, and restarts one consumer.
func (s *Service) RestartConsumer(name string) error {
	return s.supervisor.Restart(name)
}

// BreakerState exposes the assembly emit breaker.
func (s *Service) BreakerState() breaker.State {
	return s.assembler.BreakerState()
}

// ResetBreaker administratively closes the assembly emit breaker.
func (s *Service) ResetBreaker(ctx context.Context) {
	s.assembler.ResetBreaker(ctx)
}

// ProducerModes returns the persisted live/historical flags.
func (s *Service) ProducerModes(ctx context.Context) (*domain.ProducerModes, error) {
	return s.store.GetProducerModes(ctx)
}

// SetProducerModes persists the flags. Historical mode requires a cutover
// timestamp to anchor the backfill window.
func (s *Service) SetProducerModes(ctx context.Context, modes *domain.ProducerModes) error {
	if modes.Historical && modes.CutoverTimestamp == nil {
		return fmt.Errorf("historical mode requires a cutover timestamp")
	}
	return s.store.SetProducerModes(ctx, modes)
}

// Generate routes one interactive inference request.
func (s *Service) Generate(ctx context.Context, req *domain.InferenceRequest) (*domain.InferenceResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	switch req.RoutingOverride {
	case "", domain.BackendLocal, domain.BackendRemote:
	default:
		return nil, fmt.Errorf("unknown routing override %q", req.RoutingOverride)
	}
	return s.router.Generate(ctx, req), nil
}

// OpenConversation assigns a conversation correlation id.
func (s *Service) OpenConversation() string {
	return s.router.OpenConversation()
}

// CloseConversation forgets a conversation id.
func (s *Service) CloseConversation(id string) bool {
	return s.router.CloseConversation(id)
}

// RouterMetrics snapshots routing statistics and backend health.
func (s *Service) RouterMetrics() router.Metrics {
	return s.router.Metrics()
}

// ResetRouterMetrics clears the routing statistics.
func (s *Service) ResetRouterMetrics() {
	s.router.ResetMetrics()
}

// SetForceLocal toggles the process-wide force-local routing flag.
func (s *Service) SetForceLocal(force bool) {
	s.router.SetForceLocal(force)
}

// ForceLocal reports the flag.
func (s *Service) ForceLocal() bool {
	return s.router.ForceLocal()
}
