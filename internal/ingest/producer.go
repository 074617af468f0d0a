package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/FSTGIAT/call-analytics-sub001/internal/bus"
	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/deadletter"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
	"github.com/FSTGIAT/call-analytics-sub001/internal/metrics"
	"github.com/FSTGIAT/call-analytics-sub001/internal/store"
)

const pollBatchSize = 256

// Producer polls the change feed and publishes one message per changed row,
// keyed by correlation key. It is stateless apart from in-memory poll cursors;
// restarting re-reads from the last committed position the feed reports,
// which downstream consumers tolerate as duplicate delivery.
type Producer struct {
	source   *Source
	bus      bus.Bus
	store    store.Store
	cfg      *config.Config
	counters *metrics.Counters
	limiter  *rate.Limiter

	liveCursor int64
	histCursor int64
}

// NewProducer creates the change event producer.
func NewProducer(source *Source, b bus.Bus, st store.Store, cfg *config.Config) *Producer {
	return &Producer{
		source:   source,
		bus:      b,
		store:    st,
		cfg:      cfg,
		counters: metrics.NewCounters("producer"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.BackfillRate), 1),
	}
}

// Name identifies the producer on the ops surface.
func (p *Producer) Name() string { return "producer" }

// Metrics returns the producer's counters snapshot.
func (p *Producer) Metrics() domain.ConsumerMetricsSnapshot { return p.counters.Snapshot() }

// Run polls the feed until ctx is cancelled. The live and historical streams
// are controlled by independently persisted flags and keep separate cursors.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		modes, err := p.store.GetProducerModes(ctx)
		if err != nil {
			log.Printf("ERROR: producer failed to read mode flags: %v", err)
			continue
		}

		if modes.Live {
			if err := p.pollLive(ctx); err != nil && ctx.Err() == nil {
				log.Printf("ERROR: live change poll failed: %v", err)
			}
		}
		if modes.Historical && modes.CutoverTimestamp != nil {
			if err := p.pollHistorical(ctx, *modes.CutoverTimestamp); err != nil && ctx.Err() == nil {
				log.Printf("ERROR: historical backfill poll failed: %v", err)
			}
		}
	}
}

func (p *Producer) pollLive(ctx context.Context) error {
	events, err := p.source.ChangesSince(ctx, p.liveCursor, pollBatchSize)
	if err != nil {
		return err
	}
	for i := range events {
		if err := p.publishChange(ctx, &events[i]); err != nil {
			return err
		}
		p.liveCursor = events[i].ChangeID
	}
	return nil
}

// pollHistorical streams backfill rows throttled by the rate limiter so a
// large cutover window cannot starve live traffic.
func (p *Producer) pollHistorical(ctx context.Context, cutover time.Time) error {
	events, err := p.source.ChangesFrom(ctx, cutover, p.histCursor, pollBatchSize)
	if err != nil {
		return err
	}
	for i := range events {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := p.publishChange(ctx, &events[i]); err != nil {
			return err
		}
		p.histCursor = events[i].ChangeID
	}
	return nil
}

// publishChange validates and publishes one change event. Malformed rows are
// permanent failures routed straight to the dead-letter topic; transient
// publish errors are retried with bounded exponential backoff.
func (p *Producer) publishChange(ctx context.Context, ev *domain.ChangeEvent) error {
	if err := validateChange(ev); err != nil {
		p.counters.MarkFailure()
		p.counters.MarkDeadLetter()
		raw, _ := json.Marshal(ev)
		if dlqErr := deadletter.Publish(ctx, p.bus, domain.StageIngestion, err, bus.TopicRawChanges, ev.CorrelationKey, raw); dlqErr != nil {
			return dlqErr
		}
		return nil
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	backoff := p.cfg.PublishBackoff
	var lastErr error
	for attempt := 0; attempt <= p.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = p.bus.Publish(ctx, bus.TopicRawChanges, ev.CorrelationKey, value); lastErr == nil {
			p.counters.MarkSuccess()
			return nil
		}
	}

	p.counters.MarkFailure()
	p.counters.MarkDeadLetter()
	cause := domain.Transient("publish-failed", lastErr)
	return deadletter.Publish(ctx, p.bus, domain.StageIngestion, cause, bus.TopicRawChanges, ev.CorrelationKey, value)
}

func validateChange(ev *domain.ChangeEvent) error {
	if ev.CorrelationKey == "" {
		return domain.Permanent("missing-correlation-key", fmt.Errorf("change %d has no correlation key", ev.ChangeID))
	}
	switch ev.ChangeType {
	case domain.ChangeTypeInsert, domain.ChangeTypeUpdate, domain.ChangeTypeDelete:
	default:
		return domain.Permanent("invalid-change-type", fmt.Errorf("change %d has change type %q", ev.ChangeID, ev.ChangeType))
	}
	if len(ev.Payload) > 0 && !json.Valid(ev.Payload) {
		return domain.Permanent("malformed-payload", fmt.Errorf("change %d payload is not valid JSON", ev.ChangeID))
	}
	return nil
}
