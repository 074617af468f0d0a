package recovery

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FSTGIAT/call-analytics-sub001/internal/bus"
	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
	"github.com/FSTGIAT/call-analytics-sub001/internal/metrics"
	"github.com/FSTGIAT/call-analytics-sub001/internal/store"
)

// GroupID is the consumer group for the dead-letter topic.
const GroupID = "recovery"

const (
	sweepInterval  = 5 * time.Second
	sweepBatchSize = 64
)

// Consumer classifies dead-lettered records and retries the transient ones
// on a delay. It is the single writer of the failure ledger; every other
// stage only appends to the dead-letter topic.
type Consumer struct {
	bus      bus.Bus
	store    store.Store
	cfg      *config.Config
	policy   *PolicyEngine
	counters *metrics.Counters

	now func() time.Time
}

// NewConsumer creates the recovery consumer.
func NewConsumer(b bus.Bus, st store.Store, policy *PolicyEngine, cfg *config.Config) *Consumer {
	return &Consumer{
		bus:      b,
		store:    st,
		cfg:      cfg,
		policy:   policy,
		counters: metrics.NewCounters("recovery"),
		now:      time.Now,
	}
}

// Name identifies the consumer on the ops surface.
func (c *Consumer) Name() string { return "recovery" }

// Metrics returns the consumer's counters snapshot.
func (c *Consumer) Metrics() domain.ConsumerMetricsSnapshot { return c.counters.Snapshot() }

// Summary aggregates the ledger for the error-summary endpoint.
func (c *Consumer) Summary(ctx context.Context) (*domain.FailureSummary, error) {
	return c.store.FailureSummary(ctx)
}

// Run consumes dead letters and sweeps due retries until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.bus.Subscribe(ctx, bus.TopicDeadLetter, GroupID, c.handleFailure)
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.sweepDue(ctx)
			}
		}
	})

	return g.Wait()
}

// handleFailure records one dead-lettered record in the ledger, classified
// by the policy. A record the originating stage already marked permanent
// stays permanent.
func (c *Consumer) handleFailure(ctx context.Context, msg bus.Message) error {
	var rec domain.FailedRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		// A malformed dead letter has nowhere further to go.
		log.Printf("ERROR: dropping malformed dead-letter record: %v", err)
		c.counters.MarkFailure()
		return nil
	}

	class := domain.ErrorClassPermanent
	if !rec.Permanent {
		var err error
		class, err = c.policy.Evaluate(ctx, map[string]any{
			"stage":         string(rec.Stage),
			"error_kind":    rec.ErrorKind,
			"attempt_count": rec.AttemptCount,
		})
		if err != nil {
			log.Printf("WARN: classification failed for %s, treating as transient: %v", rec.RecordID, err)
			class = domain.ErrorClassTransient
		}
	}

	var nextRetry *time.Time
	if class == domain.ErrorClassPermanent {
		rec.Permanent = true
	} else if rec.AttemptCount >= c.cfg.MaxAttempts {
		rec.Permanent = true
	} else {
		t := c.now().Add(c.cfg.RetryDelay)
		nextRetry = &t
	}

	if err := c.store.RecordFailure(ctx, &rec, nextRetry); err != nil {
		c.counters.MarkFailure()
		return err
	}

	c.counters.MarkSuccess()
	return nil
}

// sweepDue re-queues transient ledger rows whose retry time has passed back
// onto the originating stage's input topic. Rows past the attempt cap are
// flipped to permanent instead.
func (c *Consumer) sweepDue(ctx context.Context) {
	entries, err := c.store.DueRetries(ctx, c.now(), sweepBatchSize)
	if err != nil {
		log.Printf("ERROR: retry sweep query failed: %v", err)
		return
	}

	for _, e := range entries {
		if e.Record.AttemptCount >= c.cfg.MaxAttempts {
			if err := c.store.MarkPermanent(ctx, e.Record.RecordID); err != nil {
				log.Printf("ERROR: failed to mark %s permanent: %v", e.Record.RecordID, err)
			}
			continue
		}

		err := c.bus.Publish(ctx, e.Record.OriginalTopic, e.Record.OriginalKey, e.Record.OriginalMessage)
		if err != nil {
			// Leave next_retry_at in place; the next sweep tries again.
			log.Printf("ERROR: failed to re-queue %s onto %s: %v", e.Record.RecordID, e.Record.OriginalTopic, err)
			continue
		}

		if err := c.store.MarkRecovered(ctx, e.Record.RecordID); err != nil {
			log.Printf("ERROR: failed to mark %s recovered: %v", e.Record.RecordID, err)
		}
	}
}
