package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FSTGIAT/call-analytics-sub001/internal/bus"
	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/deadletter"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
	"github.com/FSTGIAT/call-analytics-sub001/internal/metrics"
)

// GroupID is the consumer group for the enriched topic.
const GroupID = "index-writer"

const bulkRetries = 2

// Consumer batches enriched documents by size and time and performs one bulk
// write per batch. On a partial-batch failure only the failed items are
// dead-lettered; succeeded items are never rewritten.
type Consumer struct {
	bus      bus.Bus
	cfg      *config.Config
	client   *Client
	counters *metrics.Counters

	mu      sync.Mutex
	pending []domain.EnrichedDocument
}

// NewConsumer creates the index writer consumer.
func NewConsumer(b bus.Bus, client *Client, cfg *config.Config) *Consumer {
	return &Consumer{
		bus:      b,
		cfg:      cfg,
		client:   client,
		counters: metrics.NewCounters("index-writer"),
	}
}

// Name identifies the consumer on the ops surface.
func (c *Consumer) Name() string { return "index-writer" }

// Metrics returns the consumer's counters snapshot.
func (c *Consumer) Metrics() domain.ConsumerMetricsSnapshot { return c.counters.Snapshot() }

// Run consumes enriched documents and flushes batches until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.bus.Subscribe(ctx, bus.TopicEnriched, GroupID, c.handleDocument)
	})
	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.BatchMaxWait)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Best-effort final flush with a short grace period.
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.flush(flushCtx)
				cancel()
				return ctx.Err()
			case <-ticker.C:
				c.flush(ctx)
			}
		}
	})

	return g.Wait()
}

func (c *Consumer) handleDocument(ctx context.Context, msg bus.Message) error {
	var doc domain.EnrichedDocument
	if err := json.Unmarshal(msg.Value, &doc); err != nil {
		c.counters.MarkFailure()
		c.counters.MarkDeadLetter()
		cause := domain.Permanent("deserialization", fmt.Errorf("bad enriched document: %w", err))
		return deadletter.Publish(ctx, c.bus, domain.StageIndexing, cause, msg.Topic, msg.Key, msg.Value)
	}

	c.mu.Lock()
	c.pending = append(c.pending, doc)
	full := len(c.pending) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		c.flush(ctx)
	}
	return nil
}

// flush writes the pending batch. The whole-call path is retried a small
// bounded number of times before every document is dead-lettered.
func (c *Consumer) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	results, err := c.bulkWithRetry(ctx, batch)
	if err != nil {
		log.Printf("ERROR: bulk write of %d documents failed: %v", len(batch), err)
		for i := range batch {
			c.deadLetterDoc(ctx, &batch[i], domain.Transient("bulk-write-failed", err))
		}
		return
	}

	byID := make(map[string]ItemResult, len(results))
	for _, r := range results {
		byID[r.DocumentID] = r
	}

	for i := range batch {
		r, ok := byID[batch[i].DocumentID]
		if ok && r.Success {
			c.counters.MarkSuccess()
			continue
		}
		reason := "missing from bulk response"
		if ok {
			reason = r.Error
		}
		c.deadLetterDoc(ctx, &batch[i], domain.Transient("item-write-failed", fmt.Errorf("%s", reason)))
	}
}

func (c *Consumer) bulkWithRetry(ctx context.Context, batch []domain.EnrichedDocument) ([]ItemResult, error) {
	var lastErr error
	for attempt := 0; attempt <= bulkRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		results, err := c.client.BulkWrite(ctx, batch)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Consumer) deadLetterDoc(ctx context.Context, doc *domain.EnrichedDocument, cause error) {
	c.counters.MarkFailure()
	c.counters.MarkDeadLetter()
	raw, err := json.Marshal(doc)
	if err != nil {
		log.Printf("ERROR: failed to marshal document %s for dead-letter: %v", doc.DocumentID, err)
		return
	}
	if err := deadletter.Publish(ctx, c.bus, domain.StageIndexing, cause, bus.TopicEnriched, doc.Conversation.CorrelationKey, raw); err != nil {
		log.Printf("ERROR: failed to dead-letter document %s: %v", doc.DocumentID, err)
	}
}
