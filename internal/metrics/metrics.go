// Package metrics holds the per-consumer counters read by the health
// aggregator. Each consumer owns exactly one Counters value; nothing else
// writes to it.
package metrics

import (
	"sync"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// Counters tracks one consumer's processing totals.
type Counters struct {
	mu sync.Mutex

	consumer         string
	processed        int64
	succeeded        int64
	failed           int64
	sentToDeadLetter int64
	lastProcessedAt  time.Time
}

// NewCounters creates counters for the named consumer.
func NewCounters(consumer string) *Counters {
	return &Counters{consumer: consumer}
}

// MarkSuccess records one successfully processed message.
func (c *Counters) MarkSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.succeeded++
	c.lastProcessedAt = time.Now()
}

// MarkFailure records one failed message.
func (c *Counters) MarkFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.failed++
	c.lastProcessedAt = time.Now()
}

// MarkDeadLetter records one message handed to the dead-letter topic.
func (c *Counters) MarkDeadLetter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentToDeadLetter++
}

// Snapshot returns a point-in-time copy of the counters.
func (c *Counters) Snapshot() domain.ConsumerMetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConsumerMetricsSnapshot{
		Consumer:         c.consumer,
		Processed:        c.processed,
		Succeeded:        c.succeeded,
		Failed:           c.failed,
		SentToDeadLetter: c.sentToDeadLetter,
		LastProcessedAt:  c.lastProcessedAt,
	}
}
