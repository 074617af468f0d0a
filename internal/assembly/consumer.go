// Package assembly groups raw change messages into ordered conversations and
// emits each one exactly once when its completion condition is met.
package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FSTGIAT/call-analytics-sub001/internal/breaker"
	"github.com/FSTGIAT/call-analytics-sub001/internal/bus"
	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/deadletter"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
	"github.com/FSTGIAT/call-analytics-sub001/internal/metrics"
	"github.com/FSTGIAT/call-analytics-sub001/internal/store"
)

// GroupID is the consumer group for the raw-changes topic.
const GroupID = "assembly"

const sweepInterval = time.Second

// fragmentPayload is the wire shape of a conversation turn inside a
// ChangeEvent payload.
type fragmentPayload struct {
	SequenceHint int                `json:"sequence_hint"`
	SpeakerRole  domain.SpeakerRole `json:"speaker_role"`
	Text         string             `json:"text"`
	OccurredAt   time.Time          `json:"occurred_at"`
	Terminal     bool               `json:"terminal,omitempty"`
}

type openConversation struct {
	conv domain.AssembledConversation
	// seen dedupes fragments by sequence hint + text so at-least-once
	// redelivery cannot double a turn.
	seen map[string]struct{}
}

// Consumer holds per-key assembly state. Raw-changes partitioning by
// correlation key guarantees one worker per key; the mutex exists because one
// worker consumes several partitions concurrently plus runs the sweeper.
type Consumer struct {
	bus      bus.Bus
	store    store.Store
	cfg      *config.Config
	brk      *breaker.Breaker
	counters *metrics.Counters

	mu   sync.Mutex
	open map[string]*openConversation
	held []domain.AssembledConversation

	now func() time.Time
}

// NewConsumer creates the assembly consumer.
func NewConsumer(b bus.Bus, st store.Store, cfg *config.Config) *Consumer {
	return &Consumer{
		bus:      b,
		store:    st,
		cfg:      cfg,
		brk:      breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		counters: metrics.NewCounters("assembly"),
		open:     make(map[string]*openConversation),
		now:      time.Now,
	}
}

// Name identifies the consumer on the ops surface.
func (c *Consumer) Name() string { return "assembly" }

// Metrics returns the consumer's counters snapshot.
func (c *Consumer) Metrics() domain.ConsumerMetricsSnapshot { return c.counters.Snapshot() }

// BreakerState exposes the emit breaker position.
func (c *Consumer) BreakerState() breaker.State { return c.brk.State() }

// ResetBreaker administratively closes the emit breaker and drains anything
// held while it was open.
func (c *Consumer) ResetBreaker(ctx context.Context) {
	c.brk.Reset()
	c.drainHeld(ctx)
}

// Run consumes raw changes and sweeps idle conversations until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.bus.Subscribe(ctx, bus.TopicRawChanges, GroupID, c.handleChange)
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	})

	return g.Wait()
}

// handleChange merges one raw change into its conversation.
func (c *Consumer) handleChange(ctx context.Context, msg bus.Message) error {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.counters.MarkFailure()
		c.counters.MarkDeadLetter()
		cause := domain.Permanent("deserialization", fmt.Errorf("bad change event: %w", err))
		return deadletter.Publish(ctx, c.bus, domain.StageAssembly, cause, msg.Topic, msg.Key, msg.Value)
	}

	if ev.ChangeType == domain.ChangeTypeDelete {
		// Source row deleted; discard any open state for the key.
		c.mu.Lock()
		delete(c.open, ev.CorrelationKey)
		c.mu.Unlock()
		c.counters.MarkSuccess()
		return nil
	}

	var fp fragmentPayload
	if err := json.Unmarshal(ev.Payload, &fp); err != nil {
		c.counters.MarkFailure()
		c.counters.MarkDeadLetter()
		cause := domain.Permanent("malformed-fragment", fmt.Errorf("bad fragment payload for %s: %w", ev.CorrelationKey, err))
		return deadletter.Publish(ctx, c.bus, domain.StageAssembly, cause, msg.Topic, msg.Key, msg.Value)
	}

	terminal := c.merge(ctx, &ev, &fp)
	c.counters.MarkSuccess()

	if terminal {
		c.completeKey(ctx, ev.CorrelationKey)
	}
	return nil
}

// merge applies the fragment to per-key state, returning whether the key
// should complete now (terminal marker observed).
func (c *Consumer) merge(ctx context.Context, ev *domain.ChangeEvent, fp *fragmentPayload) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	oc, ok := c.open[ev.CorrelationKey]
	if !ok {
		// A fragment for an already-emitted conversation is a leftover
		// redelivery; drop it rather than re-opening the key.
		emitted, err := c.store.WasConversationEmitted(ctx, ev.CorrelationKey)
		if err != nil {
			log.Printf("WARN: emitted-check failed for %s: %v", ev.CorrelationKey, err)
		}
		if emitted {
			return false
		}
		oc = &openConversation{
			conv: domain.AssembledConversation{
				CorrelationKey: ev.CorrelationKey,
				FirstSeenAt:    c.now(),
			},
			seen: make(map[string]struct{}),
		}
		c.open[ev.CorrelationKey] = oc
	}

	oc.conv.LastUpdatedAt = c.now()

	if fp.Text != "" {
		dedupeKey := fmt.Sprintf("%d|%s", fp.SequenceHint, fp.Text)
		if _, dup := oc.seen[dedupeKey]; !dup {
			oc.seen[dedupeKey] = struct{}{}
			oc.conv.Fragments = append(oc.conv.Fragments, domain.ConversationFragment{
				CorrelationKey: ev.CorrelationKey,
				SequenceHint:   fp.SequenceHint,
				SpeakerRole:    fp.SpeakerRole,
				Text:           fp.Text,
				OccurredAt:     fp.OccurredAt,
				Terminal:       fp.Terminal,
			})
		}
	}

	return fp.Terminal
}

// sweep completes conversations past the idle window and force-completes any
// open longer than the maximum age, bounding memory.
func (c *Consumer) sweep(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var due []string
	for key, oc := range c.open {
		idle := now.Sub(oc.conv.LastUpdatedAt) >= c.cfg.IdleWindow
		tooOld := now.Sub(oc.conv.FirstSeenAt) >= c.cfg.MaxConversationAge
		if idle || tooOld {
			due = append(due, key)
		}
	}
	c.mu.Unlock()

	for _, key := range due {
		c.completeKey(ctx, key)
	}
}

// completeKey removes the key from the open table and emits it.
func (c *Consumer) completeKey(ctx context.Context, key string) {
	c.mu.Lock()
	oc, ok := c.open[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.open, key)
	c.mu.Unlock()

	if len(oc.conv.Fragments) == 0 {
		return
	}

	conv := oc.conv
	conv.IsComplete = true
	sort.SliceStable(conv.Fragments, func(i, j int) bool {
		if !conv.Fragments[i].OccurredAt.Equal(conv.Fragments[j].OccurredAt) {
			return conv.Fragments[i].OccurredAt.Before(conv.Fragments[j].OccurredAt)
		}
		return conv.Fragments[i].SequenceHint < conv.Fragments[j].SequenceHint
	})

	c.emit(ctx, conv)
}

// emit publishes one completed conversation through the breaker, holding it
// in memory while the breaker is open.
func (c *Consumer) emit(ctx context.Context, conv domain.AssembledConversation) {
	if !c.brk.Allow() {
		c.hold(ctx, conv)
		return
	}

	if err := c.publish(ctx, conv); err != nil {
		c.brk.Failure()
		log.Printf("ERROR: emit failed for %s: %v", conv.CorrelationKey, err)
		c.hold(ctx, conv)
		return
	}

	c.brk.Success()
	c.drainHeld(ctx)
}

// publish sends the conversation downstream and records the emission for
// idempotence. A key already recorded is skipped silently (emit-once).
func (c *Consumer) publish(ctx context.Context, conv domain.AssembledConversation) error {
	emitted, err := c.store.WasConversationEmitted(ctx, conv.CorrelationKey)
	if err != nil {
		return fmt.Errorf("emitted-check failed: %w", err)
	}
	if emitted {
		return nil
	}

	value, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := c.bus.Publish(ctx, bus.TopicAssembled, conv.CorrelationKey, value); err != nil {
		return err
	}

	if _, err := c.store.MarkConversationEmitted(ctx, conv.CorrelationKey, len(conv.Fragments)); err != nil {
		log.Printf("WARN: failed to record emission for %s: %v", conv.CorrelationKey, err)
	}
	return nil
}

// hold buffers a completed conversation while the breaker is open, shedding
// the oldest entry to the dead-letter topic once the bound is reached.
func (c *Consumer) hold(ctx context.Context, conv domain.AssembledConversation) {
	c.mu.Lock()
	c.held = append(c.held, conv)
	var shed *domain.AssembledConversation
	if len(c.held) > c.cfg.HoldQueueLimit {
		shed = &c.held[0]
		c.held = c.held[1:]
	}
	c.mu.Unlock()

	if shed != nil {
		c.counters.MarkDeadLetter()
		raw, _ := json.Marshal(shed)
		cause := domain.Transient("emit-circuit-open", fmt.Errorf("hold queue full while emit path is down"))
		if err := deadletter.Publish(ctx, c.bus, domain.StageAssembly, cause, bus.TopicAssembled, shed.CorrelationKey, raw); err != nil {
			log.Printf("ERROR: failed to shed held conversation %s: %v", shed.CorrelationKey, err)
		}
	}
}

// drainHeld re-emits held conversations while the breaker allows it.
func (c *Consumer) drainHeld(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.held) == 0 {
			c.mu.Unlock()
			return
		}
		conv := c.held[0]
		c.held = c.held[1:]
		c.mu.Unlock()

		if !c.brk.Allow() {
			c.hold(ctx, conv)
			return
		}
		if err := c.publish(ctx, conv); err != nil {
			c.brk.Failure()
			log.Printf("ERROR: held emit failed for %s: %v", conv.CorrelationKey, err)
			c.hold(ctx, conv)
			return
		}
		c.brk.Success()
	}
}

// OpenCount reports how many conversations are currently open.
func (c *Consumer) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}
