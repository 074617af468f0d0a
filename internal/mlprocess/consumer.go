package mlprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/FSTGIAT/call-analytics-sub001/internal/bus"
	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/deadletter"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
	"github.com/FSTGIAT/call-analytics-sub001/internal/metrics"
	"github.com/FSTGIAT/call-analytics-sub001/internal/router"
)

// GroupID is the consumer group for the assembled topic.
const GroupID = "ml-processing"

const (
	summaryPromptEnglish = "Summarize the following customer service call in 2-3 sentences, focusing on the customer's issue and its resolution."
	summaryPromptHebrew  = "סכם את שיחת שירות הלקוחות הבאה ב-2-3 משפטים, תוך התמקדות בבעיית הלקוח ובפתרון שניתן."
)

// Consumer enriches assembled conversations. The sub-calls run with
// independent timeouts; a failed sub-call leaves its field absent instead of
// failing the record. Only a terminally failed summary can dead-letter the
// record, and only when the configured policy says so.
type Consumer struct {
	bus      bus.Bus
	cfg      *config.Config
	ml       *Client
	router   *router.Router
	counters *metrics.Counters
	encoder  *tiktoken.Tiktoken
}

// NewConsumer creates the ML processing consumer.
func NewConsumer(b bus.Bus, ml *Client, rt *router.Router, cfg *config.Config) *Consumer {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// Token bounding degrades to a rune-count estimate.
		log.Printf("WARN: tiktoken encoding unavailable, using rune estimate: %v", err)
		encoder = nil
	}
	return &Consumer{
		bus:      b,
		cfg:      cfg,
		ml:       ml,
		router:   rt,
		counters: metrics.NewCounters("ml-processing"),
		encoder:  encoder,
	}
}

// Name identifies the consumer on the ops surface.
func (c *Consumer) Name() string { return "ml-processing" }

// Metrics returns the consumer's counters snapshot.
func (c *Consumer) Metrics() domain.ConsumerMetricsSnapshot { return c.counters.Snapshot() }

// Run consumes assembled conversations until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Subscribe(ctx, bus.TopicAssembled, GroupID, c.handleConversation)
}

func (c *Consumer) handleConversation(ctx context.Context, msg bus.Message) error {
	var conv domain.AssembledConversation
	if err := json.Unmarshal(msg.Value, &conv); err != nil {
		c.counters.MarkFailure()
		c.counters.MarkDeadLetter()
		cause := domain.Permanent("deserialization", fmt.Errorf("bad assembled conversation: %w", err))
		return deadletter.Publish(ctx, c.bus, domain.StageProcessing, cause, msg.Topic, msg.Key, msg.Value)
	}

	text := conv.FullText()
	doc := domain.EnrichedDocument{
		DocumentID:   "doc_" + uuid.New().String()[:8],
		Conversation: conv,
		ProcessedAt:  time.Now(),
		Language:     "en",
	}
	if router.ContainsHebrew(text) {
		doc.Language = "he"
	}

	if c.cfg.EnableEmbeddings {
		c.enrichEmbedding(ctx, text, &doc)
	}
	c.enrichClassification(ctx, text, &doc)
	c.enrichEntities(ctx, text, &doc)

	if c.cfg.EnableSummaries {
		ok := c.enrichSummary(ctx, text, &doc)
		if !ok && c.cfg.SummaryFailurePolicy == config.SummaryDeadLetter {
			c.counters.MarkFailure()
			c.counters.MarkDeadLetter()
			cause := domain.Transient("summary-failed", fmt.Errorf("summary generation exhausted %d attempts", c.cfg.SummaryRetryBudget))
			return deadletter.Publish(ctx, c.bus, domain.StageProcessing, cause, msg.Topic, msg.Key, msg.Value)
		}
	}

	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal enriched document: %w", err)
	}
	if err := c.bus.Publish(ctx, bus.TopicEnriched, conv.CorrelationKey, value); err != nil {
		c.counters.MarkFailure()
		c.counters.MarkDeadLetter()
		cause := domain.Transient("publish-failed", err)
		return deadletter.Publish(ctx, c.bus, domain.StageProcessing, cause, msg.Topic, msg.Key, msg.Value)
	}

	c.counters.MarkSuccess()
	return nil
}

func (c *Consumer) enrichEmbedding(ctx context.Context, text string, doc *domain.EnrichedDocument) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.MLCallTimeout)
	defer cancel()

	vector, err := c.ml.Embed(callCtx, text)
	if err != nil {
		log.Printf("WARN: embedding failed for %s: %v", doc.Conversation.CorrelationKey, err)
		return
	}
	doc.EmbeddingVector = vector
}

func (c *Consumer) enrichClassification(ctx context.Context, text string, doc *domain.EnrichedDocument) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.MLCallTimeout)
	defer cancel()

	sentiment, classifications, err := c.ml.Classify(callCtx, text)
	if err != nil {
		log.Printf("WARN: classification failed for %s: %v", doc.Conversation.CorrelationKey, err)
		return
	}
	doc.Sentiment = sentiment
	doc.Classifications = classifications
}

func (c *Consumer) enrichEntities(ctx context.Context, text string, doc *domain.EnrichedDocument) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.MLCallTimeout)
	defer cancel()

	entities, err := c.ml.Entities(callCtx, text)
	if err != nil {
		log.Printf("WARN: entity extraction failed for %s: %v", doc.Conversation.CorrelationKey, err)
		return
	}
	doc.Entities = entities
}

// enrichSummary asks the router for a free-text summary, retrying up to the
// configured budget on top of the router's own retries. Returns false when
// the budget is exhausted without a summary.
func (c *Consumer) enrichSummary(ctx context.Context, text string, doc *domain.EnrichedDocument) bool {
	system := summaryPromptEnglish
	if doc.Language == "he" {
		system = summaryPromptHebrew
	}

	req := &domain.InferenceRequest{
		Prompt:       c.boundPrompt(text),
		SystemPrompt: system,
		Temperature:  0.2,
		MaxTokens:    256,
	}

	for attempt := 1; attempt <= c.cfg.SummaryRetryBudget; attempt++ {
		resp := c.router.Generate(ctx, req)
		if resp.Success {
			doc.Summary = resp.Text
			return true
		}
		log.Printf("WARN: summary attempt %d/%d failed for %s: %s",
			attempt, c.cfg.SummaryRetryBudget, doc.Conversation.CorrelationKey, resp.Error)
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// boundPrompt truncates the conversation text to the configured token budget
// so an unusually long call cannot blow the backend's context window.
func (c *Consumer) boundPrompt(text string) string {
	limit := c.cfg.SummaryMaxPromptTokens
	if limit <= 0 {
		return text
	}

	if c.encoder != nil {
		tokens := c.encoder.Encode(text, nil, nil)
		if len(tokens) <= limit {
			return text
		}
		return c.encoder.Decode(tokens[:limit])
	}

	// Rough fallback: ~4 runes per token.
	runes := []rune(text)
	if len(runes) <= limit*4 {
		return text
	}
	return string(runes[:limit*4])
}
