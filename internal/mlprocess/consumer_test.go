package mlprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/bus"
	"github.com/FSTGIAT/call-analytics-sub001/internal/config"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
	"github.com/FSTGIAT/call-analytics-sub001/internal/router"
)

type fakeBus struct {
	published []bus.Message
}

func (b *fakeBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.published = append(b.published, bus.Message{Topic: topic, Key: key, Value: value})
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, topic, group string, handler bus.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) onTopic(topic string) []bus.Message {
	var out []bus.Message
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// stubBackend answers every generate call the same way.
type stubBackend struct {
	kind domain.BackendKind
	text string
	err  error
}

func (s *stubBackend) Kind() domain.BackendKind { return s.kind }

func (s *stubBackend) Generate(ctx context.Context, req *domain.InferenceRequest) (string, error) {
	return s.text, s.err
}

func (s *stubBackend) CheckHealth(ctx context.Context) error { return nil }

// mlServer fakes the ML sub-services, with selected paths failing.
func mlServer(t *testing.T, failing map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing[r.URL.Path] {
			http.Error(w, "sub-service down", http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/embed":
			json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
		case "/classify":
			json.NewEncoder(w).Encode(map[string]any{
				"sentiment":       "negative",
				"classifications": []string{"billing"},
			})
		case "/entities":
			json.NewEncoder(w).Encode(map[string]any{"entities": []string{"ACME Corp"}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(mlURL string) *config.Config {
	return &config.Config{
		MLServiceURL:           mlURL,
		MLCallTimeout:          time.Second,
		EnableEmbeddings:       true,
		EnableSummaries:        true,
		SummaryRetryBudget:     2,
		SummaryFailurePolicy:   config.SummaryEmitWithout,
		SummaryMaxPromptTokens: 3000,
		InferenceTimeout:       time.Second,
		ErrorRateThreshold:     0.5,
		LatencyThresholdMs:     3000,
	}
}

func newTestConsumer(t *testing.T, b bus.Bus, cfg *config.Config, summarizer router.Backend) *Consumer {
	t.Helper()
	rt := router.New(summarizer, summarizer, cfg)
	ml := NewClient(cfg.MLServiceURL, 5*time.Second)
	return NewConsumer(b, ml, rt, cfg)
}

func assembledMsg(t *testing.T, key, text string) bus.Message {
	t.Helper()
	conv := domain.AssembledConversation{
		CorrelationKey: key,
		IsComplete:     true,
		Fragments: []domain.ConversationFragment{
			{CorrelationKey: key, SequenceHint: 1, SpeakerRole: domain.SpeakerCustomer, Text: text},
		},
	}
	value, err := json.Marshal(conv)
	if err != nil {
		t.Fatalf("marshal conversation: %v", err)
	}
	return bus.Message{Topic: bus.TopicAssembled, Key: key, Value: value}
}

func enrichedDoc(t *testing.T, b *fakeBus) domain.EnrichedDocument {
	t.Helper()
	msgs := b.onTopic(bus.TopicEnriched)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 enriched document, got %d", len(msgs))
	}
	var doc domain.EnrichedDocument
	if err := json.Unmarshal(msgs[0].Value, &doc); err != nil {
		t.Fatalf("bad enriched document: %v", err)
	}
	return doc
}

func TestFullEnrichment(t *testing.T) {
	srv := mlServer(t, nil)
	b := &fakeBus{}
	c := newTestConsumer(t, b, testConfig(srv.URL), &stubBackend{kind: domain.BackendLocal, text: "customer had a billing issue, resolved"})

	if err := c.handleConversation(context.Background(), assembledMsg(t, "CALL-1", "my bill is wrong")); err != nil {
		t.Fatalf("handleConversation: %v", err)
	}

	doc := enrichedDoc(t, b)
	if !strings.HasPrefix(doc.DocumentID, "doc_") {
		t.Errorf("unexpected document id %q", doc.DocumentID)
	}
	if len(doc.EmbeddingVector) != 3 {
		t.Errorf("embedding vector length = %d, want 3", len(doc.EmbeddingVector))
	}
	if doc.Sentiment != "negative" {
		t.Errorf("sentiment = %q", doc.Sentiment)
	}
	if len(doc.Classifications) != 1 || doc.Classifications[0] != "billing" {
		t.Errorf("classifications = %v", doc.Classifications)
	}
	if len(doc.Entities) != 1 || doc.Entities[0] != "ACME Corp" {
		t.Errorf("entities = %v", doc.Entities)
	}
	if doc.Summary != "customer had a billing issue, resolved" {
		t.Errorf("summary = %q", doc.Summary)
	}
	if doc.Language != "en" {
		t.Errorf("language = %q, want en", doc.Language)
	}
}

func TestHebrewConversationDetected(t *testing.T) {
	srv := mlServer(t, nil)
	b := &fakeBus{}
	c := newTestConsumer(t, b, testConfig(srv.URL), &stubBackend{kind: domain.BackendLocal, text: "סיכום"})

	if err := c.handleConversation(context.Background(), assembledMsg(t, "CALL-1", "החשבון שלי שגוי")); err != nil {
		t.Fatalf("handleConversation: %v", err)
	}

	doc := enrichedDoc(t, b)
	if doc.Language != "he" {
		t.Fatalf("language = %q, want he", doc.Language)
	}
}

func TestSubCallFailureLeavesFieldAbsent(t *testing.T) {
	srv := mlServer(t, map[string]bool{"/embed": true, "/entities": true})
	b := &fakeBus{}
	c := newTestConsumer(t, b, testConfig(srv.URL), &stubBackend{kind: domain.BackendLocal, text: "summary"})

	if err := c.handleConversation(context.Background(), assembledMsg(t, "CALL-1", "hello")); err != nil {
		t.Fatalf("handleConversation: %v", err)
	}

	doc := enrichedDoc(t, b)
	if doc.EmbeddingVector != nil {
		t.Errorf("embedding should be absent, got %v", doc.EmbeddingVector)
	}
	if doc.Entities != nil {
		t.Errorf("entities should be absent, got %v", doc.Entities)
	}
	// The surviving sub-calls still contribute.
	if doc.Sentiment != "negative" {
		t.Errorf("sentiment = %q", doc.Sentiment)
	}
	if doc.Summary != "summary" {
		t.Errorf("summary = %q", doc.Summary)
	}
	if got := len(b.onTopic(bus.TopicDeadLetter)); got != 0 {
		t.Fatalf("partial enrichment should not dead-letter, got %d", got)
	}
}

func TestSummaryFailureEmitWithoutPolicy(t *testing.T) {
	srv := mlServer(t, nil)
	b := &fakeBus{}
	c := newTestConsumer(t, b, testConfig(srv.URL), &stubBackend{kind: domain.BackendLocal, err: fmt.Errorf("model not loaded")})

	if err := c.handleConversation(context.Background(), assembledMsg(t, "CALL-1", "hello")); err != nil {
		t.Fatalf("handleConversation: %v", err)
	}

	doc := enrichedDoc(t, b)
	if doc.Summary != "" {
		t.Fatalf("summary should be absent, got %q", doc.Summary)
	}
	if got := len(b.onTopic(bus.TopicDeadLetter)); got != 0 {
		t.Fatalf("emit-without-summary policy should not dead-letter, got %d", got)
	}
}

func TestSummaryFailureDeadLetterPolicy(t *testing.T) {
	srv := mlServer(t, nil)
	cfg := testConfig(srv.URL)
	cfg.SummaryFailurePolicy = config.SummaryDeadLetter
	b := &fakeBus{}
	c := newTestConsumer(t, b, cfg, &stubBackend{kind: domain.BackendLocal, err: fmt.Errorf("model not loaded")})

	if err := c.handleConversation(context.Background(), assembledMsg(t, "CALL-1", "hello")); err != nil {
		t.Fatalf("handleConversation: %v", err)
	}

	if got := len(b.onTopic(bus.TopicEnriched)); got != 0 {
		t.Fatalf("dead-letter policy should not emit, got %d documents", got)
	}
	dead := b.onTopic(bus.TopicDeadLetter)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	var rec domain.FailedRecord
	if err := json.Unmarshal(dead[0].Value, &rec); err != nil {
		t.Fatalf("bad dead letter: %v", err)
	}
	if rec.ErrorKind != "summary-failed" || rec.Permanent {
		t.Fatalf("unexpected classification: %+v", rec)
	}
	if rec.OriginalTopic != bus.TopicAssembled || rec.OriginalKey != "CALL-1" {
		t.Fatalf("original coordinates lost: %+v", rec)
	}
}

func TestMalformedConversationDeadLetters(t *testing.T) {
	srv := mlServer(t, nil)
	b := &fakeBus{}
	c := newTestConsumer(t, b, testConfig(srv.URL), &stubBackend{kind: domain.BackendLocal})

	msg := bus.Message{Topic: bus.TopicAssembled, Key: "CALL-1", Value: []byte("{nope")}
	if err := c.handleConversation(context.Background(), msg); err != nil {
		t.Fatalf("handleConversation: %v", err)
	}

	dead := b.onTopic(bus.TopicDeadLetter)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	var rec domain.FailedRecord
	if err := json.Unmarshal(dead[0].Value, &rec); err != nil {
		t.Fatalf("bad dead letter: %v", err)
	}
	if rec.ErrorKind != "deserialization" || !rec.Permanent {
		t.Fatalf("unexpected classification: %+v", rec)
	}
}

func TestBoundPromptTruncates(t *testing.T) {
	srv := mlServer(t, nil)
	cfg := testConfig(srv.URL)
	cfg.SummaryMaxPromptTokens = 5
	c := newTestConsumer(t, &fakeBus{}, cfg, &stubBackend{kind: domain.BackendLocal})

	long := strings.Repeat("customer talked for a very long time ", 50)
	bounded := c.boundPrompt(long)
	if len(bounded) >= len(long) {
		t.Fatalf("prompt not truncated: %d vs %d", len(bounded), len(long))
	}

	short := "hello"
	if got := c.boundPrompt(short); got != short {
		t.Fatalf("short prompt altered: %q", got)
	}
}
