package domain

import (
	"encoding/json"
	"time"
)

// ChangeEvent is one captured row change from the transactional source.
// Immutable once produced; consumers must tolerate redelivery.
type ChangeEvent struct {
	ChangeID            int64           `json:"change_id"`
	TableName           string          `json:"table_name"`
	ChangeType          ChangeType      `json:"change_type"`
	CorrelationKey      string          `json:"correlation_key"`
	Payload             json.RawMessage `json:"payload"`
	SourceTransactionID string          `json:"source_transaction_id"`
	CommitTimestamp     time.Time       `json:"commit_timestamp"`
}

// ConversationFragment is one turn within a call, derived from a ChangeEvent payload.
type ConversationFragment struct {
	CorrelationKey string      `json:"correlation_key"`
	SequenceHint   int         `json:"sequence_hint"`
	SpeakerRole    SpeakerRole `json:"speaker_role"`
	Text           string      `json:"text"`
	OccurredAt     time.Time   `json:"occurred_at"`
	Terminal       bool        `json:"terminal,omitempty"`
}

// AssembledConversation is the completed, ordered set of fragments for one call.
// It is handed off by value once complete and never mutated afterwards.
type AssembledConversation struct {
	CorrelationKey string                 `json:"correlation_key"`
	Fragments      []ConversationFragment `json:"fragments"`
	IsComplete     bool                   `json:"is_complete"`
	FirstSeenAt    time.Time              `json:"first_seen_at"`
	LastUpdatedAt  time.Time              `json:"last_updated_at"`
}

// FullText concatenates the fragment texts in order, speaker-prefixed,
// which is the form the ML sub-services and the summarizer consume.
func (c *AssembledConversation) FullText() string {
	var out string
	for i, f := range c.Fragments {
		if i > 0 {
			out += "\n"
		}
		out += string(f.SpeakerRole) + ": " + f.Text
	}
	return out
}

// EnrichedDocument is an AssembledConversation plus ML analysis results.
// Fields left nil/empty mean the corresponding sub-call failed or was disabled.
type EnrichedDocument struct {
	DocumentID      string                `json:"document_id"`
	Conversation    AssembledConversation `json:"conversation"`
	EmbeddingVector []float32             `json:"embedding_vector,omitempty"`
	Sentiment       string                `json:"sentiment,omitempty"`
	Summary         string                `json:"summary,omitempty"`
	Entities        []string              `json:"entities,omitempty"`
	Classifications []string              `json:"classifications,omitempty"`
	Language        string                `json:"language,omitempty"`
	ProcessedAt     time.Time             `json:"processed_at"`
}

// FailedRecord is the dead-letter envelope. Created by the stage that exhausted
// its local retry budget; mutated only by the recovery consumer afterwards.
type FailedRecord struct {
	RecordID        string          `json:"record_id"`
	Stage           Stage           `json:"stage"`
	ErrorKind       string          `json:"error_kind"`
	ErrorMessage    string          `json:"error_message"`
	AttemptCount    int             `json:"attempt_count"`
	FirstFailedAt   time.Time       `json:"first_failed_at"`
	Permanent       bool            `json:"permanent"`
	OriginalTopic   string          `json:"original_topic"`
	OriginalKey     string          `json:"original_key"`
	OriginalMessage json.RawMessage `json:"original_message"`
}

// ConsumerMetricsSnapshot is a point-in-time copy of one consumer's counters.
// Written only by the owning consumer, read by the health aggregator.
type ConsumerMetricsSnapshot struct {
	Consumer         string    `json:"consumer"`
	Processed        int64     `json:"processed"`
	Succeeded        int64     `json:"succeeded"`
	Failed           int64     `json:"failed"`
	SentToDeadLetter int64     `json:"sent_to_dead_letter"`
	LastProcessedAt  time.Time `json:"last_processed_at"`
}

// InferenceRequest is a single generate call routed between backends.
type InferenceRequest struct {
	Prompt          string      `json:"prompt"`
	SystemPrompt    string      `json:"system_prompt,omitempty"`
	Temperature     float64     `json:"temperature,omitempty"`
	MaxTokens       int         `json:"max_tokens,omitempty"`
	ConversationID  string      `json:"conversation_id,omitempty"`
	RoutingOverride BackendKind `json:"routing_override,omitempty"`
}

// InferenceResponse is the structured result of a routed generate call.
// Success=false with Error set is the terminal-failure shape; the router
// never lets a backend failure escape as a panic or unhandled error.
type InferenceResponse struct {
	Text        string      `json:"text"`
	BackendUsed BackendKind `json:"backend_used"`
	LatencyMs   int64       `json:"latency_ms"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
}

// BackendHealthState is the router's view of one backend. Mutated only by the
// router's own update path after each completed or failed attempt.
type BackendHealthState struct {
	Backend      BackendKind `json:"backend"`
	AvgLatencyMs float64     `json:"avg_latency_ms"`
	ErrorRate    float64     `json:"error_rate"`
	Available    bool        `json:"available"`
	ForcedMode   bool        `json:"forced_mode"`
}

// ProducerModes are the persisted ingestion toggles. Live and historical are
// independent; historical streams changes at or after CutoverTimestamp.
type ProducerModes struct {
	Live             bool       `json:"live"`
	Historical       bool       `json:"historical"`
	CutoverTimestamp *time.Time `json:"cutover_timestamp,omitempty"`
}

// FailureSummary is the recovery consumer's aggregate view of the ledger.
type FailureSummary struct {
	TotalErrors      int64   `json:"total_errors"`
	PermanentCount   int64   `json:"permanent_count"`
	RecoveredCount   int64   `json:"recovered_count"`
	PendingCount     int64   `json:"pending_count"`
	SuccessRate      float64 `json:"success_rate"`
	ByStage          map[string]int64 `json:"by_stage,omitempty"`
}
