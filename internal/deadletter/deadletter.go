// Package deadletter builds and publishes dead-letter envelopes. Record ids
// are deterministic per (stage, original message) so redelivered failures
// coalesce onto one failure-ledger row instead of multiplying.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/bus"
	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// RecordID derives the deterministic ledger id for a failed message.
func RecordID(stage domain.Stage, original []byte) string {
	h := fnv.New64a()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write(original)
	return fmt.Sprintf("flr_%x", h.Sum64())
}

// Publish sends a FailedRecord for the original message to the dead-letter
// topic. The originating stage never touches the ledger directly.
func Publish(ctx context.Context, b bus.Bus, stage domain.Stage, cause error, originalTopic, originalKey string, original []byte) error {
	rec := domain.FailedRecord{
		RecordID:        RecordID(stage, original),
		Stage:           stage,
		ErrorKind:       domain.ErrorKind(cause),
		ErrorMessage:    cause.Error(),
		AttemptCount:    1,
		FirstFailedAt:   time.Now(),
		Permanent:       domain.Classify(cause) == domain.ErrorClassPermanent,
		OriginalTopic:   originalTopic,
		OriginalKey:     originalKey,
		OriginalMessage: original,
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter record: %w", err)
	}
	if err := b.Publish(ctx, bus.TopicDeadLetter, originalKey, payload); err != nil {
		return fmt.Errorf("failed to publish dead-letter record: %w", err)
	}
	return nil
}
