// Package store persists the pipeline's durable state: the failure ledger,
// the producer mode flags, and the emitted-conversation archive.
package store

import (
	"context"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// LedgerEntry is one failure ledger row. The recovery consumer is the only
// writer; everything else appends to the dead-letter topic instead.
type LedgerEntry struct {
	Record      domain.FailedRecord
	Recovered   bool
	NextRetryAt *time.Time
	LastFailedAt time.Time
}

// Store is the persistence contract.
type Store interface {
	// Failure ledger (single writer: recovery consumer).
	RecordFailure(ctx context.Context, rec *domain.FailedRecord, nextRetryAt *time.Time) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]LedgerEntry, error)
	MarkRecovered(ctx context.Context, recordID string) error
	MarkPermanent(ctx context.Context, recordID string) error
	FailureSummary(ctx context.Context) (*domain.FailureSummary, error)

	// Producer mode flags.
	GetProducerModes(ctx context.Context) (*domain.ProducerModes, error)
	SetProducerModes(ctx context.Context, modes *domain.ProducerModes) error

	// Emitted-conversation archive. MarkConversationEmitted returns false if
	// the key was already recorded, which is what makes completed-conversation
	// emission idempotent across redeliveries.
	MarkConversationEmitted(ctx context.Context, correlationKey string, fragmentCount int) (bool, error)
	WasConversationEmitted(ctx context.Context, correlationKey string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
