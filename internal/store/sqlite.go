package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS failure_ledger (
			record_id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			error_message TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 1,
			first_failed_at DATETIME NOT NULL,
			last_failed_at DATETIME NOT NULL,
			permanent INTEGER NOT NULL DEFAULT 0,
			recovered INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME,
			original_topic TEXT NOT NULL,
			original_key TEXT NOT NULL,
			original_message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_retry ON failure_ledger(next_retry_at) WHERE next_retry_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_stage ON failure_ledger(stage)`,
		`CREATE TABLE IF NOT EXISTS producer_modes (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			live INTEGER NOT NULL DEFAULT 1,
			historical INTEGER NOT NULL DEFAULT 0,
			cutover_ts DATETIME
		)`,
		`INSERT OR IGNORE INTO producer_modes (id, live, historical) VALUES (1, 1, 0)`,
		`CREATE TABLE IF NOT EXISTS emitted_conversations (
			correlation_key TEXT PRIMARY KEY,
			fragment_count INTEGER NOT NULL,
			emitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordFailure inserts a new ledger row or, on redelivery of the same record,
// bumps its attempt count and retry schedule.
func (s *SQLiteStore) RecordFailure(ctx context.Context, rec *domain.FailedRecord, nextRetryAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failure_ledger
			(record_id, stage, error_kind, error_message, attempt_count, first_failed_at, last_failed_at, permanent, recovered, next_retry_at, original_topic, original_key, original_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT(record_id) DO UPDATE SET
			attempt_count = failure_ledger.attempt_count + 1,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			last_failed_at = excluded.last_failed_at,
			permanent = excluded.permanent,
			recovered = 0,
			next_retry_at = excluded.next_retry_at`,
		rec.RecordID, rec.Stage, rec.ErrorKind, rec.ErrorMessage, rec.AttemptCount,
		rec.FirstFailedAt, time.Now(), boolToInt(rec.Permanent), nextRetryAt,
		rec.OriginalTopic, rec.OriginalKey, string(rec.OriginalMessage))
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// DueRetries returns transient ledger rows whose retry time has passed.
func (s *SQLiteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, stage, error_kind, error_message, attempt_count, first_failed_at, last_failed_at, permanent, recovered, next_retry_at, original_topic, original_key, original_message
		 FROM failure_ledger
		 WHERE permanent = 0 AND recovered = 0 AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC
		 LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// MarkRecovered flags a ledger row as re-queued into the live pipeline.
func (s *SQLiteStore) MarkRecovered(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE failure_ledger SET recovered = 1, next_retry_at = NULL WHERE record_id = ?`,
		recordID)
	return err
}

// MarkPermanent flags a ledger row as terminally failed.
func (s *SQLiteStore) MarkPermanent(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE failure_ledger SET permanent = 1, next_retry_at = NULL WHERE record_id = ?`,
		recordID)
	return err
}

// FailureSummary aggregates the ledger.
func (s *SQLiteStore) FailureSummary(ctx context.Context) (*domain.FailureSummary, error) {
	summary := &domain.FailureSummary{ByStage: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN permanent = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN recovered = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN permanent = 0 AND recovered = 0 THEN 1 ELSE 0 END), 0)
		 FROM failure_ledger`).
		Scan(&summary.TotalErrors, &summary.PermanentCount, &summary.RecoveredCount, &summary.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger: %w", err)
	}

	if summary.TotalErrors > 0 {
		summary.SuccessRate = float64(summary.RecoveredCount) / float64(summary.TotalErrors)
	} else {
		summary.SuccessRate = 1.0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, COUNT(*) FROM failure_ledger GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger by stage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stage string
		var count int64
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		summary.ByStage[stage] = count
	}

	return summary, rows.Err()
}

// GetProducerModes returns the persisted live/historical flags.
func (s *SQLiteStore) GetProducerModes(ctx context.Context) (*domain.ProducerModes, error) {
	var modes domain.ProducerModes
	var live, historical int
	var cutover sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT live, historical, cutover_ts FROM producer_modes WHERE id = 1`).
		Scan(&live, &historical, &cutover)
	if err != nil {
		return nil, fmt.Errorf("failed to read producer modes: %w", err)
	}
	modes.Live = live == 1
	modes.Historical = historical == 1
	if cutover.Valid {
		t := cutover.Time
		modes.CutoverTimestamp = &t
	}
	return &modes, nil
}

// SetProducerModes persists the live/historical flags.
func (s *SQLiteStore) SetProducerModes(ctx context.Context, modes *domain.ProducerModes) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE producer_modes SET live = ?, historical = ?, cutover_ts = ? WHERE id = 1`,
		boolToInt(modes.Live), boolToInt(modes.Historical), modes.CutoverTimestamp)
	if err != nil {
		return fmt.Errorf("failed to set producer modes: %w", err)
	}
	return nil
}

// MarkConversationEmitted records the emission and reports whether this was
// the first time the key was seen.
func (s *SQLiteStore) MarkConversationEmitted(ctx context.Context, correlationKey string, fragmentCount int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO emitted_conversations (correlation_key, fragment_count) VALUES (?, ?)`,
		correlationKey, fragmentCount)
	if err != nil {
		return false, fmt.Errorf("failed to mark conversation emitted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WasConversationEmitted reports whether the key has already been emitted.
func (s *SQLiteStore) WasConversationEmitted(ctx context.Context, correlationKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM emitted_conversations WHERE correlation_key = ?`,
		correlationKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanLedgerEntry(rows *sql.Rows) (*LedgerEntry, error) {
	var e LedgerEntry
	var permanent, recovered int
	var errMsg, originalMessage sql.NullString
	var nextRetry sql.NullTime
	if err := rows.Scan(
		&e.Record.RecordID, &e.Record.Stage, &e.Record.ErrorKind, &errMsg,
		&e.Record.AttemptCount, &e.Record.FirstFailedAt, &e.LastFailedAt,
		&permanent, &recovered, &nextRetry,
		&e.Record.OriginalTopic, &e.Record.OriginalKey, &originalMessage,
	); err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Record.Permanent = permanent == 1
	e.Recovered = recovered == 1
	if errMsg.Valid {
		e.Record.ErrorMessage = errMsg.String
	}
	if originalMessage.Valid {
		e.Record.OriginalMessage = []byte(originalMessage.String)
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		e.NextRetryAt = &t
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
