package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solmir/rondo/bus"
)

// PgStore persists outbox rows in the rondo_outbox table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore constructs a PgStore backed by the provided pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const (
	defaultPendingLimit = 128
	maxPendingLimit     = 1024
	retryInterval       = 30 * time.Second
)

const (
	insertSQL = `
INSERT INTO rondo_outbox (kind, payload, available_at)
VALUES ($1, COALESCE($2::jsonb, '{}'::jsonb), $3)
RETURNING id, kind, payload, available_at, published_at, attempts, last_error, delivered, created_at;
`

	listPendingSQL = `
SELECT id, kind, payload, available_at, published_at, attempts, last_error, delivered, created_at
FROM rondo_outbox
WHERE delivered = FALSE
  AND available_at <= NOW()
ORDER BY available_at ASC, id ASC
LIMIT $1;
`

	countPendingSQL = `
SELECT COUNT(*)
FROM rondo_outbox
WHERE delivered = FALSE;
`

	markDeliveredSQL = `
UPDATE rondo_outbox
SET delivered = TRUE,
    published_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	markFailedSQL = `
UPDATE rondo_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	deleteSQL = `
DELETE FROM rondo_outbox
WHERE id = $1;
`
)

// Enqueue inserts a new row into the outbox.
func (s *PgStore) Enqueue(ctx context.Context, entry Entry) (Record, error) {
	if s.pool == nil {
		return Record{}, fmt.Errorf("outbox store: nil pool")
	}
	if err := validateEntry(entry); err != nil {
		return Record{}, err
	}
	availableAt := entry.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, insertSQL, int16(entry.Kind), []byte(entry.Payload), availableAt)
	return scanRecord(row)
}

// EnqueueBatch inserts all entries in one round trip, preserving order.
func (s *PgStore) EnqueueBatch(ctx context.Context, entries []Entry) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if len(entries) == 0 {
		return nil, nil
	}

	now := time.Now()
	batch := new(pgx.Batch)
	for _, entry := range entries {
		if err := validateEntry(entry); err != nil {
			return nil, err
		}
		availableAt := entry.AvailableAt
		if availableAt.IsZero() {
			availableAt = now
		}
		batch.Queue(insertSQL, int16(entry.Kind), []byte(entry.Payload), availableAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	records := make([]Record, 0, len(entries))
	for range entries {
		record, err := scanRecord(results.QueryRow())
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ListPending returns undelivered rows that are ready for replay.
func (s *PgStore) ListPending(ctx context.Context, limit int) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultPendingLimit
	} else if limit > maxPendingLimit {
		limit = maxPendingLimit
	}
	rows, err := s.pool.Query(ctx, listPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// CountPending reports the number of undelivered rows.
func (s *PgStore) CountPending(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	var count int64
	if err := s.pool.QueryRow(ctx, countPendingSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox store: count pending: %w", err)
	}
	return count, nil
}

// MarkDelivered flags a stored row as successfully published.
func (s *PgStore) MarkDelivered(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, markDeliveredSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark delivered: no rows updated")
	}
	return nil
}

// MarkFailed records a failed publish attempt and schedules a retry.
func (s *PgStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	nextAttempt := time.Now().Add(retryInterval)
	tag, err := s.pool.Exec(ctx, markFailedSQL, id, strings.TrimSpace(lastError), nextAttempt)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// Delete removes an outbox row by identifier.
func (s *PgStore) Delete(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, deleteSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: delete: no rows deleted")
	}
	return nil
}

func validateEntry(entry Entry) error {
	switch entry.Kind {
	case bus.KindCommand, bus.KindEvent, bus.KindProjection:
		return nil
	default:
		return fmt.Errorf("outbox store: invalid message kind %d", entry.Kind)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record      Record
		kind        int16
		payload     []byte
		publishedAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&kind,
		&payload,
		&record.AvailableAt,
		&publishedAt,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&record.CreatedAt,
	); err != nil {
		return Record{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	record.Kind = bus.Kind(kind)
	record.Payload = payload
	if publishedAt.Valid {
		t := publishedAt.Time
		record.PublishedAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	return record, nil
}

var _ Store = (*PgStore)(nil)
