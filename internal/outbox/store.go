// Package outbox provides durable publishing for bus messages: a write-through
// broker decorator backed by a Postgres table and a replay worker that
// redelivers rows whose immediate publish failed.
package outbox

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/solmir/rondo/bus"
)

// Entry encapsulates a single outbox row ready to be enqueued.
type Entry struct {
	Kind        bus.Kind
	Payload     json.RawMessage
	AvailableAt time.Time
}

// Record captures the persisted state of an outbox row.
type Record struct {
	ID          int64
	Kind        bus.Kind
	Payload     json.RawMessage
	AvailableAt time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
	Delivered   bool
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) (Record, error)
	EnqueueBatch(ctx context.Context, entries []Entry) ([]Record, error)
	ListPending(ctx context.Context, limit int) ([]Record, error)
	CountPending(ctx context.Context) (int64, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
}
