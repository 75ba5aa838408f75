package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/internal/broker"
	"github.com/solmir/rondo/internal/observability"
)

const (
	defaultReplayInterval  = 5 * time.Second
	defaultReplayBatchSize = 128
	defaultMaxAttempts     = 12
)

type settings struct {
	replayInterval  time.Duration
	replayBatchSize int
	maxAttempts     int
	replayDisabled  bool
}

// DurableOption configures the durable broker wrapper.
type DurableOption func(*settings)

// WithReplayInterval tweaks the polling cadence for replaying undelivered rows.
func WithReplayInterval(interval time.Duration) DurableOption {
	return func(s *settings) {
		if interval > 0 {
			s.replayInterval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows fetched per replay tick.
func WithReplayBatchSize(size int) DurableOption {
	return func(s *settings) {
		if size > 0 {
			s.replayBatchSize = size
		}
	}
}

// WithMaxAttempts bounds redelivery; rows that exceed it are dropped with a warning.
func WithMaxAttempts(attempts int) DurableOption {
	return func(s *settings) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithReplayDisabled skips starting the background replay worker.
func WithReplayDisabled() DurableOption {
	return func(s *settings) {
		s.replayDisabled = true
	}
}

// DurableBroker wraps a broker with outbox-backed publish durability.
// Publishes are written to the store before the inner broker sees them, so
// a publish failure after commit leaves a pending row the replay worker
// will redeliver.
type DurableBroker[C, E, P any] struct {
	inner bus.Broker[C, E, P]
	store Store
	codec broker.Codec[C, E, P]

	settings settings

	replayCtx    context.Context
	replayCancel context.CancelFunc
	replayWG     sync.WaitGroup
}

// NewDurable wraps the provided broker with outbox persistence. When store
// or codec is nil the original broker is returned unmodified.
func NewDurable[C, E, P any](inner bus.Broker[C, E, P], store Store, codec broker.Codec[C, E, P], opts ...DurableOption) bus.Broker[C, E, P] {
	if inner == nil {
		return nil
	}
	if store == nil || codec == nil {
		return inner
	}
	durable := &DurableBroker[C, E, P]{
		inner: inner,
		store: store,
		codec: codec,
		settings: settings{
			replayInterval:  defaultReplayInterval,
			replayBatchSize: defaultReplayBatchSize,
			maxAttempts:     defaultMaxAttempts,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&durable.settings)
		}
	}
	if !durable.settings.replayDisabled {
		durable.startReplayWorker()
	}
	return durable
}

// Receive delegates to the inner broker.
func (b *DurableBroker[C, E, P]) Receive(ctx context.Context) (<-chan bus.Delivery[C, E, P], error) {
	return b.inner.Receive(ctx)
}

// Publish persists the message to the outbox before delegating to the
// inner broker. A failed delegate publish keeps the row pending for replay
// and still surfaces the error to the caller.
func (b *DurableBroker[C, E, P]) Publish(ctx context.Context, msg bus.Message[C, E, P]) error {
	payload, err := b.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("durable broker: encode payload: %w", err)
	}
	record, err := b.store.Enqueue(ctx, Entry{Kind: msg.Kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("durable broker: enqueue: %w", err)
	}
	if err := b.inner.Publish(ctx, msg); err != nil {
		b.markFailure(ctx, record.ID, err)
		return fmt.Errorf("durable broker publish: %w", err)
	}
	if err := b.store.MarkDelivered(ctx, record.ID); err != nil {
		observability.Log().Warn("outbox mark delivered failed",
			observability.Field{Key: "recordId", Value: record.ID},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return fmt.Errorf("durable broker mark delivered: %w", err)
	}
	return nil
}

// PublishBatch persists the batch in order before delegating. An empty
// batch succeeds without touching the store.
func (b *DurableBroker[C, E, P]) PublishBatch(ctx context.Context, msgs []bus.Message[C, E, P]) error {
	if len(msgs) == 0 {
		return nil
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := b.codec.Encode(msg)
		if err != nil {
			return fmt.Errorf("durable broker: encode payload: %w", err)
		}
		entries = append(entries, Entry{Kind: msg.Kind, Payload: payload})
	}
	records, err := b.store.EnqueueBatch(ctx, entries)
	if err != nil {
		return fmt.Errorf("durable broker: enqueue batch: %w", err)
	}

	if err := b.inner.PublishBatch(ctx, msgs); err != nil {
		for _, record := range records {
			b.markFailure(ctx, record.ID, err)
		}
		return fmt.Errorf("durable broker publish batch: %w", err)
	}

	for _, record := range records {
		if err := b.store.MarkDelivered(ctx, record.ID); err != nil {
			observability.Log().Warn("outbox mark delivered failed",
				observability.Field{Key: "recordId", Value: record.ID},
				observability.Field{Key: "error", Value: err.Error()},
			)
			return fmt.Errorf("durable broker mark delivered: %w", err)
		}
	}
	return nil
}

// Ack delegates to the inner broker.
func (b *DurableBroker[C, E, P]) Ack(ctx context.Context, id bus.DeliveryID) error {
	return b.inner.Ack(ctx, id)
}

// Nack delegates to the inner broker.
func (b *DurableBroker[C, E, P]) Nack(ctx context.Context, id bus.DeliveryID) error {
	return b.inner.Nack(ctx, id)
}

// Close stops the replay worker before closing the inner broker.
func (b *DurableBroker[C, E, P]) Close() {
	if b.replayCancel != nil {
		b.replayCancel()
		b.replayWG.Wait()
	}
	if closer, ok := b.inner.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (b *DurableBroker[C, E, P]) startReplayWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	b.replayCtx = ctx
	b.replayCancel = cancel
	b.replayWG.Add(1)
	go func() {
		defer b.replayWG.Done()
		ticker := time.NewTicker(b.settings.replayInterval)
		defer ticker.Stop()
		b.replayPending()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.replayPending()
			}
		}
	}()
}

func (b *DurableBroker[C, E, P]) replayPending() {
	ctx := b.replayCtx
	if ctx == nil {
		ctx = context.Background()
	}

	records, err := b.store.ListPending(ctx, b.settings.replayBatchSize)
	if err != nil {
		observability.Log().Warn("outbox replay list failed",
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}
	if count, err := b.store.CountPending(ctx); err == nil {
		observability.Telemetry().SetGauge(observability.MetricOutboxPending, float64(count), nil)
	}

	for _, record := range records {
		if b.settings.maxAttempts > 0 && record.Attempts >= b.settings.maxAttempts {
			observability.Log().Warn("outbox row dropped after attempt budget",
				observability.Field{Key: "recordId", Value: record.ID},
				observability.Field{Key: "attempts", Value: record.Attempts},
				observability.Field{Key: "lastError", Value: record.LastError},
			)
			b.countRelay("dead")
			observability.Emit(ctx, observability.NewOpsEvent(
				observability.OpsOutboxDropped, observability.SeverityError, "outbox/durable",
				map[string]any{"record_id": record.ID, "attempts": record.Attempts, "last_error": record.LastError},
			))
			if err := b.store.Delete(ctx, record.ID); err != nil {
				observability.Log().Warn("outbox delete failed",
					observability.Field{Key: "recordId", Value: record.ID},
					observability.Field{Key: "error", Value: err.Error()},
				)
			}
			continue
		}

		msg, err := b.codec.Decode(record.Kind, record.Payload)
		if err != nil {
			b.countRelay("failed")
			if merr := b.store.MarkFailed(ctx, record.ID, err.Error()); merr != nil {
				observability.Log().Warn("outbox mark failed error",
					observability.Field{Key: "recordId", Value: record.ID},
					observability.Field{Key: "error", Value: merr.Error()},
				)
			}
			continue
		}
		if err := b.inner.Publish(ctx, msg); err != nil {
			b.countRelay("failed")
			if merr := b.store.MarkFailed(ctx, record.ID, err.Error()); merr != nil {
				observability.Log().Warn("outbox mark failed error",
					observability.Field{Key: "recordId", Value: record.ID},
					observability.Field{Key: "error", Value: merr.Error()},
				)
			}
			continue
		}
		if err := b.store.MarkDelivered(ctx, record.ID); err != nil {
			observability.Log().Warn("outbox replay mark delivered failed",
				observability.Field{Key: "recordId", Value: record.ID},
				observability.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		b.countRelay("delivered")
	}
}

func (b *DurableBroker[C, E, P]) markFailure(ctx context.Context, id int64, publishErr error) {
	msg := "publish failed"
	if publishErr != nil {
		msg = publishErr.Error()
	}
	if err := b.store.MarkFailed(ctx, id, msg); err != nil {
		observability.Log().Warn("outbox mark failed error",
			observability.Field{Key: "recordId", Value: id},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (b *DurableBroker[C, E, P]) countRelay(result string) {
	observability.Telemetry().IncCounter(observability.MetricOutboxRelayTotal, 1, map[string]string{"result": result})
}
