package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/internal/broker"
)

type tMsg = bus.Message[string, string, string]

type stubBroker struct {
	published []tMsg
	batches   [][]tMsg

	publishErr error
}

func (s *stubBroker) Receive(context.Context) (<-chan bus.Delivery[string, string, string], error) {
	return nil, nil
}

func (s *stubBroker) Publish(_ context.Context, msg tMsg) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, msg)
	return nil
}

func (s *stubBroker) PublishBatch(_ context.Context, msgs []tMsg) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.batches = append(s.batches, msgs)
	s.published = append(s.published, msgs...)
	return nil
}

func (s *stubBroker) Ack(context.Context, bus.DeliveryID) error  { return nil }
func (s *stubBroker) Nack(context.Context, bus.DeliveryID) error { return nil }

type fakeStore struct {
	nextID    int64
	pending   []Record
	delivered []int64
	failed    map[int64]string
	deleted   []int64

	enqueueErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{failed: make(map[int64]string)}
}

func (f *fakeStore) Enqueue(_ context.Context, entry Entry) (Record, error) {
	if f.enqueueErr != nil {
		return Record{}, f.enqueueErr
	}
	f.nextID++
	record := Record{
		ID:          f.nextID,
		Kind:        entry.Kind,
		Payload:     entry.Payload,
		AvailableAt: time.Now(),
		CreatedAt:   time.Now(),
	}
	f.pending = append(f.pending, record)
	return record, nil
}

func (f *fakeStore) EnqueueBatch(ctx context.Context, entries []Entry) ([]Record, error) {
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		record, err := f.Enqueue(ctx, entry)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (f *fakeStore) ListPending(context.Context, int) ([]Record, error) {
	out := make([]Record, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeStore) CountPending(context.Context) (int64, error) {
	return int64(len(f.pending)), nil
}

func (f *fakeStore) MarkDelivered(_ context.Context, id int64) error {
	f.delivered = append(f.delivered, id)
	f.drop(id)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id int64, lastError string) error {
	f.failed[id] = lastError
	for i := range f.pending {
		if f.pending[i].ID == id {
			f.pending[i].Attempts++
		}
	}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	f.drop(id)
	return nil
}

func (f *fakeStore) drop(id int64) {
	for i := range f.pending {
		if f.pending[i].ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return
		}
	}
}

var testCodec = broker.JSONCodec[string, string, string]{}

func TestNewDurableReturnsInnerWhenStoreNil(t *testing.T) {
	inner := &stubBroker{}
	wrapped := NewDurable[string, string, string](inner, nil, testCodec)
	if wrapped != bus.Broker[string, string, string](inner) {
		t.Fatal("expected original broker when store nil")
	}
}

func TestPublishPersistsAndMarksDelivered(t *testing.T) {
	inner := &stubBroker{}
	store := newFakeStore()
	durable := NewDurable[string, string, string](inner, store, testCodec, WithReplayDisabled())

	msg := tMsg{Kind: bus.KindEvent, Event: "part-created"}
	if err := durable.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(inner.published) != 1 || inner.published[0] != msg {
		t.Fatalf("expected delegation to inner broker, got %+v", inner.published)
	}
	if len(store.delivered) != 1 {
		t.Fatalf("expected delivered marker, got %d", len(store.delivered))
	}
	if len(store.failed) != 0 {
		t.Fatalf("unexpected failures: %v", store.failed)
	}
}

func TestPublishKeepsRowPendingOnInnerFailure(t *testing.T) {
	pubErr := errors.New("transport down")
	inner := &stubBroker{publishErr: pubErr}
	store := newFakeStore()
	durable := NewDurable[string, string, string](inner, store, testCodec, WithReplayDisabled())

	err := durable.Publish(context.Background(), tMsg{Kind: bus.KindEvent, Event: "part-created"})
	if !errors.Is(err, pubErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if len(store.failed) != 1 {
		t.Fatalf("expected failure recorded, got %d", len(store.failed))
	}
	if len(store.pending) != 1 {
		t.Fatalf("expected row to stay pending for replay, got %d", len(store.pending))
	}
}

func TestPublishBatchMarksEachDelivered(t *testing.T) {
	inner := &stubBroker{}
	store := newFakeStore()
	durable := NewDurable[string, string, string](inner, store, testCodec, WithReplayDisabled())

	batch := []tMsg{
		{Kind: bus.KindEvent, Event: "one"},
		{Kind: bus.KindEvent, Event: "two"},
		{Kind: bus.KindProjection, Projection: "three"},
	}
	if err := durable.PublishBatch(context.Background(), batch); err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	if len(inner.batches) != 1 || len(inner.batches[0]) != 3 {
		t.Fatalf("expected one delegated batch of three, got %+v", inner.batches)
	}
	if len(store.delivered) != 3 {
		t.Fatalf("expected three delivered markers, got %d", len(store.delivered))
	}
}

func TestEmptyBatchSkipsStore(t *testing.T) {
	inner := &stubBroker{}
	store := newFakeStore()
	durable := NewDurable[string, string, string](inner, store, testCodec, WithReplayDisabled())

	if err := durable.PublishBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if store.nextID != 0 {
		t.Fatal("expected no store writes for an empty batch")
	}
}

func TestReplayRedeliversPendingRows(t *testing.T) {
	inner := &stubBroker{}
	store := newFakeStore()
	wrapped := NewDurable[string, string, string](inner, store, testCodec, WithReplayDisabled())
	durable, ok := wrapped.(*DurableBroker[string, string, string])
	if !ok {
		t.Fatal("expected durable broker instance")
	}

	payload, err := testCodec.Encode(tMsg{Kind: bus.KindEvent, Event: "replay-me"})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	store.pending = append(store.pending, Record{ID: 7, Kind: bus.KindEvent, Payload: payload})

	durable.replayPending()

	if len(inner.published) != 1 || inner.published[0].Event != "replay-me" {
		t.Fatalf("expected replayed publish, got %+v", inner.published)
	}
	if len(store.delivered) != 1 || store.delivered[0] != 7 {
		t.Fatalf("expected record 7 delivered, got %v", store.delivered)
	}
}

func TestReplayDropsRowsOverAttemptBudget(t *testing.T) {
	inner := &stubBroker{}
	store := newFakeStore()
	wrapped := NewDurable[string, string, string](inner, store, testCodec, WithReplayDisabled(), WithMaxAttempts(3))
	durable := wrapped.(*DurableBroker[string, string, string])

	payload, err := testCodec.Encode(tMsg{Kind: bus.KindEvent, Event: "poison"})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	store.pending = append(store.pending, Record{ID: 9, Kind: bus.KindEvent, Payload: payload, Attempts: 3})

	durable.replayPending()

	if len(inner.published) != 0 {
		t.Fatalf("expected no publish for dropped row, got %+v", inner.published)
	}
	if len(store.deleted) != 1 || store.deleted[0] != 9 {
		t.Fatalf("expected record 9 deleted, got %v", store.deleted)
	}
}

func TestReplayMarksFailedOnDecodeError(t *testing.T) {
	inner := &stubBroker{}
	store := newFakeStore()
	wrapped := NewDurable[string, string, string](inner, store, testCodec, WithReplayDisabled())
	durable := wrapped.(*DurableBroker[string, string, string])

	store.pending = append(store.pending, Record{ID: 3, Kind: bus.KindEvent, Payload: []byte("{broken")})

	durable.replayPending()

	if len(inner.published) != 0 {
		t.Fatalf("expected no publish for undecodable row, got %+v", inner.published)
	}
	if _, ok := store.failed[3]; !ok {
		t.Fatalf("expected record 3 marked failed, got %v", store.failed)
	}
}
