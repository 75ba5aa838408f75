package observability

import (
	"context"
	"testing"
	"time"

	"github.com/solmir/rondo/errs"
)

func receiveEvent(t *testing.T, ch <-chan OpsEvent) OpsEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ops event")
	}
	return OpsEvent{}
}

func TestOpsBusDeliversToSubscribers(t *testing.T) {
	bus := NewInMemoryOpsBus(4)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	metadata := map[string]any{"reason": "attempts exhausted"}
	published := NewOpsEvent(OpsDeadLettered, SeverityWarn, "broker/membus", metadata)
	if err := bus.Publish(context.Background(), published); err != nil {
		t.Fatalf("publish: %v", err)
	}
	metadata["reason"] = "mutated after publish"

	got := receiveEvent(t, ch)
	if got.EventID == "" || got.Timestamp.IsZero() {
		t.Fatalf("event missing provenance: %+v", got)
	}
	if got.Type != OpsDeadLettered || got.Severity != SeverityWarn || got.Component != "broker/membus" {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.Metadata["reason"] != "attempts exhausted" {
		t.Fatalf("metadata not copied: %+v", got.Metadata)
	}
}

func TestOpsBusReportsSaturatedSubscriber(t *testing.T) {
	bus := NewInMemoryOpsBus(1)
	defer bus.Close()

	if _, err := bus.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), NewOpsEvent(OpsMigrationsApplied, SeverityInfo, "storage", nil)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := bus.Publish(context.Background(), NewOpsEvent(OpsMigrationsApplied, SeverityInfo, "storage", nil))
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestOpsBusCloseClosesSubscriberChannels(t *testing.T) {
	bus := NewInMemoryOpsBus(2)
	ch, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Close()
	bus.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after bus shutdown")
	}

	err = bus.Publish(context.Background(), NewOpsEvent(OpsMigrationsApplied, SeverityInfo, "storage", nil))
	if err != nil {
		t.Fatalf("publish after close with no subscribers: %v", err)
	}
}

func TestEmitRoutesThroughInstalledSink(t *testing.T) {
	t.Cleanup(func() { SetEvents(nil) })

	Emit(context.Background(), NewOpsEvent(OpsPoliciesRefreshed, SeverityInfo, "cmd/rondo", nil))

	bus := NewInMemoryOpsBus(2)
	defer bus.Close()
	SetEvents(bus)

	ch, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	Emit(context.Background(), NewOpsEvent(OpsPoliciesRefreshed, SeverityInfo, "cmd/rondo", map[string]any{"modules": 3}))

	got := receiveEvent(t, ch)
	if got.Type != OpsPoliciesRefreshed {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestDeadLetterQueueEvictsOldestAtCapacity(t *testing.T) {
	queue := NewDeadLetterQueue[int](2)
	queue.Offer(1)
	queue.Offer(2)
	queue.Offer(3)

	if queue.Len() != 2 {
		t.Fatalf("len = %d, want 2", queue.Len())
	}
	drained := queue.Drain()
	if len(drained) != 2 || drained[0] != 2 || drained[1] != 3 {
		t.Fatalf("drained %v, want [2 3]", drained)
	}
	if queue.Len() != 0 {
		t.Fatalf("len after drain = %d", queue.Len())
	}
}
