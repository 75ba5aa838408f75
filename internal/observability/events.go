package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solmir/rondo/errs"
)

// Severity represents the severity level of an ops event.
type Severity string

const (
	// SeverityInfo identifies informational events.
	SeverityInfo Severity = "INFO"
	// SeverityWarn identifies warning events.
	SeverityWarn Severity = "WARN"
	// SeverityError identifies error events.
	SeverityError Severity = "ERROR"
)

// OpsEventType enumerates runtime operations event categories.
type OpsEventType string

const (
	// OpsDeadLettered signals a delivery abandoned after its attempt budget.
	OpsDeadLettered OpsEventType = "queue.dead_lettered"
	// OpsOutboxDropped signals an outbox row dropped after repeated relay failures.
	OpsOutboxDropped OpsEventType = "outbox.dropped"
	// OpsMigrationsApplied signals a completed schema migration run.
	OpsMigrationsApplied OpsEventType = "migrations.applied"
	// OpsPoliciesRefreshed signals a reloaded policy catalog.
	OpsPoliciesRefreshed OpsEventType = "policies.refreshed"
	// OpsBridgeReconnected signals a re-established hub session.
	OpsBridgeReconnected OpsEventType = "bridge.reconnected"
)

// OpsEvent carries structured operational information for runtime events
// that want operator attention beyond a counter increment.
type OpsEvent struct {
	EventID   string         `json:"event_id"`
	Type      OpsEventType   `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewOpsEvent stamps a fresh event with an ID and UTC timestamp.
func NewOpsEvent(eventType OpsEventType, severity Severity, component string, metadata map[string]any) OpsEvent {
	return OpsEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Component: component,
		Metadata:  metadata,
	}
}

// EventSink accepts published ops events.
type EventSink interface {
	Publish(ctx context.Context, event OpsEvent) error
}

var defaultSink EventSink = noopSink{}

// SetEvents overrides the global ops event sink.
func SetEvents(sink EventSink) {
	if sink == nil {
		defaultSink = noopSink{}
		return
	}
	defaultSink = sink
}

// Events returns the current global ops event sink.
func Events() EventSink {
	return defaultSink
}

// Emit publishes an ops event through the installed sink. Ops events are
// advisory; saturated or missing sinks drop them.
func Emit(ctx context.Context, event OpsEvent) {
	_ = defaultSink.Publish(ctx, event)
}

type noopSink struct{}

func (noopSink) Publish(context.Context, OpsEvent) error { return nil }

// OpsBus defines pub/sub semantics for ops events.
type OpsBus interface {
	EventSink
	Subscribe(ctx context.Context) (<-chan OpsEvent, error)
	Close()
}

// InMemoryOpsBus is an in-memory implementation of the ops event bus.
type InMemoryOpsBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*opsSubscriber
	shutdown sync.Once
}

type opsSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan OpsEvent
	once   sync.Once
}

// NewInMemoryOpsBus constructs a memory-backed ops event bus.
func NewInMemoryOpsBus(buffer int) *InMemoryOpsBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(InMemoryOpsBus)
	bus.ctx = ctx
	bus.cancel = cancel
	bus.buffer = buffer
	bus.subs = make([]*opsSubscriber, 0)
	return bus
}

// Publish broadcasts the event to all subscribers.
func (b *InMemoryOpsBus) Publish(ctx context.Context, event OpsEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	subs := append([]*opsSubscriber(nil), b.subs...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := b.deliver(ctx, sub, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers an event subscriber.
func (b *InMemoryOpsBus) Subscribe(ctx context.Context) (<-chan OpsEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := new(opsSubscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan OpsEvent, b.buffer)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.observe(sub)
	return sub.ch, nil
}

// Close shuts down the bus and closes subscriber channels.
func (b *InMemoryOpsBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub != nil {
				sub.close()
			}
			b.subs[i] = nil
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

func (b *InMemoryOpsBus) deliver(ctx context.Context, sub *opsSubscriber, event OpsEvent) error {
	if err := sub.ctx.Err(); err != nil {
		return fmt.Errorf("ops subscriber context: %w", err)
	}
	select {
	case <-b.ctx.Done():
		return errs.New("observability/ops", errs.CodeUnavailable, errs.WithMessage("ops bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("ops publish context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- cloneOpsEvent(event):
		return nil
	default:
		return errs.New("observability/ops", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (b *InMemoryOpsBus) observe(sub *opsSubscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	for i, candidate := range b.subs {
		if candidate == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *opsSubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

func cloneOpsEvent(evt OpsEvent) OpsEvent {
	clone := evt
	if len(evt.Metadata) > 0 {
		metadataCopy := make(map[string]any, len(evt.Metadata))
		for k, v := range evt.Metadata {
			metadataCopy[k] = v
		}
		clone.Metadata = metadataCopy
	}
	return clone
}
