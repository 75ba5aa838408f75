// Package membus provides the in-process broker backed by bounded channels.
package membus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/observability"
)

const component = "broker/membus"

// Config sizes the in-memory queue and its redelivery behaviour.
type Config struct {
	BufferSize         int
	MaxAttempts        int
	RedeliveryDelay    time.Duration
	DeadLetterCapacity int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RedeliveryDelay < 0 {
		c.RedeliveryDelay = 0
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 1024
	}
	return c
}

type envelope[C, E, P any] struct {
	message  bus.Message[C, E, P]
	attempts int
}

// Broker is an in-memory implementation of the bus broker contract.
// Deliveries are at-least-once: a message stays inflight until acked,
// and nacked messages are requeued under a fresh delivery ID until the
// attempt budget runs out, after which they move to the dead-letter queue.
type Broker[C, E, P any] struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	deliveries chan bus.Delivery[C, E, P]

	mu       sync.Mutex
	inflight map[bus.DeliveryID]*envelope[C, E, P]

	dlq          *observability.DeadLetterQueue[bus.Message[C, E, P]]
	nextID       uint64
	shutdownOnce sync.Once
}

// New constructs a memory-backed broker.
func New[C, E, P any](cfg Config) *Broker[C, E, P] {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(Broker[C, E, P])
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.deliveries = make(chan bus.Delivery[C, E, P], cfg.BufferSize)
	b.inflight = make(map[bus.DeliveryID]*envelope[C, E, P])
	b.dlq = observability.NewDeadLetterQueue[bus.Message[C, E, P]](cfg.DeadLetterCapacity)
	return b
}

// Receive returns the shared delivery channel. Multiple callers compete
// for deliveries, which is how consumer loops scale out.
func (b *Broker[C, E, P]) Receive(ctx context.Context) (<-chan bus.Delivery[C, E, P], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("broker closed"))
	}
	return b.deliveries, nil
}

// Publish enqueues a single message.
func (b *Broker[C, E, P]) Publish(ctx context.Context, msg bus.Message[C, E, P]) error {
	if ctx == nil {
		ctx = context.Background()
	}
	env := &envelope[C, E, P]{message: msg}
	return b.enqueue(ctx, env)
}

// PublishBatch enqueues the batch in order. An empty batch succeeds.
func (b *Broker[C, E, P]) PublishBatch(ctx context.Context, msgs []bus.Message[C, E, P]) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, msg := range msgs {
		if err := b.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Ack settles the delivery and drops it from the inflight set.
func (b *Broker[C, E, P]) Ack(_ context.Context, id bus.DeliveryID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[id]; !ok {
		return errs.New(component, errs.CodeNotFound, errs.WithMessage("unknown delivery"), errs.WithField("deliveryId", string(id)))
	}
	delete(b.inflight, id)
	return nil
}

// Nack requeues the delivery under a fresh ID, or dead-letters it once
// the attempt budget is exhausted.
func (b *Broker[C, E, P]) Nack(ctx context.Context, id bus.DeliveryID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	env, ok := b.inflight[id]
	if !ok {
		b.mu.Unlock()
		return errs.New(component, errs.CodeNotFound, errs.WithMessage("unknown delivery"), errs.WithField("deliveryId", string(id)))
	}
	delete(b.inflight, id)
	b.mu.Unlock()

	if env.attempts >= b.cfg.MaxAttempts {
		b.deadLetter(env, "attempts exhausted")
		return nil
	}

	if b.cfg.RedeliveryDelay <= 0 {
		b.requeue(env)
		return nil
	}

	timer := time.AfterFunc(b.cfg.RedeliveryDelay, func() {
		b.requeue(env)
	})
	go func() {
		<-b.ctx.Done()
		timer.Stop()
	}()
	return nil
}

// Close shuts the broker down and ends the delivery stream.
func (b *Broker[C, E, P]) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		b.inflight = make(map[bus.DeliveryID]*envelope[C, E, P])
		b.mu.Unlock()
		close(b.deliveries)
	})
}

// DeadLetters drains and returns the dead-lettered messages.
func (b *Broker[C, E, P]) DeadLetters() []bus.Message[C, E, P] {
	return b.dlq.Drain()
}

func (b *Broker[C, E, P]) enqueue(ctx context.Context, env *envelope[C, E, P]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Delivery channel closed mid-send; report unavailable.
			err = errs.New(component, errs.CodeUnavailable, errs.WithMessage("broker closed"))
		}
	}()

	env.attempts++
	id := bus.DeliveryID(fmt.Sprintf("mem-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.inflight[id] = env
	b.mu.Unlock()

	select {
	case <-b.ctx.Done():
		b.forget(id)
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("broker closed"))
	case <-ctx.Done():
		b.forget(id)
		return fmt.Errorf("enqueue context: %w", ctx.Err())
	case b.deliveries <- bus.Delivery[C, E, P]{ID: id, Message: env.message}:
		return nil
	default:
		b.forget(id)
		return errs.New(component, errs.CodeExhausted, errs.WithMessage("delivery buffer full"))
	}
}

func (b *Broker[C, E, P]) forget(id bus.DeliveryID) {
	b.mu.Lock()
	delete(b.inflight, id)
	b.mu.Unlock()
}

func (b *Broker[C, E, P]) requeue(env *envelope[C, E, P]) {
	if b.ctx.Err() != nil {
		return
	}
	if err := b.enqueue(b.ctx, env); err != nil {
		b.deadLetter(env, "requeue failed")
	}
}

func (b *Broker[C, E, P]) deadLetter(env *envelope[C, E, P], reason string) {
	b.dlq.Offer(env.message)
	observability.Log().Warn("delivery dead-lettered",
		observability.Field{Key: "component", Value: component},
		observability.Field{Key: "reason", Value: reason},
		observability.Field{Key: "attempts", Value: env.attempts},
	)
	observability.Telemetry().IncCounter(observability.MetricDeadLetteredTotal, 1, map[string]string{"broker": "memory"})
	observability.Emit(context.Background(), observability.NewOpsEvent(
		observability.OpsDeadLettered, observability.SeverityWarn, component,
		map[string]any{"reason": reason, "kind": env.message.Kind.String(), "attempts": env.attempts},
	))
}
