// Package pgbus provides the Postgres-backed broker. Messages live in the
// rondo_queue table; consumers claim ready rows with FOR UPDATE SKIP LOCKED
// so multiple service instances can poll the same queue safely.
package pgbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/broker"
	"github.com/solmir/rondo/internal/observability"
)

const component = "broker/pgbus"

// Config controls the polling consumer.
type Config struct {
	PollRate     float64
	Prefetch     int
	RequeueDelay time.Duration
	MaxAttempts  int
}

func (c Config) normalize() Config {
	if c.PollRate <= 0 {
		c.PollRate = 10
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 32
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

const (
	insertSQL = `
INSERT INTO rondo_queue (kind, payload)
VALUES ($1, $2::jsonb);
`

	// Claiming a row pushes its availability forward, so rows that are
	// delivered but never settled reappear after the requeue delay.
	claimSQL = `
WITH candidates AS (
    SELECT id
    FROM rondo_queue
    WHERE dead = FALSE
      AND available_at <= NOW()
    ORDER BY id
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE rondo_queue q
SET attempts = q.attempts + 1,
    locked_at = NOW(),
    available_at = NOW() + make_interval(secs => $2)
FROM candidates c
WHERE q.id = c.id
RETURNING q.id, q.kind, q.payload, q.attempts;
`

	ackSQL = `
DELETE FROM rondo_queue
WHERE id = $1;
`

	requeueSQL = `
UPDATE rondo_queue
SET available_at = NOW() + make_interval(secs => $2),
    locked_at = NULL
WHERE id = $1;
`

	deadSQL = `
UPDATE rondo_queue
SET dead = TRUE,
    locked_at = NULL
WHERE id = $1;
`
)

type claimed struct {
	rowID    int64
	attempts int
}

// Broker is a Postgres-backed implementation of the bus broker contract.
type Broker[C, E, P any] struct {
	cfg   Config
	pool  *pgxpool.Pool
	codec broker.Codec[C, E, P]

	ctx    context.Context
	cancel context.CancelFunc

	limiter    *rate.Limiter
	deliveries chan bus.Delivery[C, E, P]

	mu       sync.Mutex
	inflight map[bus.DeliveryID]claimed

	pollOnce     sync.Once
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New constructs a Postgres-backed broker over the provided pool.
func New[C, E, P any](pool *pgxpool.Pool, codec broker.Codec[C, E, P], cfg Config) (*Broker[C, E, P], error) {
	if pool == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("pool required"))
	}
	if codec == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("codec required"))
	}
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(Broker[C, E, P])
	b.cfg = cfg
	b.pool = pool
	b.codec = codec
	b.ctx = ctx
	b.cancel = cancel
	b.limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), 1)
	b.deliveries = make(chan bus.Delivery[C, E, P], cfg.Prefetch)
	b.inflight = make(map[bus.DeliveryID]claimed)
	return b, nil
}

// Receive starts the polling consumer on first use and returns the shared
// delivery channel.
func (b *Broker[C, E, P]) Receive(ctx context.Context) (<-chan bus.Delivery[C, E, P], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("broker closed"))
	}
	b.pollOnce.Do(func() {
		b.wg.Add(1)
		go b.pollLoop()
	})
	return b.deliveries, nil
}

// Publish inserts a single message into the queue.
func (b *Broker[C, E, P]) Publish(ctx context.Context, msg bus.Message[C, E, P]) error {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := b.codec.Encode(msg)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("encode message"), errs.WithCause(err))
	}
	if _, err := b.pool.Exec(ctx, insertSQL, int16(msg.Kind), payload); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("insert message"), errs.WithCause(err))
	}
	return nil
}

// PublishBatch inserts the batch in one round trip, preserving order.
// An empty batch succeeds without touching the database.
func (b *Broker[C, E, P]) PublishBatch(ctx context.Context, msgs []bus.Message[C, E, P]) error {
	if len(msgs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	batch := new(pgx.Batch)
	for _, msg := range msgs {
		payload, err := b.codec.Encode(msg)
		if err != nil {
			return errs.New(component, errs.CodeInvalid, errs.WithMessage("encode message"), errs.WithCause(err))
		}
		batch.Queue(insertSQL, int16(msg.Kind), payload)
	}

	results := b.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range msgs {
		if _, err := results.Exec(); err != nil {
			return errs.New(component, errs.CodeUnavailable, errs.WithMessage("insert batch message"), errs.WithCause(err))
		}
	}
	return nil
}

// Ack deletes the settled row from the queue.
func (b *Broker[C, E, P]) Ack(ctx context.Context, id bus.DeliveryID) error {
	if ctx == nil {
		ctx = context.Background()
	}
	claim, err := b.take(id)
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, ackSQL, claim.rowID); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("delete settled row"), errs.WithCause(err))
	}
	return nil
}

// Nack makes the row available again, or parks it as dead once the attempt
// budget is exhausted.
func (b *Broker[C, E, P]) Nack(ctx context.Context, id bus.DeliveryID) error {
	if ctx == nil {
		ctx = context.Background()
	}
	claim, err := b.take(id)
	if err != nil {
		return err
	}

	if claim.attempts >= b.cfg.MaxAttempts {
		if _, err := b.pool.Exec(ctx, deadSQL, claim.rowID); err != nil {
			return errs.New(component, errs.CodeUnavailable, errs.WithMessage("park dead row"), errs.WithCause(err))
		}
		observability.Log().Warn("queue row dead-lettered",
			observability.Field{Key: "component", Value: component},
			observability.Field{Key: "rowId", Value: claim.rowID},
			observability.Field{Key: "attempts", Value: claim.attempts},
		)
		observability.Telemetry().IncCounter(observability.MetricDeadLetteredTotal, 1, map[string]string{"broker": "postgres"})
		observability.Emit(ctx, observability.NewOpsEvent(
			observability.OpsDeadLettered, observability.SeverityWarn, component,
			map[string]any{"reason": "attempts exhausted", "rowId": claim.rowID, "attempts": claim.attempts},
		))
		return nil
	}

	if _, err := b.pool.Exec(ctx, requeueSQL, claim.rowID, b.cfg.RequeueDelay.Seconds()); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("requeue row"), errs.WithCause(err))
	}
	return nil
}

// Close stops the poller and ends the delivery stream.
func (b *Broker[C, E, P]) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		close(b.deliveries)
	})
}

func (b *Broker[C, E, P]) take(id bus.DeliveryID) (claimed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	claim, ok := b.inflight[id]
	if !ok {
		return claimed{}, errs.New(component, errs.CodeNotFound, errs.WithMessage("unknown delivery"), errs.WithField("deliveryId", string(id)))
	}
	delete(b.inflight, id)
	return claim, nil
}

func (b *Broker[C, E, P]) pollLoop() {
	defer b.wg.Done()
	for {
		if err := b.limiter.Wait(b.ctx); err != nil {
			return
		}
		if err := b.pollOnceNow(); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			observability.Log().Warn("queue poll failed",
				observability.Field{Key: "component", Value: component},
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

func (b *Broker[C, E, P]) pollOnceNow() error {
	rows, err := b.pool.Query(b.ctx, claimSQL, b.cfg.Prefetch, b.cfg.RequeueDelay.Seconds())
	if err != nil {
		return fmt.Errorf("claim rows: %w", err)
	}

	type pending struct {
		rowID    int64
		kind     int16
		payload  []byte
		attempts int
	}
	var claims []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.rowID, &p.kind, &p.payload, &p.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("scan claimed row: %w", err)
		}
		claims = append(claims, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate claimed rows: %w", err)
	}

	for _, claim := range claims {
		msg, err := b.codec.Decode(bus.Kind(claim.kind), claim.payload)
		if err != nil {
			// Undecodable rows can never succeed; park them immediately.
			if _, derr := b.pool.Exec(b.ctx, deadSQL, claim.rowID); derr != nil {
				observability.Log().Warn("park undecodable row failed",
					observability.Field{Key: "component", Value: component},
					observability.Field{Key: "rowId", Value: claim.rowID},
					observability.Field{Key: "error", Value: derr.Error()},
				)
			}
			observability.Telemetry().IncCounter(observability.MetricDeadLetteredTotal, 1, map[string]string{"broker": "postgres"})
			observability.Emit(b.ctx, observability.NewOpsEvent(
				observability.OpsDeadLettered, observability.SeverityWarn, component,
				map[string]any{"reason": "undecodable payload", "rowId": claim.rowID, "attempts": claim.attempts},
			))
			continue
		}

		id := bus.DeliveryID(fmt.Sprintf("pg-%d-%d", claim.rowID, claim.attempts))
		b.mu.Lock()
		b.inflight[id] = claimed{rowID: claim.rowID, attempts: claim.attempts}
		b.mu.Unlock()

		select {
		case <-b.ctx.Done():
			b.mu.Lock()
			delete(b.inflight, id)
			b.mu.Unlock()
			return nil
		case b.deliveries <- bus.Delivery[C, E, P]{ID: id, Message: msg}:
		}
	}
	return nil
}
