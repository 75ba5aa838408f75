// Package pgparts is the Postgres-backed driver for the parts catalog:
// commands run inside a database transaction that journals captured
// events, the policy context reads through a pooled connection, and the
// projector maintains the rondo_part_index read model.
package pgparts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/parts"
)

const component = "parts/pgparts"

// pgUniqueViolation is the class 23 code raised when an insert loses a
// uniqueness race.
const pgUniqueViolation = "23505"

const (
	insertEventSQL = `
INSERT INTO rondo_events (part_id, event_type, payload)
VALUES (@part_id, @event_type, @payload::jsonb);
`

	insertPartSQL = `
INSERT INTO rondo_parts (id, sku, name, price, retired, created_at, updated_at)
VALUES (@id, @sku, @name, @price::numeric, FALSE, NOW(), NOW());
`

	updatePriceSQL = `
UPDATE rondo_parts
SET price = @price::numeric,
    updated_at = NOW()
WHERE id = @id;
`

	retirePartSQL = `
UPDATE rondo_parts
SET retired = TRUE,
    updated_at = NOW()
WHERE id = @id;
`
)

// TxUnitOfWork scopes one command to a database transaction. Captured
// events are journaled into rondo_events inside the transaction as they
// arrive; the part rows change at Commit, so both become visible together
// or not at all.
type TxUnitOfWork struct {
	tx      pgx.Tx
	pending []parts.Event
	settled bool
}

var _ bus.UnitOfWork[parts.Event] = (*TxUnitOfWork)(nil)

// CaptureEvent implements bus.UnitOfWork.
func (u *TxUnitOfWork) CaptureEvent(ctx context.Context, event parts.Event) error {
	if u.settled {
		return errSettled("capture after settle")
	}
	name, body, err := parts.EncodeEvent(event)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"part_id":    eventPartID(event).String(),
		"event_type": name,
		"payload":    string(body),
	}
	if _, err := u.tx.Exec(ctx, insertEventSQL, args); err != nil {
		return fmt.Errorf("parts uow: journal event: %w", err)
	}
	u.pending = append(u.pending, event)
	return nil
}

// Commit implements bus.UnitOfWork.
func (u *TxUnitOfWork) Commit(ctx context.Context) ([]parts.Event, error) {
	if u.settled {
		return nil, errSettled("commit after settle")
	}
	u.settled = true
	for _, evt := range u.pending {
		if err := u.applyEvent(ctx, evt); err != nil {
			if rbErr := u.tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				return nil, fmt.Errorf("parts uow: rollback tx: %w (apply error: %v)", rbErr, err)
			}
			return nil, err
		}
	}
	if err := u.tx.Commit(ctx); err != nil {
		return nil, mapCommitError(err)
	}
	out := make([]parts.Event, len(u.pending))
	copy(out, u.pending)
	return out, nil
}

// Rollback implements bus.UnitOfWork.
func (u *TxUnitOfWork) Rollback(ctx context.Context) error {
	if u.settled {
		return errSettled("rollback after settle")
	}
	u.settled = true
	u.pending = nil
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("parts uow: rollback tx: %w", err)
	}
	return nil
}

func (u *TxUnitOfWork) applyEvent(ctx context.Context, event parts.Event) error {
	switch e := event.(type) {
	case parts.PartCreated:
		args := pgx.NamedArgs{
			"id":    e.PartID.String(),
			"sku":   e.SKU,
			"name":  e.Name,
			"price": e.UnitPrice.String(),
		}
		if _, err := u.tx.Exec(ctx, insertPartSQL, args); err != nil {
			return mapCommitError(err)
		}
		return nil
	case parts.PriceAdjusted:
		args := pgx.NamedArgs{
			"id":    e.PartID.String(),
			"price": e.UnitPrice.String(),
		}
		if _, err := u.tx.Exec(ctx, updatePriceSQL, args); err != nil {
			return fmt.Errorf("parts uow: update price: %w", err)
		}
		return nil
	case parts.PartRetired:
		args := pgx.NamedArgs{"id": e.PartID.String()}
		if _, err := u.tx.Exec(ctx, retirePartSQL, args); err != nil {
			return fmt.Errorf("parts uow: retire part: %w", err)
		}
		return nil
	default:
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("event variant not applicable"))
	}
}

// eventPartID names the aggregate a journaled event belongs to.
func eventPartID(event parts.Event) uuid.UUID {
	switch e := event.(type) {
	case parts.PartCreated:
		return e.PartID
	case parts.PriceAdjusted:
		return e.PartID
	case parts.PartRetired:
		return e.PartID
	default:
		return uuid.Nil
	}
}

func errSettled(msg string) error {
	return errs.New(component, errs.CodeConflict, errs.WithMessage(msg))
}

// mapCommitError keeps uniqueness races observable as conflicts instead
// of opaque database failures.
func mapCommitError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("sku already in catalog"),
			errs.WithCause(err))
	}
	return fmt.Errorf("parts uow: commit tx: %w", err)
}

// TxUnitOfWorkFactory begins one read-write transaction per command.
type TxUnitOfWorkFactory struct {
	pool *pgxpool.Pool
}

var _ bus.UnitOfWorkFactory[parts.Event] = (*TxUnitOfWorkFactory)(nil)

// Create implements bus.UnitOfWorkFactory.
func (f *TxUnitOfWorkFactory) Create(ctx context.Context) (bus.UnitOfWork[parts.Event], error) {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := f.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, fmt.Errorf("parts uow: begin tx: %w", err)
	}
	return &TxUnitOfWork{tx: tx}, nil
}
