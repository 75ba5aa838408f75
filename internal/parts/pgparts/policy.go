package pgparts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/parts"
)

const selectPartSQL = `
SELECT id::text, sku, name, price::text, retired
FROM rondo_parts
WHERE sku = @sku;
`

// ReadContext answers policy lookups over one pooled connection. Close
// returns the connection to the pool; the context is dead afterwards.
type ReadContext struct {
	conn   *pgxpool.Conn
	closed bool
}

var (
	_ bus.PolicyContext   = (*ReadContext)(nil)
	_ parts.CatalogReader = (*ReadContext)(nil)
)

// Lookup implements parts.CatalogReader.
func (c *ReadContext) Lookup(ctx context.Context, sku string) (parts.PartView, bool, error) {
	if c.closed {
		return parts.PartView{}, false, errs.New(component, errs.CodeConflict,
			errs.WithMessage("read after close"))
	}
	var (
		idText    string
		skuOut    string
		name      string
		priceText string
		retired   bool
	)
	row := c.conn.QueryRow(ctx, selectPartSQL, pgx.NamedArgs{"sku": sku})
	if err := row.Scan(&idText, &skuOut, &name, &priceText, &retired); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return parts.PartView{}, false, nil
		}
		return parts.PartView{}, false, fmt.Errorf("parts read context: lookup: %w", err)
	}
	id, err := uuid.Parse(idText)
	if err != nil {
		return parts.PartView{}, false, fmt.Errorf("parts read context: parse part id %q: %w", idText, err)
	}
	price, err := decimal.NewFromString(priceText)
	if err != nil {
		return parts.PartView{}, false, fmt.Errorf("parts read context: parse price %q: %w", priceText, err)
	}
	return parts.PartView{
		PartID:    id,
		SKU:       skuOut,
		Name:      name,
		UnitPrice: price,
		Retired:   retired,
	}, true, nil
}

// Close implements bus.PolicyContext. Closing twice is an error.
func (c *ReadContext) Close(context.Context) error {
	if c.closed {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("read context closed twice"))
	}
	c.closed = true
	c.conn.Release()
	return nil
}

// ReadContextFactory acquires one pooled connection per policy
// evaluation.
type ReadContextFactory struct {
	pool *pgxpool.Pool
}

var _ bus.PolicyContextFactory = (*ReadContextFactory)(nil)

// Create implements bus.PolicyContextFactory.
func (f *ReadContextFactory) Create(ctx context.Context) (bus.PolicyContext, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("parts read context: acquire connection: %w", err)
	}
	return &ReadContext{conn: conn}, nil
}
