package pgparts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/parts"
)

const (
	upsertIndexSQL = `
INSERT INTO rondo_part_index (sku, part_id, name, price, indexed_at)
VALUES (@sku, @part_id, @name, @price::numeric, NOW())
ON CONFLICT (sku) DO UPDATE SET
    part_id = EXCLUDED.part_id,
    name = EXCLUDED.name,
    price = EXCLUDED.price,
    indexed_at = NOW();
`

	deleteIndexSQL = `
DELETE FROM rondo_part_index
WHERE sku = @sku;
`
)

// Projector maintains the rondo_part_index read model. Upserts and
// deletes are idempotent, so redelivered projections converge.
type Projector struct {
	pool *pgxpool.Pool
}

// NewProjector returns a projector over pool.
func NewProjector(pool *pgxpool.Pool) *Projector {
	return &Projector{pool: pool}
}

var _ bus.Projector[parts.Projection] = (*Projector)(nil)

// Project implements bus.Projector.
func (p *Projector) Project(ctx context.Context, projection parts.Projection) error {
	switch v := projection.(type) {
	case parts.IndexPart:
		args := pgx.NamedArgs{
			"sku":     v.SKU,
			"part_id": v.PartID.String(),
			"name":    v.Name,
			"price":   v.UnitPrice.String(),
		}
		if _, err := p.pool.Exec(ctx, upsertIndexSQL, args); err != nil {
			return fmt.Errorf("parts projector: upsert index: %w", err)
		}
		return nil
	case parts.RemoveIndex:
		if _, err := p.pool.Exec(ctx, deleteIndexSQL, pgx.NamedArgs{"sku": v.SKU}); err != nil {
			return fmt.Errorf("parts projector: delete index: %w", err)
		}
		return nil
	default:
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unhandled projection variant"))
	}
}
