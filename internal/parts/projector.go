package parts

import (
	"context"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
)

// Projector maintains the in-memory search index. Both operations are
// idempotent; redelivered projections converge on the same index state.
type Projector struct {
	store *Store
}

// NewProjector returns a projector over store.
func NewProjector(store *Store) *Projector {
	return &Projector{store: store}
}

var _ bus.Projector[Projection] = (*Projector)(nil)

// Project implements bus.Projector.
func (p *Projector) Project(_ context.Context, projection Projection) error {
	switch v := projection.(type) {
	case IndexPart:
		p.store.UpsertIndex(IndexEntry{
			PartID:    v.PartID,
			SKU:       v.SKU,
			Name:      v.Name,
			UnitPrice: v.UnitPrice,
		})
		return nil
	case RemoveIndex:
		p.store.DropIndex(v.SKU)
		return nil
	default:
		return errs.New("parts/projector", errs.CodeInvalid,
			errs.WithMessage("unhandled projection variant"))
	}
}
