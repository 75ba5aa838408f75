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

const (
	viewPartSQL = `
SELECT id::text, sku, name, price::text, retired
FROM rondo_parts
WHERE sku = @sku;
`

	listPartsSQL = `
SELECT id::text, sku, name, price::text, retired
FROM rondo_parts
ORDER BY sku;
`
)

// Viewer answers catalog queries from the rondo_parts table.
type Viewer struct {
	pool *pgxpool.Pool
}

// NewViewer returns a viewer over pool.
func NewViewer(pool *pgxpool.Pool) *Viewer {
	return &Viewer{pool: pool}
}

var _ bus.Viewer[parts.Query, parts.View] = (*Viewer)(nil)

// View implements bus.Viewer.
func (v *Viewer) View(ctx context.Context, q parts.Query) (parts.View, error) {
	if q.SKU == "" {
		return v.list(ctx)
	}
	row := v.pool.QueryRow(ctx, viewPartSQL, pgx.NamedArgs{"sku": q.SKU})
	part, err := scanPart(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return parts.View{}, errs.New(component, errs.CodeNotFound,
				errs.WithMessage("sku not in catalog"),
				errs.WithField("sku", q.SKU))
		}
		return parts.View{}, fmt.Errorf("parts viewer: query part: %w", err)
	}
	return parts.View{Parts: []parts.PartView{part}}, nil
}

func (v *Viewer) list(ctx context.Context) (parts.View, error) {
	rows, err := v.pool.Query(ctx, listPartsSQL)
	if err != nil {
		return parts.View{}, fmt.Errorf("parts viewer: list parts: %w", err)
	}
	defer rows.Close()

	var out []parts.PartView
	for rows.Next() {
		part, err := scanPart(rows)
		if err != nil {
			return parts.View{}, fmt.Errorf("parts viewer: scan part: %w", err)
		}
		out = append(out, part)
	}
	if err := rows.Err(); err != nil {
		return parts.View{}, fmt.Errorf("parts viewer: iterate parts: %w", err)
	}
	return parts.View{Parts: out}, nil
}

func scanPart(row pgx.Row) (parts.PartView, error) {
	var (
		idText    string
		sku       string
		name      string
		priceText string
		retired   bool
	)
	if err := row.Scan(&idText, &sku, &name, &priceText, &retired); err != nil {
		return parts.PartView{}, err
	}
	id, err := uuid.Parse(idText)
	if err != nil {
		return parts.PartView{}, fmt.Errorf("parse part id %q: %w", idText, err)
	}
	price, err := decimal.NewFromString(priceText)
	if err != nil {
		return parts.PartView{}, fmt.Errorf("parse price %q: %w", priceText, err)
	}
	return parts.PartView{
		PartID:    id,
		SKU:       sku,
		Name:      name,
		UnitPrice: price,
		Retired:   retired,
	}, nil
}
