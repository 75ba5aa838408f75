package pgparts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/parts"
)

const (
	selectSKUExistsSQL = `
SELECT 1
FROM rondo_parts
WHERE sku = @sku;
`

	selectPartForUpdateSQL = `
SELECT id::text, name, price::text, retired
FROM rondo_parts
WHERE sku = @sku
FOR UPDATE;
`
)

// Handler applies catalog commands through the transaction its unit of
// work carries. Row locks taken by the lookups hold until that
// transaction settles, so two commands for one SKU serialize.
type Handler struct{}

var _ bus.CommandHandler[parts.Command, parts.Event, uuid.UUID] = Handler{}

// Handle implements bus.CommandHandler.
func (h Handler) Handle(ctx context.Context, uow bus.UnitOfWork[parts.Event], cmd parts.Command) (*uuid.UUID, error) {
	txu, ok := uow.(*TxUnitOfWork)
	if !ok {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unit of work is not a catalog transaction"))
	}
	switch c := cmd.(type) {
	case parts.CreatePart:
		return h.createPart(ctx, txu, c)
	case parts.AdjustPrice:
		return h.adjustPrice(ctx, txu, c)
	case parts.RetirePart:
		return h.retirePart(ctx, txu, c)
	default:
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unhandled command variant"))
	}
}

func (h Handler) createPart(ctx context.Context, txu *TxUnitOfWork, cmd parts.CreatePart) (*uuid.UUID, error) {
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return nil, invalidCommand("sku required")
	}
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return nil, invalidCommand("name required")
	}
	if cmd.UnitPrice.IsNegative() {
		return nil, invalidCommand("unit price must not be negative")
	}

	var one int
	err := txu.tx.QueryRow(ctx, selectSKUExistsSQL, pgx.NamedArgs{"sku": sku}).Scan(&one)
	switch {
	case err == nil:
		// The unique index still backstops races that slip past this
		// check; those surface as conflicts at commit.
		return nil, errs.New(component, errs.CodeConflict,
			errs.WithMessage("sku already in catalog"),
			errs.WithField("sku", sku))
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("parts handler: check sku: %w", err)
	}

	id := uuid.New()
	captureErr := txu.CaptureEvent(ctx, parts.PartCreated{
		PartID:    id,
		SKU:       sku,
		Name:      name,
		UnitPrice: cmd.UnitPrice,
	})
	if captureErr != nil {
		return nil, captureErr
	}
	return &id, nil
}

func (h Handler) adjustPrice(ctx context.Context, txu *TxUnitOfWork, cmd parts.AdjustPrice) (*uuid.UUID, error) {
	if cmd.UnitPrice.IsNegative() {
		return nil, invalidCommand("unit price must not be negative")
	}
	part, err := lockPart(ctx, txu, cmd.SKU)
	if err != nil {
		return nil, err
	}
	if part.Retired {
		return nil, errs.New(component, errs.CodeConflict,
			errs.WithMessage("part retired"),
			errs.WithField("sku", cmd.SKU))
	}
	if part.UnitPrice.Equal(cmd.UnitPrice) {
		return &part.PartID, nil
	}
	captureErr := txu.CaptureEvent(ctx, parts.PriceAdjusted{
		PartID:    part.PartID,
		SKU:       cmd.SKU,
		UnitPrice: cmd.UnitPrice,
	})
	if captureErr != nil {
		return nil, captureErr
	}
	return &part.PartID, nil
}

func (h Handler) retirePart(ctx context.Context, txu *TxUnitOfWork, cmd parts.RetirePart) (*uuid.UUID, error) {
	part, err := lockPart(ctx, txu, cmd.SKU)
	if err != nil {
		return nil, err
	}
	if part.Retired {
		return &part.PartID, nil
	}
	captureErr := txu.CaptureEvent(ctx, parts.PartRetired{
		PartID: part.PartID,
		SKU:    cmd.SKU,
		Reason: strings.TrimSpace(cmd.Reason),
	})
	if captureErr != nil {
		return nil, captureErr
	}
	return &part.PartID, nil
}

// lockPart reads the part row under FOR UPDATE through the command's
// transaction.
func lockPart(ctx context.Context, txu *TxUnitOfWork, sku string) (parts.PartView, error) {
	var (
		idText    string
		name      string
		priceText string
		retired   bool
	)
	row := txu.tx.QueryRow(ctx, selectPartForUpdateSQL, pgx.NamedArgs{"sku": sku})
	if err := row.Scan(&idText, &name, &priceText, &retired); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return parts.PartView{}, errs.New(component, errs.CodeNotFound,
				errs.WithMessage("sku not in catalog"),
				errs.WithField("sku", sku))
		}
		return parts.PartView{}, fmt.Errorf("parts handler: lock part: %w", err)
	}
	id, err := uuid.Parse(idText)
	if err != nil {
		return parts.PartView{}, fmt.Errorf("parts handler: parse part id %q: %w", idText, err)
	}
	price, err := decimal.NewFromString(priceText)
	if err != nil {
		return parts.PartView{}, fmt.Errorf("parts handler: parse price %q: %w", priceText, err)
	}
	return parts.PartView{
		PartID:    id,
		SKU:       sku,
		Name:      name,
		UnitPrice: price,
		Retired:   retired,
	}, nil
}

func invalidCommand(msg string) error {
	return errs.New(component, errs.CodeInvalid, errs.WithMessage(msg))
}
