package parts

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
)

const handlerComponent = "parts/handler"

// Handler validates catalog commands against committed state and captures
// the resulting events on the unit of work. It never publishes and never
// writes the store directly.
type Handler struct {
	store *Store
}

// NewHandler returns a command handler over store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

var _ bus.CommandHandler[Command, Event, uuid.UUID] = (*Handler)(nil)

// Handle implements bus.CommandHandler.
func (h *Handler) Handle(ctx context.Context, uow bus.UnitOfWork[Event], cmd Command) (*uuid.UUID, error) {
	switch c := cmd.(type) {
	case CreatePart:
		return h.createPart(ctx, uow, c)
	case AdjustPrice:
		return h.adjustPrice(ctx, uow, c)
	case RetirePart:
		return h.retirePart(ctx, uow, c)
	default:
		return nil, errs.New(handlerComponent, errs.CodeInvalid,
			errs.WithMessage("unhandled command variant"))
	}
}

func (h *Handler) createPart(ctx context.Context, uow bus.UnitOfWork[Event], cmd CreatePart) (*uuid.UUID, error) {
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
	if _, exists := h.store.Lookup(sku); exists {
		return nil, errs.New(handlerComponent, errs.CodeConflict,
			errs.WithMessage("sku already in catalog"),
			errs.WithField("sku", sku))
	}
	id := uuid.New()
	err := uow.CaptureEvent(ctx, PartCreated{
		PartID:    id,
		SKU:       sku,
		Name:      name,
		UnitPrice: cmd.UnitPrice,
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (h *Handler) adjustPrice(ctx context.Context, uow bus.UnitOfWork[Event], cmd AdjustPrice) (*uuid.UUID, error) {
	if cmd.UnitPrice.IsNegative() {
		return nil, invalidCommand("unit price must not be negative")
	}
	part, exists := h.store.Lookup(cmd.SKU)
	if !exists {
		return nil, unknownSKU(handlerComponent, cmd.SKU)
	}
	if part.Retired {
		return nil, retiredSKU(cmd.SKU)
	}
	if part.UnitPrice.Equal(cmd.UnitPrice) {
		// Nothing changed; succeed without an event.
		return &part.PartID, nil
	}
	err := uow.CaptureEvent(ctx, PriceAdjusted{
		PartID:    part.PartID,
		SKU:       part.SKU,
		UnitPrice: cmd.UnitPrice,
	})
	if err != nil {
		return nil, err
	}
	return &part.PartID, nil
}

func (h *Handler) retirePart(ctx context.Context, uow bus.UnitOfWork[Event], cmd RetirePart) (*uuid.UUID, error) {
	part, exists := h.store.Lookup(cmd.SKU)
	if !exists {
		return nil, unknownSKU(handlerComponent, cmd.SKU)
	}
	if part.Retired {
		// Retiring twice is a no-op, not a conflict.
		return &part.PartID, nil
	}
	err := uow.CaptureEvent(ctx, PartRetired{
		PartID: part.PartID,
		SKU:    part.SKU,
		Reason: strings.TrimSpace(cmd.Reason),
	})
	if err != nil {
		return nil, err
	}
	return &part.PartID, nil
}

func invalidCommand(msg string) error {
	return errs.New(handlerComponent, errs.CodeInvalid, errs.WithMessage(msg))
}

func retiredSKU(sku string) error {
	return errs.New(handlerComponent, errs.CodeConflict,
		errs.WithMessage("part retired"),
		errs.WithField("sku", sku))
}
