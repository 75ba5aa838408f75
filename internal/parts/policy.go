package parts

import (
	"context"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
)

const policyComponent = "parts/policy"

// RetireReasonZeroPrice marks retirements chained by the pricing rule.
const RetireReasonZeroPrice = "zero-priced"

// CatalogReader is the read surface the catalog policy needs from its
// context. Every driver's policy context implements it, so one rule set
// runs unchanged over memory and Postgres state.
type CatalogReader interface {
	Lookup(ctx context.Context, sku string) (PartView, bool, error)
}

// ReadContext is the read-only catalog view scoped to one policy
// evaluation. Closing it ends the evaluation's access; a closed context
// answers no further lookups.
type ReadContext struct {
	store  *Store
	closed bool
}

var (
	_ bus.PolicyContext = (*ReadContext)(nil)
	_ CatalogReader     = (*ReadContext)(nil)
)

// Lookup returns the committed row for sku.
func (c *ReadContext) Lookup(_ context.Context, sku string) (PartView, bool, error) {
	if c.closed {
		return PartView{}, false, errs.New(policyComponent, errs.CodeConflict,
			errs.WithMessage("read after close"))
	}
	part, ok := c.store.Lookup(sku)
	return part, ok, nil
}

// Close implements bus.PolicyContext. Closing twice is an error.
func (c *ReadContext) Close(context.Context) error {
	if c.closed {
		return errs.New(policyComponent, errs.CodeConflict,
			errs.WithMessage("read context closed twice"))
	}
	c.closed = true
	return nil
}

// ReadContextFactory mints one ReadContext per handled event.
type ReadContextFactory struct {
	store *Store
}

// NewReadContextFactory returns a factory over store.
func NewReadContextFactory(store *Store) *ReadContextFactory {
	return &ReadContextFactory{store: store}
}

var _ bus.PolicyContextFactory = (*ReadContextFactory)(nil)

// Create implements bus.PolicyContextFactory.
func (f *ReadContextFactory) Create(context.Context) (bus.PolicyContext, error) {
	return &ReadContext{store: f.store}, nil
}

// Policy is the native catalog rule set:
//
//   - every created or repriced part is (re)indexed;
//   - a part priced at zero is retired by a chained command;
//   - a retired part leaves the index.
type Policy struct{}

var _ bus.Policy[Command, Event, Projection] = Policy{}

// Apply implements bus.Policy.
func (Policy) Apply(ctx context.Context, pctx bus.PolicyContext, event Event) ([]Effect, error) {
	reader, ok := pctx.(CatalogReader)
	if !ok {
		return nil, errs.New(policyComponent, errs.CodeInvalid,
			errs.WithMessage("policy context is not a catalog reader"))
	}

	switch e := event.(type) {
	case PartCreated:
		effects := []Effect{bus.ProjectionEffect[Command, Projection](IndexPart{
			PartID:    e.PartID,
			SKU:       e.SKU,
			Name:      e.Name,
			UnitPrice: e.UnitPrice,
		})}
		if e.UnitPrice.IsZero() {
			effects = append(effects, bus.CommandEffect[Command, Projection](RetirePart{
				SKU:    e.SKU,
				Reason: RetireReasonZeroPrice,
			}))
		}
		return effects, nil

	case PriceAdjusted:
		part, exists, err := reader.Lookup(ctx, e.SKU)
		if err != nil {
			return nil, err
		}
		if !exists || part.Retired {
			// The part left the catalog between commit and evaluation.
			return nil, nil
		}
		effects := []Effect{bus.ProjectionEffect[Command, Projection](IndexPart{
			PartID:    e.PartID,
			SKU:       e.SKU,
			Name:      part.Name,
			UnitPrice: e.UnitPrice,
		})}
		if e.UnitPrice.IsZero() {
			effects = append(effects, bus.CommandEffect[Command, Projection](RetirePart{
				SKU:    e.SKU,
				Reason: RetireReasonZeroPrice,
			}))
		}
		return effects, nil

	case PartRetired:
		return []Effect{bus.ProjectionEffect[Command, Projection](RemoveIndex{SKU: e.SKU})}, nil

	default:
		return nil, errs.New(policyComponent, errs.CodeInvalid,
			errs.WithMessage("unhandled event variant"))
	}
}
