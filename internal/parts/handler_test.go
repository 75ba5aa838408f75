package parts

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/solmir/rondo/errs"
)

func newUOW(t *testing.T, store *Store) *memoryUnitOfWork {
	t.Helper()
	factory := &memoryUnitOfWorkFactory{store: store}
	uow, err := factory.Create(context.Background())
	if err != nil {
		t.Fatalf("create unit of work: %v", err)
	}
	return uow.(*memoryUnitOfWork)
}

func seedPart(t *testing.T, store *Store, sku, name, price string) PartView {
	t.Helper()
	handler := NewHandler(store)
	uow := newUOW(t, store)
	id, err := handler.Handle(context.Background(), uow, CreatePart{
		SKU:       sku,
		Name:      name,
		UnitPrice: mustDecimal(t, price),
	})
	if err != nil {
		t.Fatalf("seed %s: %v", sku, err)
	}
	if _, err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("seed commit %s: %v", sku, err)
	}
	part, ok := store.Lookup(sku)
	if !ok {
		t.Fatalf("seeded part %s missing", sku)
	}
	if part.PartID != *id {
		t.Fatalf("seeded part id mismatch: %s vs %s", part.PartID, *id)
	}
	return part
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestCreatePartCapturesEvent(t *testing.T) {
	store := NewStore()
	handler := NewHandler(store)
	uow := newUOW(t, store)

	id, err := handler.Handle(context.Background(), uow, CreatePart{
		SKU:       "GSK-100",
		Name:      "Gasket",
		UnitPrice: mustDecimal(t, "12.50"),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if id == nil {
		t.Fatal("expected a part identifier")
	}
	if len(uow.pending) != 1 {
		t.Fatalf("captured %d events, want 1", len(uow.pending))
	}
	created, ok := uow.pending[0].(PartCreated)
	if !ok {
		t.Fatalf("captured %T, want PartCreated", uow.pending[0])
	}
	if created.PartID != *id || created.SKU != "GSK-100" || created.Name != "Gasket" {
		t.Fatalf("unexpected event: %+v", created)
	}
	if _, ok := store.Lookup("GSK-100"); ok {
		t.Fatal("part visible before commit")
	}
}

func TestCreatePartTrimsAndValidates(t *testing.T) {
	store := NewStore()
	handler := NewHandler(store)

	cases := []struct {
		name string
		cmd  CreatePart
	}{
		{"blank sku", CreatePart{SKU: "  ", Name: "Gasket", UnitPrice: decimal.New(1, 0)}},
		{"blank name", CreatePart{SKU: "GSK-100", Name: "", UnitPrice: decimal.New(1, 0)}},
		{"negative price", CreatePart{SKU: "GSK-100", Name: "Gasket", UnitPrice: mustDecimal(t, "-0.01")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uow := newUOW(t, store)
			if _, err := handler.Handle(context.Background(), uow, tc.cmd); errs.CodeOf(err) != errs.CodeInvalid {
				t.Fatalf("err = %v, want %s", err, errs.CodeInvalid)
			}
		})
	}
}

func TestCreatePartRejectsDuplicateSKU(t *testing.T) {
	store := NewStore()
	seedPart(t, store, "GSK-100", "Gasket", "12.50")

	handler := NewHandler(store)
	uow := newUOW(t, store)
	_, err := handler.Handle(context.Background(), uow, CreatePart{
		SKU:       "GSK-100",
		Name:      "Other",
		UnitPrice: decimal.New(5, 0),
	})
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("err = %v, want %s", err, errs.CodeConflict)
	}
}

func TestAdjustPriceUnknownSKU(t *testing.T) {
	store := NewStore()
	handler := NewHandler(store)
	uow := newUOW(t, store)

	_, err := handler.Handle(context.Background(), uow, AdjustPrice{
		SKU:       "MISSING",
		UnitPrice: decimal.New(1, 0),
	})
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("err = %v, want %s", err, errs.CodeNotFound)
	}
}

func TestAdjustPriceEmitsEvent(t *testing.T) {
	store := NewStore()
	part := seedPart(t, store, "GSK-100", "Gasket", "12.50")

	handler := NewHandler(store)
	uow := newUOW(t, store)
	id, err := handler.Handle(context.Background(), uow, AdjustPrice{
		SKU:       "GSK-100",
		UnitPrice: mustDecimal(t, "9.99"),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if *id != part.PartID {
		t.Fatalf("id = %s, want %s", *id, part.PartID)
	}
	adjusted, ok := uow.pending[0].(PriceAdjusted)
	if !ok || !adjusted.UnitPrice.Equal(mustDecimal(t, "9.99")) {
		t.Fatalf("unexpected event: %+v", uow.pending[0])
	}
}

func TestAdjustPriceUnchangedEmitsNothing(t *testing.T) {
	store := NewStore()
	seedPart(t, store, "GSK-100", "Gasket", "12.50")

	handler := NewHandler(store)
	uow := newUOW(t, store)
	if _, err := handler.Handle(context.Background(), uow, AdjustPrice{
		SKU:       "GSK-100",
		UnitPrice: mustDecimal(t, "12.50"),
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(uow.pending) != 0 {
		t.Fatalf("captured %d events, want none", len(uow.pending))
	}
}

func TestAdjustPriceRetiredPartConflicts(t *testing.T) {
	store := NewStore()
	part := seedPart(t, store, "GSK-100", "Gasket", "12.50")
	if err := store.apply([]Event{PartRetired{PartID: part.PartID, SKU: part.SKU}}); err != nil {
		t.Fatalf("retire: %v", err)
	}

	handler := NewHandler(store)
	uow := newUOW(t, store)
	_, err := handler.Handle(context.Background(), uow, AdjustPrice{
		SKU:       "GSK-100",
		UnitPrice: decimal.New(1, 0),
	})
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("err = %v, want %s", err, errs.CodeConflict)
	}
}

func TestRetirePartIsIdempotent(t *testing.T) {
	store := NewStore()
	part := seedPart(t, store, "GSK-100", "Gasket", "12.50")

	handler := NewHandler(store)

	uow := newUOW(t, store)
	id, err := handler.Handle(context.Background(), uow, RetirePart{SKU: "GSK-100", Reason: "obsolete"})
	if err != nil {
		t.Fatalf("first retire: %v", err)
	}
	if len(uow.pending) != 1 {
		t.Fatalf("captured %d events, want 1", len(uow.pending))
	}
	if _, err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	again := newUOW(t, store)
	id2, err := handler.Handle(context.Background(), again, RetirePart{SKU: "GSK-100"})
	if err != nil {
		t.Fatalf("second retire: %v", err)
	}
	if len(again.pending) != 0 {
		t.Fatal("second retire captured an event")
	}
	if *id != part.PartID || *id2 != part.PartID {
		t.Fatal("retire returned wrong identifier")
	}
}
