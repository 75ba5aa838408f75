package parts

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/internal/broker/membus"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCatalogPipelineEndToEnd(t *testing.T) {
	broker := membus.New[Command, Event, Projection](membus.Config{})
	driver := NewDriver(broker)
	engine, err := NewBus(driver)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Start(ctx) }()

	id, err := engine.Dispatch(ctx, CreatePart{
		SKU:       "GSK-100",
		Name:      "Gasket",
		UnitPrice: mustDecimal(t, "12.50"),
	})
	if err != nil {
		t.Fatalf("dispatch create: %v", err)
	}
	if id == nil {
		t.Fatal("create returned no identifier")
	}

	waitFor(t, func() bool {
		_, ok := driver.Store().Index("GSK-100")
		return ok
	}, "search index entry")

	// Repricing to zero triggers the full chain: PriceAdjusted, the
	// chained RetirePart command, PartRetired, then RemoveIndex.
	if _, err := engine.Dispatch(ctx, AdjustPrice{SKU: "GSK-100", UnitPrice: decimal.Zero}); err != nil {
		t.Fatalf("dispatch adjust: %v", err)
	}
	waitFor(t, func() bool {
		part, ok := driver.Store().Lookup("GSK-100")
		return ok && part.Retired
	}, "chained retirement")
	waitFor(t, func() bool {
		_, ok := driver.Store().Index("GSK-100")
		return !ok
	}, "index removal")

	view, err := engine.View(ctx, Query{SKU: "GSK-100"})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(view.Parts) != 1 || !view.Parts[0].Retired {
		t.Fatalf("view shows %+v, want one retired part", view.Parts)
	}

	broker.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("receive loop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop after broker close")
	}
}

func TestCatalogPipelineNacksFailingCommands(t *testing.T) {
	broker := membus.New[Command, Event, Projection](membus.Config{MaxAttempts: 2})
	driver := NewDriver(broker)
	engine, err := NewBus(driver)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Start(ctx) }()

	// A command for an unknown SKU fails on every attempt and must end up
	// dead-lettered without stopping the loop.
	if err := broker.Publish(ctx, Message{Kind: bus.KindCommand, Command: AdjustPrice{
		SKU:       "MISSING",
		UnitPrice: mustDecimal(t, "1.00"),
	}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return len(broker.DeadLetters()) == 1 }, "dead letter")

	// The loop is still alive: a valid command processes normally.
	if _, err := engine.Dispatch(ctx, CreatePart{
		SKU:       "GSK-100",
		Name:      "Gasket",
		UnitPrice: mustDecimal(t, "3.00"),
	}); err != nil {
		t.Fatalf("dispatch after dead letter: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := driver.Store().Index("GSK-100")
		return ok
	}, "post-failure processing")

	broker.Close()
	if err := <-done; err != nil {
		t.Fatalf("receive loop: %v", err)
	}
}
