package policyjs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/parts"
)

const catalogModule = `
module.exports = {
  metadata: {
    name: "catalog",
    description: "maintains the part index"
  },
  apply: function (event) {
    if (event.type === "part.created") {
      var effects = [{
        kind: "projection",
        type: "part.index",
        body: {
          part_id: event.body.part_id,
          sku: event.body.sku,
          name: event.body.name,
          unit_price: event.body.unit_price
        }
      }];
      if (Number(event.body.unit_price) === 0) {
        effects.push({
          kind: "command",
          type: "part.retire",
          body: { sku: event.body.sku, reason: "zero-priced" }
        });
      }
      return effects;
    }
    if (event.type === "part.retired") {
      return [{ kind: "projection", type: "part.unindex", body: { sku: event.body.sku } }];
    }
    return [];
  }
};
`

func partsBridge() Bridge[parts.Command, parts.Event, parts.Projection] {
	return Bridge[parts.Command, parts.Event, parts.Projection]{
		EncodeEvent:      parts.EncodeEvent,
		DecodeCommand:    parts.DecodeCommand,
		DecodeProjection: parts.DecodeProjection,
	}
}

func newScriptedPolicy(t *testing.T, source string) *Policy[parts.Command, parts.Event, parts.Projection] {
	t.Helper()
	dir := t.TempDir()
	writeModule(t, dir, "policy.js", source)

	loader := newLoader(t, dir)
	if err := loader.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	summaries := loader.List()
	if len(summaries) != 1 {
		t.Fatalf("cataloged %d modules, want 1", len(summaries))
	}
	module, err := loader.Get(summaries[0].Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	instance, err := NewInstance(module)
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	policy, err := NewPolicy(instance, partsBridge())
	if err != nil {
		instance.Close()
		t.Fatalf("new policy: %v", err)
	}
	t.Cleanup(policy.Close)
	return policy
}

func TestScriptedPolicyIndexesCreatedPart(t *testing.T) {
	policy := newScriptedPolicy(t, catalogModule)
	created := parts.PartCreated{
		PartID:    uuid.New(),
		SKU:       "GEAR-7",
		Name:      "Idler Gear",
		UnitPrice: decimal.RequireFromString("12.50"),
	}

	effects, err := policy.Apply(context.Background(), nil, created)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 1 {
		t.Fatalf("got %d effects, want 1", len(effects))
	}
	if effects[0].Kind != bus.KindProjection {
		t.Fatalf("effect kind = %v, want projection", effects[0].Kind)
	}
	index, ok := effects[0].Projection.(parts.IndexPart)
	if !ok {
		t.Fatalf("projection type %T", effects[0].Projection)
	}
	if index.PartID != created.PartID || index.SKU != created.SKU || index.Name != created.Name {
		t.Fatalf("index entry %+v does not match event %+v", index, created)
	}
	if !index.UnitPrice.Equal(created.UnitPrice) {
		t.Fatalf("index price %s, want %s", index.UnitPrice, created.UnitPrice)
	}
}

func TestScriptedPolicyChainsRetireForZeroPrice(t *testing.T) {
	policy := newScriptedPolicy(t, catalogModule)
	created := parts.PartCreated{
		PartID:    uuid.New(),
		SKU:       "FREE-1",
		Name:      "Promo Washer",
		UnitPrice: decimal.Zero,
	}

	effects, err := policy.Apply(context.Background(), nil, created)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 2 {
		t.Fatalf("got %d effects, want 2", len(effects))
	}
	if effects[0].Kind != bus.KindProjection {
		t.Fatalf("first effect kind = %v, want projection", effects[0].Kind)
	}
	if effects[1].Kind != bus.KindCommand {
		t.Fatalf("second effect kind = %v, want command", effects[1].Kind)
	}
	retire, ok := effects[1].Command.(parts.RetirePart)
	if !ok {
		t.Fatalf("command type %T", effects[1].Command)
	}
	if retire.SKU != created.SKU || retire.Reason != parts.RetireReasonZeroPrice {
		t.Fatalf("unexpected retire command %+v", retire)
	}
}

func TestScriptedPolicyRemovesIndexForRetiredPart(t *testing.T) {
	policy := newScriptedPolicy(t, catalogModule)
	retired := parts.PartRetired{PartID: uuid.New(), SKU: "GEAR-7", Reason: "discontinued"}

	effects, err := policy.Apply(context.Background(), nil, retired)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 1 {
		t.Fatalf("got %d effects, want 1", len(effects))
	}
	removal, ok := effects[0].Projection.(parts.RemoveIndex)
	if !ok {
		t.Fatalf("projection type %T", effects[0].Projection)
	}
	if removal.SKU != retired.SKU {
		t.Fatalf("removal sku %q, want %q", removal.SKU, retired.SKU)
	}
}

func TestScriptedPolicyIgnoresUnhandledEvents(t *testing.T) {
	policy := newScriptedPolicy(t, catalogModule)
	adjusted := parts.PriceAdjusted{
		PartID:    uuid.New(),
		SKU:       "GEAR-7",
		UnitPrice: decimal.RequireFromString("9.99"),
	}

	effects, err := policy.Apply(context.Background(), nil, adjusted)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 0 {
		t.Fatalf("got %d effects, want none", len(effects))
	}
}

func TestScriptedPolicyTreatsUndefinedAsNoEffects(t *testing.T) {
	policy := newScriptedPolicy(t, `
module.exports = {
  metadata: { name: "silent" },
  apply: function (event) {}
};
`)
	effects, err := policy.Apply(context.Background(), nil, parts.PartRetired{PartID: uuid.New(), SKU: "GEAR-7"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 0 {
		t.Fatalf("got %d effects, want none", len(effects))
	}
}

func TestScriptedPolicySurfacesScriptErrors(t *testing.T) {
	policy := newScriptedPolicy(t, `
module.exports = {
  metadata: { name: "faulty" },
  apply: function (event) {
    throw new Error("catalog offline");
  }
};
`)
	_, err := policy.Apply(context.Background(), nil, parts.PartRetired{PartID: uuid.New(), SKU: "GEAR-7"})
	if err == nil {
		t.Fatal("expected script error")
	}
	if !strings.Contains(err.Error(), "apply failed") || !strings.Contains(err.Error(), "catalog offline") {
		t.Fatalf("err = %v, want wrapped script failure", err)
	}
}

func TestScriptedPolicyRejectsUnknownEffectKind(t *testing.T) {
	policy := newScriptedPolicy(t, `
module.exports = {
  metadata: { name: "wayward" },
  apply: function (event) {
    return [{ kind: "webhook", type: "part.index", body: {} }];
  }
};
`)
	_, err := policy.Apply(context.Background(), nil, parts.PartRetired{PartID: uuid.New(), SKU: "GEAR-7"})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("err = %v, want invalid effect kind", err)
	}
}

func TestScriptedPolicyRequiresApplyExport(t *testing.T) {
	policy := newScriptedPolicy(t, `
module.exports = {
  metadata: { name: "inert" }
};
`)
	_, err := policy.Apply(context.Background(), nil, parts.PartRetired{PartID: uuid.New(), SKU: "GEAR-7"})
	if !errors.Is(err, ErrFunctionMissing) {
		t.Fatalf("err = %v, want ErrFunctionMissing", err)
	}
}

func TestNewPolicyValidatesInputs(t *testing.T) {
	if _, err := NewPolicy[parts.Command, parts.Event, parts.Projection](nil, partsBridge()); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("nil instance err = %v", err)
	}

	dir := t.TempDir()
	writeModule(t, dir, "noop.js", noopModule)
	loader := newLoader(t, dir)
	if err := loader.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	module, err := loader.Get("noop")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	instance, err := NewInstance(module)
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	defer instance.Close()

	incomplete := Bridge[parts.Command, parts.Event, parts.Projection]{EncodeEvent: parts.EncodeEvent}
	if _, err := NewPolicy(instance, incomplete); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("incomplete bridge err = %v", err)
	}
}
