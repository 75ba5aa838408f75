// Package parts is the reference domain for the rondo runtime: a small
// parts catalog whose commands, events, and projections exercise every
// dispatch path. Commands address parts by SKU; the runtime-facing
// identifier is the part's UUID.
package parts

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/solmir/rondo/bus"
)

// Command is the closed set of catalog mutations.
type Command interface{ isCommand() }

// CreatePart introduces a new part under a unique SKU.
type CreatePart struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// AdjustPrice reprices an existing part.
type AdjustPrice struct {
	SKU       string          `json:"sku"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// RetirePart withdraws a part from the catalog. Retired parts keep their
// row but accept no further mutations.
type RetirePart struct {
	SKU    string `json:"sku"`
	Reason string `json:"reason,omitempty"`
}

func (CreatePart) isCommand()  {}
func (AdjustPrice) isCommand() {}
func (RetirePart) isCommand()  {}

// Event is the closed set of facts a committed command can produce.
type Event interface{ isEvent() }

// PartCreated records a successful CreatePart.
type PartCreated struct {
	PartID    uuid.UUID       `json:"part_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// PriceAdjusted records a successful AdjustPrice.
type PriceAdjusted struct {
	PartID    uuid.UUID       `json:"part_id"`
	SKU       string          `json:"sku"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// PartRetired records a successful RetirePart.
type PartRetired struct {
	PartID uuid.UUID `json:"part_id"`
	SKU    string    `json:"sku"`
	Reason string    `json:"reason,omitempty"`
}

func (PartCreated) isEvent()   {}
func (PriceAdjusted) isEvent() {}
func (PartRetired) isEvent()   {}

// Projection is the closed set of read-model instructions.
type Projection interface{ isProjection() }

// IndexPart upserts the part's search-index entry.
type IndexPart struct {
	PartID    uuid.UUID       `json:"part_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// RemoveIndex drops the part's search-index entry.
type RemoveIndex struct {
	SKU string `json:"sku"`
}

func (IndexPart) isProjection()   {}
func (RemoveIndex) isProjection() {}

// Query selects catalog state. A zero SKU lists the whole catalog.
type Query struct {
	SKU string
}

// View is the read-model answer to a Query.
type View struct {
	Parts []PartView
}

// PartView is one catalog snapshot row.
type PartView struct {
	PartID    uuid.UUID
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
	Retired   bool
}

// IndexEntry is one row of the search index maintained by the projector.
type IndexEntry struct {
	PartID    uuid.UUID
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
}

// Aliases pin the engine's generic types to this domain once, so the rest
// of the codebase spells bus values without repeating type arguments.
type (
	// Message is the domain's transport envelope.
	Message = bus.Message[Command, Event, Projection]
	// Effect is the domain's policy output unit.
	Effect = bus.SideEffect[Command, Projection]
	// Delivery is the domain's broker delivery.
	Delivery = bus.Delivery[Command, Event, Projection]
	// Bus is the domain's fully instantiated engine.
	Bus = bus.Bus[Command, Event, Projection, uuid.UUID, Query, View]
	// Broker is the domain's transport contract.
	Broker = bus.Broker[Command, Event, Projection]
)
