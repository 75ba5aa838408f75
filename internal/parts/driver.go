package parts

import (
	"github.com/google/uuid"

	"github.com/solmir/rondo/bus"
)

// Driver is the in-memory capability bundle: one store shared by the
// handler, policy context, projector, and viewer, plus a caller-supplied
// broker. It is the reference wiring for the engine and the default
// driver of the rondo binary.
type Driver struct {
	store     *Store
	broker    Broker
	handler   *Handler
	policy    bus.Policy[Command, Event, Projection]
	projector *Projector
	viewer    *Viewer
	uows      bus.UnitOfWorkFactory[Event]
	contexts  bus.PolicyContextFactory
}

// DriverOption adjusts driver construction.
type DriverOption func(*Driver)

// WithPolicy swaps the native rule set for another policy implementation,
// such as a scripted one.
func WithPolicy(p bus.Policy[Command, Event, Projection]) DriverOption {
	return func(d *Driver) {
		if p != nil {
			d.policy = p
		}
	}
}

// NewDriver builds the in-memory driver around broker.
func NewDriver(broker Broker, opts ...DriverOption) *Driver {
	store := NewStore()
	d := &Driver{
		store:     store,
		broker:    broker,
		handler:   NewHandler(store),
		policy:    Policy{},
		projector: NewProjector(store),
		viewer:    NewViewer(store),
		uows:      &memoryUnitOfWorkFactory{store: store},
		contexts:  NewReadContextFactory(store),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ bus.Driver[Command, Event, Projection, uuid.UUID, Query, View] = (*Driver)(nil)

// NewBus builds the catalog engine from any driver carrying this domain's
// types, pinning the engine's type arguments in one place.
func NewBus(d bus.Driver[Command, Event, Projection, uuid.UUID, Query, View]) (*Bus, error) {
	return bus.New(d)
}

// Store exposes the catalog store for inspection.
func (d *Driver) Store() *Store { return d.store }

// Broker implements bus.Driver.
func (d *Driver) Broker() Broker { return d.broker }

// CommandHandler implements bus.Driver.
func (d *Driver) CommandHandler() bus.CommandHandler[Command, Event, uuid.UUID] { return d.handler }

// Policy implements bus.Driver.
func (d *Driver) Policy() bus.Policy[Command, Event, Projection] { return d.policy }

// Projector implements bus.Driver.
func (d *Driver) Projector() bus.Projector[Projection] { return d.projector }

// Viewer implements bus.Driver.
func (d *Driver) Viewer() bus.Viewer[Query, View] { return d.viewer }

// UnitOfWorks implements bus.Driver.
func (d *Driver) UnitOfWorks() bus.UnitOfWorkFactory[Event] { return d.uows }

// PolicyContexts implements bus.Driver.
func (d *Driver) PolicyContexts() bus.PolicyContextFactory { return d.contexts }
