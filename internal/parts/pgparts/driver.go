package pgparts

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/parts"
)

// Driver is the Postgres capability bundle for the parts catalog. The
// same rule set as the memory driver applies; only the state substrate
// changes.
type Driver struct {
	pool      *pgxpool.Pool
	broker    parts.Broker
	policy    bus.Policy[parts.Command, parts.Event, parts.Projection]
	projector *Projector
	viewer    *Viewer
	uows      *TxUnitOfWorkFactory
	contexts  *ReadContextFactory
}

// DriverOption adjusts driver construction.
type DriverOption func(*Driver)

// WithPolicy swaps the native rule set for another policy implementation.
func WithPolicy(p bus.Policy[parts.Command, parts.Event, parts.Projection]) DriverOption {
	return func(d *Driver) {
		if p != nil {
			d.policy = p
		}
	}
}

// NewDriver builds the Postgres driver around pool and broker.
func NewDriver(pool *pgxpool.Pool, broker parts.Broker, opts ...DriverOption) (*Driver, error) {
	if pool == nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("connection pool required"))
	}
	if broker == nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("broker required"))
	}
	d := &Driver{
		pool:      pool,
		broker:    broker,
		policy:    parts.Policy{},
		projector: NewProjector(pool),
		viewer:    NewViewer(pool),
		uows:      &TxUnitOfWorkFactory{pool: pool},
		contexts:  &ReadContextFactory{pool: pool},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

var _ bus.Driver[parts.Command, parts.Event, parts.Projection, uuid.UUID, parts.Query, parts.View] = (*Driver)(nil)

// Broker implements bus.Driver.
func (d *Driver) Broker() parts.Broker { return d.broker }

// CommandHandler implements bus.Driver.
func (d *Driver) CommandHandler() bus.CommandHandler[parts.Command, parts.Event, uuid.UUID] {
	return Handler{}
}

// Policy implements bus.Driver.
func (d *Driver) Policy() bus.Policy[parts.Command, parts.Event, parts.Projection] { return d.policy }

// Projector implements bus.Driver.
func (d *Driver) Projector() bus.Projector[parts.Projection] { return d.projector }

// Viewer implements bus.Driver.
func (d *Driver) Viewer() bus.Viewer[parts.Query, parts.View] { return d.viewer }

// UnitOfWorks implements bus.Driver.
func (d *Driver) UnitOfWorks() bus.UnitOfWorkFactory[parts.Event] { return d.uows }

// PolicyContexts implements bus.Driver.
func (d *Driver) PolicyContexts() bus.PolicyContextFactory { return d.contexts }
