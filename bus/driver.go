package bus

// Driver bundles one concrete choice for every capability the runtime
// composes: the broker, the command handler, the policy, the projector,
// the viewer, and the two per-call factories. A Bus is built from exactly
// one driver, and the driver's type parameters fix the domain's command,
// event, projection, identifier, query, and view types everywhere the bus
// touches them.
//
// Accessors are called once at construction; the returned capabilities
// must be safe for shared use across concurrent bus calls.
type Driver[C, E, P, ID, Q, V any] interface {
	Broker() Broker[C, E, P]
	CommandHandler() CommandHandler[C, E, ID]
	Policy() Policy[C, E, P]
	Projector() Projector[P]
	Viewer() Viewer[Q, V]
	UnitOfWorks() UnitOfWorkFactory[E]
	PolicyContexts() PolicyContextFactory
}
