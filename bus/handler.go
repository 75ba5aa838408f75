package bus

import "context"

// CommandHandler applies one command inside the supplied unit of work.
// Handlers mutate domain state through the unit of work and capture the
// resulting events on it; they never publish. The optional identifier
// names the aggregate the command touched, when there is one.
//
// Handlers that need the concrete unit-of-work type their driver's
// factory produces type-assert uow; the factory and handler ship together
// in one driver, so the assertion is an internal contract, not a guess.
type CommandHandler[C, E, ID any] interface {
	Handle(ctx context.Context, uow UnitOfWork[E], cmd C) (*ID, error)
}
