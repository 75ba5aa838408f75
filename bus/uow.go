package bus

import "context"

// UnitOfWork is the transactional boundary for one command. Domain
// mutations and the events they produce live inside it until Commit
// persists both atomically or Rollback discards both.
//
// A unit of work is single-use and exclusively owned by the dispatch call
// that created it; Commit and Rollback each consume it.
type UnitOfWork[E any] interface {
	// CaptureEvent records an event produced during the unit of work.
	// It fails only on internal invariant violations (capture after
	// commit, for example); persistence problems surface at Commit.
	// Captured events are never published from here.
	CaptureEvent(ctx context.Context, event E) error

	// Commit persists all pending changes and returns the captured events
	// in capture order.
	Commit(ctx context.Context) ([]E, error)

	// Rollback discards all pending changes and captured events, leaving
	// the domain as it was before the unit of work was created.
	Rollback(ctx context.Context) error
}

// UnitOfWorkFactory mints a fresh unit of work for each dispatched
// command. Factories are long-lived, shareable handles.
type UnitOfWorkFactory[E any] interface {
	Create(ctx context.Context) (UnitOfWork[E], error)
}
