package parts

import (
	"context"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
)

const uowComponent = "parts/uow"

// memoryUnitOfWork buffers captured events until Commit applies them to
// the store in one locked pass. Nothing touches the store before Commit,
// so Rollback is a pure discard.
type memoryUnitOfWork struct {
	store   *Store
	pending []Event
	settled bool
}

var _ bus.UnitOfWork[Event] = (*memoryUnitOfWork)(nil)

func (u *memoryUnitOfWork) CaptureEvent(_ context.Context, event Event) error {
	if u.settled {
		return errSettled("capture after settle")
	}
	u.pending = append(u.pending, event)
	return nil
}

func (u *memoryUnitOfWork) Commit(_ context.Context) ([]Event, error) {
	if u.settled {
		return nil, errSettled("commit after settle")
	}
	u.settled = true
	if err := u.store.apply(u.pending); err != nil {
		return nil, err
	}
	out := make([]Event, len(u.pending))
	copy(out, u.pending)
	return out, nil
}

func (u *memoryUnitOfWork) Rollback(_ context.Context) error {
	if u.settled {
		return errSettled("rollback after settle")
	}
	u.settled = true
	u.pending = nil
	return nil
}

func errSettled(msg string) error {
	return errs.New(uowComponent, errs.CodeConflict, errs.WithMessage(msg))
}

// memoryUnitOfWorkFactory mints single-use units of work over one store.
type memoryUnitOfWorkFactory struct {
	store *Store
}

var _ bus.UnitOfWorkFactory[Event] = (*memoryUnitOfWorkFactory)(nil)

func (f *memoryUnitOfWorkFactory) Create(context.Context) (bus.UnitOfWork[Event], error) {
	return &memoryUnitOfWork{store: f.store}, nil
}
