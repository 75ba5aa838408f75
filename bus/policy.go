package bus

import "context"

// PolicyContext scopes read-only domain access to one policy evaluation.
// A fresh context is created per handled event and closed exactly once
// when the evaluation finishes, on the error path included. Concrete
// contexts expose their own read methods; policies that need them
// type-assert to the concrete type their driver pairs them with. A
// context must not expose any mutation capability.
type PolicyContext interface {
	Close(ctx context.Context) error
}

// PolicyContextFactory mints a fresh context per handled event.
type PolicyContextFactory interface {
	Create(ctx context.Context) (PolicyContext, error)
}

// Policy derives follow-up side effects from a domain event. Policies are
// stateless rules: all domain reads go through pctx and no domain state is
// mutated. The returned side effects are published in order.
type Policy[C, E, P any] interface {
	Apply(ctx context.Context, pctx PolicyContext, event E) ([]SideEffect[C, P], error)
}
