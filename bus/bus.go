// Package bus implements a message-driven orchestration runtime over
// three message kinds: commands mutate domain state inside a transactional
// unit of work, events feed stateless policies that derive follow-up work,
// and projections carry infrastructure side effects. A Bus composes one
// Driver's capabilities and runs the receive/route/acknowledge loop that
// moves envelopes between those phases.
//
// The runtime holds no domain state of its own. Its guarantees are
// ordering and isolation ones: events reach the broker only after their
// unit of work commits, a policy context is closed exactly once per
// evaluation, and one delivery's failure never stops the loop.
package bus

import (
	"context"
	"fmt"

	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/observability"
)

const component = "bus"

// Bus is the dispatch runtime for one driver configuration. It is a
// shareable handle: every field is read-only after New, so concurrent
// Dispatch, View, and Start calls are safe and a host may run several
// receive loops against one Bus.
type Bus[C, E, P, ID, Q, V any] struct {
	broker         Broker[C, E, P]
	handler        CommandHandler[C, E, ID]
	policy         Policy[C, E, P]
	projector      Projector[P]
	viewer         Viewer[Q, V]
	unitOfWorks    UnitOfWorkFactory[E]
	policyContexts PolicyContextFactory
}

// New builds a Bus from the driver's capabilities. Every capability must
// be non-nil.
func New[C, E, P, ID, Q, V any](driver Driver[C, E, P, ID, Q, V]) (*Bus[C, E, P, ID, Q, V], error) {
	if driver == nil {
		return nil, missingCapability("driver")
	}
	b := &Bus[C, E, P, ID, Q, V]{
		broker:         driver.Broker(),
		handler:        driver.CommandHandler(),
		policy:         driver.Policy(),
		projector:      driver.Projector(),
		viewer:         driver.Viewer(),
		unitOfWorks:    driver.UnitOfWorks(),
		policyContexts: driver.PolicyContexts(),
	}
	switch {
	case b.broker == nil:
		return nil, missingCapability("broker")
	case b.handler == nil:
		return nil, missingCapability("command handler")
	case b.policy == nil:
		return nil, missingCapability("policy")
	case b.projector == nil:
		return nil, missingCapability("projector")
	case b.viewer == nil:
		return nil, missingCapability("viewer")
	case b.unitOfWorks == nil:
		return nil, missingCapability("unit of work factory")
	case b.policyContexts == nil:
		return nil, missingCapability("policy context factory")
	}
	return b, nil
}

func missingCapability(name string) error {
	return errs.New(component, errs.CodeInvalid,
		errs.WithMessage(name+" required"))
}

// Dispatch runs cmd through the command path: a fresh unit of work, the
// command handler, then commit and a single batch publish of the captured
// events. On handler failure the unit of work is rolled back and the
// handler's error is returned unchanged; a rollback failure takes its
// place. Events reach the broker only after a successful commit, never on
// rollback, and exactly one publish call is made per dispatch.
//
// A publish failure after commit surfaces to the caller as is: the
// mutation is durable, the events are not. Hosts that cannot tolerate
// that gap publish through an outbox-backed broker.
func (b *Bus[C, E, P, ID, Q, V]) Dispatch(ctx context.Context, cmd C) (*ID, error) {
	id, err := b.dispatch(ctx, cmd)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.Telemetry().IncCounter(observability.MetricDispatchTotal, 1,
		map[string]string{"result": result})
	return id, err
}

func (b *Bus[C, E, P, ID, Q, V]) dispatch(ctx context.Context, cmd C) (*ID, error) {
	uow, err := b.unitOfWorks.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create unit of work: %w", err)
	}
	id, herr := b.handler.Handle(ctx, uow, cmd)
	if herr != nil {
		if rbErr := uow.Rollback(ctx); rbErr != nil {
			// The rollback failure replaces the handler error; the
			// handler error still reaches the log.
			observability.Log().Error("rollback failed after handler error",
				observability.Field{Key: "component", Value: component},
				observability.Field{Key: "handler_error", Value: herr.Error()},
				observability.Field{Key: "rollback_error", Value: rbErr.Error()})
			return nil, fmt.Errorf("rollback unit of work: %w", rbErr)
		}
		return nil, herr
	}
	events, err := uow.Commit(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit unit of work: %w", err)
	}
	batch := make([]Message[C, E, P], 0, len(events))
	for _, event := range events {
		batch = append(batch, Message[C, E, P]{Kind: KindEvent, Event: event})
	}
	if err := b.broker.PublishBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("publish committed events: %w", err)
	}
	return id, nil
}

// View answers query through the viewer capability.
func (b *Bus[C, E, P, ID, Q, V]) View(ctx context.Context, query Q) (V, error) {
	return b.viewer.View(ctx, query)
}

// Start runs the receive loop until the broker's delivery stream ends
// (returning nil) or ctx is canceled (returning ctx.Err()). Each delivery
// is routed by kind, then acked on success or nacked on failure; the loop
// keeps consuming past routed-operation failures. An ack or nack failure
// leaves delivery state unknown and terminates the loop with that error.
func (b *Bus[C, E, P, ID, Q, V]) Start(ctx context.Context) error {
	deliveries, err := b.broker.Receive(ctx)
	if err != nil {
		return fmt.Errorf("open receive stream: %w", err)
	}
	observability.Log().Info("receive loop started",
		observability.Field{Key: "component", Value: component})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				observability.Log().Info("receive stream ended",
					observability.Field{Key: "component", Value: component})
				return nil
			}
			if herr := b.handleMessage(ctx, delivery.Message); herr != nil {
				observability.Log().Warn("message handling failed",
					observability.Field{Key: "component", Value: component},
					observability.Field{Key: "kind", Value: delivery.Message.Kind.String()},
					observability.Field{Key: "delivery", Value: string(delivery.ID)},
					observability.Field{Key: "error", Value: herr.Error()})
				observability.Telemetry().IncCounter(observability.MetricNacksTotal, 1, nil)
				if nerr := b.broker.Nack(ctx, delivery.ID); nerr != nil {
					return fmt.Errorf("nack delivery %s: %w", delivery.ID, nerr)
				}
				continue
			}
			observability.Telemetry().IncCounter(observability.MetricAcksTotal, 1, nil)
			if aerr := b.broker.Ack(ctx, delivery.ID); aerr != nil {
				return fmt.Errorf("ack delivery %s: %w", delivery.ID, aerr)
			}
		}
	}
}

// handleMessage routes one envelope to its phase. Unroutable kinds are
// ordinary failures: the loop nacks them and moves on.
func (b *Bus[C, E, P, ID, Q, V]) handleMessage(ctx context.Context, msg Message[C, E, P]) error {
	observability.Telemetry().IncCounter(observability.MetricMessagesTotal, 1,
		map[string]string{"kind": msg.Kind.String()})
	switch msg.Kind {
	case KindCommand:
		_, err := b.Dispatch(ctx, msg.Command)
		return err
	case KindEvent:
		return b.handleEvent(ctx, msg.Event)
	case KindProjection:
		return b.projector.Project(ctx, msg.Projection)
	default:
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unroutable message kind"),
			errs.WithField("kind", msg.Kind.String()))
	}
}

// handleEvent runs the event path: a fresh policy context, one policy
// evaluation, then a single batch publish of the mapped side effects. The
// context is closed exactly once on every exit path. A close failure
// replaces a successful result; when the evaluation itself failed, the
// evaluation error is returned and the close failure is logged.
func (b *Bus[C, E, P, ID, Q, V]) handleEvent(ctx context.Context, event E) (err error) {
	pctx, cerr := b.policyContexts.Create(ctx)
	if cerr != nil {
		return fmt.Errorf("create policy context: %w", cerr)
	}
	defer func() {
		closeErr := pctx.Close(ctx)
		if closeErr == nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("close policy context: %w", closeErr)
			return
		}
		observability.Log().Error("policy context close failed after evaluation error",
			observability.Field{Key: "component", Value: component},
			observability.Field{Key: "close_error", Value: closeErr.Error()},
			observability.Field{Key: "evaluation_error", Value: err.Error()})
	}()

	effects, aerr := b.policy.Apply(ctx, pctx, event)
	if aerr != nil {
		return aerr
	}
	batch := make([]Message[C, E, P], 0, len(effects))
	for _, effect := range effects {
		msg, merr := EffectMessage[C, E, P](effect)
		if merr != nil {
			return merr
		}
		batch = append(batch, msg)
	}
	if perr := b.broker.PublishBatch(ctx, batch); perr != nil {
		return fmt.Errorf("publish side effects: %w", perr)
	}
	return nil
}
