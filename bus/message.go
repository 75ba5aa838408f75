package bus

import (
	"github.com/solmir/rondo/errs"
)

// Kind discriminates the payload carried by a Message or SideEffect.
type Kind uint8

const (
	// KindCommand marks an intent to mutate domain state.
	KindCommand Kind = iota + 1
	// KindEvent marks an immutable fact produced by a committed mutation.
	KindEvent
	// KindProjection marks an infrastructure-facing side effect instruction.
	KindProjection
)

// String renders the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindProjection:
		return "projection"
	default:
		return "unknown"
	}
}

// ParseKind resolves a wire name back to its Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "command":
		return KindCommand, nil
	case "event":
		return KindEvent, nil
	case "projection":
		return KindProjection, nil
	default:
		return 0, errs.New("bus/kind", errs.CodeInvalid,
			errs.WithMessage("unknown message kind"),
			errs.WithField("kind", name))
	}
}

// Message is the transport envelope around one command, event, or
// projection. Exactly one payload field is meaningful, selected by Kind;
// brokers move envelopes without inspecting the payloads. Applications
// normally instantiate the type once through a package-level alias.
type Message[C, E, P any] struct {
	Kind       Kind
	Command    C
	Event      E
	Projection P
}

// SideEffect is the output unit of policy evaluation: a follow-up command
// or a projection. Events are consumed by policies and never re-emitted,
// which keeps the event phase free of feedback loops.
type SideEffect[C, P any] struct {
	Kind       Kind
	Command    C
	Projection P
}

// CommandEffect wraps cmd as a command side effect.
func CommandEffect[C, P any](cmd C) SideEffect[C, P] {
	return SideEffect[C, P]{Kind: KindCommand, Command: cmd}
}

// ProjectionEffect wraps projection as a projection side effect.
func ProjectionEffect[C, P any](projection P) SideEffect[C, P] {
	return SideEffect[C, P]{Kind: KindProjection, Projection: projection}
}

// EffectMessage maps a side effect to the envelope of the matching
// variant. The mapping is total over the two legal kinds; anything else,
// the zero SideEffect included, is an invalid-input error.
func EffectMessage[C, E, P any](effect SideEffect[C, P]) (Message[C, E, P], error) {
	switch effect.Kind {
	case KindCommand:
		return Message[C, E, P]{Kind: KindCommand, Command: effect.Command}, nil
	case KindProjection:
		return Message[C, E, P]{Kind: KindProjection, Projection: effect.Projection}, nil
	default:
		return Message[C, E, P]{}, errs.New("bus/effect", errs.CodeInvalid,
			errs.WithMessage("side effect kind must be command or projection"),
			errs.WithField("kind", effect.Kind.String()))
	}
}

// DeliveryID is an opaque, transport-assigned token identifying one
// delivered envelope. It stays valid until that delivery is acked or
// nacked; redelivery of the same envelope carries a fresh token.
type DeliveryID string

// Delivery pairs a transport delivery token with the received envelope.
type Delivery[C, E, P any] struct {
	ID      DeliveryID
	Message Message[C, E, P]
}
