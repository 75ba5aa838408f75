// Package broker holds contracts shared by the transport implementations.
package broker

import (
	json "github.com/goccy/go-json"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
)

const component = "broker"

// Codec translates typed bus messages to and from transport payloads.
// The payload carries only the active variant; the kind travels in the
// transport's own framing (queue column, wire frame field).
type Codec[C, E, P any] interface {
	Encode(msg bus.Message[C, E, P]) ([]byte, error)
	Decode(kind bus.Kind, payload []byte) (bus.Message[C, E, P], error)
}

// JSONCodec encodes message payloads as JSON. It suits payload types that
// marshal losslessly on their own; domains with interface-valued payloads
// supply their own codec with a type discriminator.
type JSONCodec[C, E, P any] struct{}

// Encode marshals the active variant of the message.
func (JSONCodec[C, E, P]) Encode(msg bus.Message[C, E, P]) ([]byte, error) {
	switch msg.Kind {
	case bus.KindCommand:
		return json.Marshal(msg.Command)
	case bus.KindEvent:
		return json.Marshal(msg.Event)
	case bus.KindProjection:
		return json.Marshal(msg.Projection)
	default:
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("unknown message kind"))
	}
}

// Decode unmarshals a payload into a message of the given kind.
func (JSONCodec[C, E, P]) Decode(kind bus.Kind, payload []byte) (bus.Message[C, E, P], error) {
	msg := bus.Message[C, E, P]{Kind: kind}
	switch kind {
	case bus.KindCommand:
		if err := json.Unmarshal(payload, &msg.Command); err != nil {
			return bus.Message[C, E, P]{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("decode command payload"), errs.WithCause(err))
		}
	case bus.KindEvent:
		if err := json.Unmarshal(payload, &msg.Event); err != nil {
			return bus.Message[C, E, P]{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("decode event payload"), errs.WithCause(err))
		}
	case bus.KindProjection:
		if err := json.Unmarshal(payload, &msg.Projection); err != nil {
			return bus.Message[C, E, P]{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("decode projection payload"), errs.WithCause(err))
		}
	default:
		return bus.Message[C, E, P]{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("unknown message kind"))
	}
	return msg, nil
}
