package parts

import (
	json "github.com/goccy/go-json"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/broker"
)

const codecComponent = "parts/codec"

// Wire names for every payload variant. The names are part of the stored
// and transmitted format; renaming one invalidates queued rows.
const (
	WireCreatePart  = "part.create"
	WireAdjustPrice = "part.adjust_price"
	WireRetirePart  = "part.retire"

	WirePartCreated   = "part.created"
	WirePriceAdjusted = "part.price_adjusted"
	WirePartRetired   = "part.retired"

	WireIndexPart   = "part.index"
	WireRemoveIndex = "part.unindex"
)

type wireEnvelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// EncodeCommand renders cmd as its wire name and JSON body.
func EncodeCommand(cmd Command) (string, []byte, error) {
	switch c := cmd.(type) {
	case CreatePart:
		return marshalWire(WireCreatePart, c)
	case AdjustPrice:
		return marshalWire(WireAdjustPrice, c)
	case RetirePart:
		return marshalWire(WireRetirePart, c)
	default:
		return "", nil, errs.New(codecComponent, errs.CodeInvalid,
			errs.WithMessage("command variant has no wire name"))
	}
}

// DecodeCommand parses the named command variant from its JSON body.
func DecodeCommand(name string, body []byte) (Command, error) {
	switch name {
	case WireCreatePart:
		return unmarshalWire[CreatePart](name, body)
	case WireAdjustPrice:
		return unmarshalWire[AdjustPrice](name, body)
	case WireRetirePart:
		return unmarshalWire[RetirePart](name, body)
	default:
		return nil, unknownWireName(name)
	}
}

// EncodeEvent renders evt as its wire name and JSON body.
func EncodeEvent(evt Event) (string, []byte, error) {
	switch e := evt.(type) {
	case PartCreated:
		return marshalWire(WirePartCreated, e)
	case PriceAdjusted:
		return marshalWire(WirePriceAdjusted, e)
	case PartRetired:
		return marshalWire(WirePartRetired, e)
	default:
		return "", nil, errs.New(codecComponent, errs.CodeInvalid,
			errs.WithMessage("event variant has no wire name"))
	}
}

// DecodeEvent parses the named event variant from its JSON body.
func DecodeEvent(name string, body []byte) (Event, error) {
	switch name {
	case WirePartCreated:
		return unmarshalWire[PartCreated](name, body)
	case WirePriceAdjusted:
		return unmarshalWire[PriceAdjusted](name, body)
	case WirePartRetired:
		return unmarshalWire[PartRetired](name, body)
	default:
		return nil, unknownWireName(name)
	}
}

// EncodeProjection renders p as its wire name and JSON body.
func EncodeProjection(p Projection) (string, []byte, error) {
	switch v := p.(type) {
	case IndexPart:
		return marshalWire(WireIndexPart, v)
	case RemoveIndex:
		return marshalWire(WireRemoveIndex, v)
	default:
		return "", nil, errs.New(codecComponent, errs.CodeInvalid,
			errs.WithMessage("projection variant has no wire name"))
	}
}

// DecodeProjection parses the named projection variant from its JSON body.
func DecodeProjection(name string, body []byte) (Projection, error) {
	switch name {
	case WireIndexPart:
		return unmarshalWire[IndexPart](name, body)
	case WireRemoveIndex:
		return unmarshalWire[RemoveIndex](name, body)
	default:
		return nil, unknownWireName(name)
	}
}

func marshalWire(name string, v any) (string, []byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", nil, errs.New(codecComponent, errs.CodeInternal,
			errs.WithMessage("marshal payload body"),
			errs.WithCause(err),
			errs.WithField("type", name))
	}
	return name, body, nil
}

func unmarshalWire[T any](name string, body []byte) (T, error) {
	var v T
	if len(body) == 0 {
		return v, errs.New(codecComponent, errs.CodeInvalid,
			errs.WithMessage("payload body missing"),
			errs.WithField("type", name))
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, errs.New(codecComponent, errs.CodeInvalid,
			errs.WithMessage("unmarshal payload body"),
			errs.WithCause(err),
			errs.WithField("type", name))
	}
	return v, nil
}

func unknownWireName(name string) error {
	return errs.New(codecComponent, errs.CodeInvalid,
		errs.WithMessage("unknown wire type"),
		errs.WithField("type", name))
}

// Codec serializes domain envelopes as {"type": ..., "body": ...} JSON
// documents. The envelope kind travels out of band; durable brokers store
// it alongside the payload.
type Codec struct{}

var _ broker.Codec[Command, Event, Projection] = Codec{}

// Encode implements broker.Codec.
func (Codec) Encode(msg Message) ([]byte, error) {
	var (
		name string
		body []byte
		err  error
	)
	switch msg.Kind {
	case bus.KindCommand:
		name, body, err = EncodeCommand(msg.Command)
	case bus.KindEvent:
		name, body, err = EncodeEvent(msg.Event)
	case bus.KindProjection:
		name, body, err = EncodeProjection(msg.Projection)
	default:
		return nil, errs.New(codecComponent, errs.CodeInvalid,
			errs.WithMessage("message kind not encodable"),
			errs.WithField("kind", msg.Kind.String()))
	}
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(wireEnvelope{Type: name, Body: body})
	if err != nil {
		return nil, errs.New(codecComponent, errs.CodeInternal,
			errs.WithMessage("marshal wire envelope"),
			errs.WithCause(err))
	}
	return payload, nil
}

// Decode implements broker.Codec.
func (Codec) Decode(kind bus.Kind, payload []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, errs.New(codecComponent, errs.CodeInvalid,
			errs.WithMessage("unmarshal wire envelope"),
			errs.WithCause(err))
	}
	switch kind {
	case bus.KindCommand:
		cmd, err := DecodeCommand(env.Type, env.Body)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: bus.KindCommand, Command: cmd}, nil
	case bus.KindEvent:
		evt, err := DecodeEvent(env.Type, env.Body)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: bus.KindEvent, Event: evt}, nil
	case bus.KindProjection:
		p, err := DecodeProjection(env.Type, env.Body)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: bus.KindProjection, Projection: p}, nil
	default:
		return Message{}, errs.New(codecComponent, errs.CodeInvalid,
			errs.WithMessage("message kind not decodable"),
			errs.WithField("kind", kind.String()))
	}
}
