package policyjs

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
)

const component = "policy/js"

// Bridge converts between a domain's payload types and the wire shapes a
// script sees. Scripts receive events as {type, body} documents and
// return effects the decode funcs turn back into domain values.
type Bridge[C, E, P any] struct {
	EncodeEvent      func(event E) (string, []byte, error)
	DecodeCommand    func(name string, body []byte) (C, error)
	DecodeProjection func(name string, body []byte) (P, error)
}

func (b Bridge[C, E, P]) validate() error {
	if b.EncodeEvent == nil || b.DecodeCommand == nil || b.DecodeProjection == nil {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("bridge requires encode and decode funcs"))
	}
	return nil
}

// effectDoc is the shape scripts return from apply: an array of
// {kind, type, body} documents.
type effectDoc struct {
	Kind string         `json:"kind"`
	Type string         `json:"type"`
	Body map[string]any `json:"body"`
}

// Policy adapts one module instance to the engine's policy contract. The
// module's apply(event) export receives a {type, body} document and
// returns the side effects as an array of {kind, type, body} documents,
// or nothing for no effects.
//
// Scripted policies are pure functions of the event; the policy context
// passes through unused.
type Policy[C, E, P any] struct {
	instance *Instance
	bridge   Bridge[C, E, P]
}

// NewPolicy wraps instance as a bus policy using bridge for payload
// conversion. The policy owns the instance; Close releases it.
func NewPolicy[C, E, P any](instance *Instance, bridge Bridge[C, E, P]) (*Policy[C, E, P], error) {
	if instance == nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("instance required"))
	}
	if err := bridge.validate(); err != nil {
		return nil, err
	}
	return &Policy[C, E, P]{instance: instance, bridge: bridge}, nil
}

var _ bus.Policy[any, any, any] = (*Policy[any, any, any])(nil)

// Apply implements bus.Policy.
func (p *Policy[C, E, P]) Apply(_ context.Context, _ bus.PolicyContext, event E) ([]bus.SideEffect[C, P], error) {
	name, body, err := p.bridge.EncodeEvent(event)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("policy script %s: decode event body: %w", p.instance.Name(), err)
	}
	input := map[string]any{"type": name, "body": payload}

	var docs []effectDoc
	_, execErr := p.instance.Execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		value := exports.Get("apply")
		if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
			return nil, ErrFunctionMissing
		}
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("export %q not callable", "apply")
		}
		res, err := callable(goja.Undefined(), rt.ToValue(input))
		if err != nil {
			return nil, err
		}
		if goja.IsUndefined(res) || goja.IsNull(res) {
			return nil, nil
		}
		if err := rt.ExportTo(res, &docs); err != nil {
			return nil, fmt.Errorf("effects export invalid: %w", err)
		}
		return nil, nil
	})
	if execErr != nil {
		return nil, fmt.Errorf("policy script %s: apply failed: %w", p.instance.Name(), execErr)
	}

	effects := make([]bus.SideEffect[C, P], 0, len(docs))
	for _, doc := range docs {
		effect, err := p.decodeEffect(doc)
		if err != nil {
			return nil, err
		}
		effects = append(effects, effect)
	}
	return effects, nil
}

func (p *Policy[C, E, P]) decodeEffect(doc effectDoc) (bus.SideEffect[C, P], error) {
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return bus.SideEffect[C, P]{}, fmt.Errorf("policy script %s: encode effect body: %w", p.instance.Name(), err)
	}
	switch strings.ToLower(strings.TrimSpace(doc.Kind)) {
	case "command":
		cmd, err := p.bridge.DecodeCommand(doc.Type, body)
		if err != nil {
			return bus.SideEffect[C, P]{}, err
		}
		return bus.CommandEffect[C, P](cmd), nil
	case "projection":
		projection, err := p.bridge.DecodeProjection(doc.Type, body)
		if err != nil {
			return bus.SideEffect[C, P]{}, err
		}
		return bus.ProjectionEffect[C, P](projection), nil
	default:
		return bus.SideEffect[C, P]{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("effect kind must be command or projection"),
			errs.WithField("kind", doc.Kind),
			errs.WithField("module", p.instance.Name()))
	}
}

// Close releases the underlying instance.
func (p *Policy[C, E, P]) Close() {
	if p == nil {
		return
	}
	p.instance.Close()
}
