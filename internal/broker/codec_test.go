package broker

import (
	"testing"

	"github.com/solmir/rondo/bus"
)

type cmd struct {
	SKU string `json:"sku"`
}

type evt struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

type proj struct {
	SKU string `json:"sku"`
}

func TestJSONCodecRoundTripsEachKind(t *testing.T) {
	codec := JSONCodec[cmd, evt, proj]{}

	messages := []bus.Message[cmd, evt, proj]{
		{Kind: bus.KindCommand, Command: cmd{SKU: "ABC-123"}},
		{Kind: bus.KindEvent, Event: evt{SKU: "ABC-123", Name: "rotor"}},
		{Kind: bus.KindProjection, Projection: proj{SKU: "ABC-123"}},
	}
	for _, want := range messages {
		payload, err := codec.Encode(want)
		if err != nil {
			t.Fatalf("encode %s: %v", want.Kind, err)
		}
		got, err := codec.Decode(want.Kind, payload)
		if err != nil {
			t.Fatalf("decode %s: %v", want.Kind, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestJSONCodecRejectsUnknownKind(t *testing.T) {
	codec := JSONCodec[cmd, evt, proj]{}

	if _, err := codec.Encode(bus.Message[cmd, evt, proj]{}); err == nil {
		t.Fatal("expected encode error for zero kind")
	}
	if _, err := codec.Decode(bus.Kind(99), []byte("{}")); err == nil {
		t.Fatal("expected decode error for unknown kind")
	}
}

func TestJSONCodecRejectsMalformedPayload(t *testing.T) {
	codec := JSONCodec[cmd, evt, proj]{}
	if _, err := codec.Decode(bus.KindCommand, []byte("{not json")); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}
