package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetaAndCause(t *testing.T) {
	err := New(
		"membus/publish",
		CodeUnavailable,
		WithMessage("bus is closed"),
		WithMeta(map[string]string{
			"kind":     "event",
			"delivery": "41",
		}),
		WithField("attempt", "3"),
		WithCause(errors.New("send on closed channel")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=membus/publish") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=unavailable") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedMeta := "meta=attempt=\"3\",delivery=\"41\",kind=\"event\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "message=\"bus is closed\"") {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"send on closed channel\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithMetaMerge(t *testing.T) {
	err := New(
		"pgbus",
		CodeInvalid,
		WithMeta(map[string]string{"kind": "command"}),
		WithMeta(map[string]string{"kind": "projection", "table": "rondo_queue"}),
	)

	if got := err.Meta["kind"]; got != "projection" {
		t.Fatalf("expected latest metadata to win, got %q", got)
	}
	if got := err.Meta["table"]; got != "rondo_queue" {
		t.Fatalf("expected table metadata to be present, got %q", got)
	}
}

func TestUnwrapSupportsErrorsIs(t *testing.T) {
	sentinel := errors.New("pool exhausted")
	err := New("storage", CodeUnavailable, WithCause(sentinel))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to find the cause")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", New("parts/handler", CodeConflict))
	if got := CodeOf(wrapped); got != CodeConflict {
		t.Fatalf("expected conflict code through wrapping, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("expected internal code for foreign error, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
