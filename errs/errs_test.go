package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"ledger",
		CodeInsufficientMargin,
		WithMessage("insufficient margin"),
		WithField("symbol", "BTCUSDT"),
		WithField("required", "14625"),
		WithField("available", "10000"),
		WithRemediation("reduce order quantity or leverage"),
		WithCause(errors.New("wallet check failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=ledger") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=insufficient_margin") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "available=\"10000\" required=\"14625\" symbol=\"BTCUSDT\"") {
		t.Fatalf("expected sorted fields in error string: %s", out)
	}
	if !strings.Contains(out, "remediation=\"reduce order quantity or leverage\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"wallet check failed\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfUnwrapsNestedEnvelope(t *testing.T) {
	inner := New("book", CodeStreamGap, WithMessage("gap detected"))
	wrapped := fmt.Errorf("apply diff: %w", inner)

	if got := CodeOf(wrapped); got != CodeStreamGap {
		t.Fatalf("expected stream_gap code, got %q", got)
	}
	if !HasCode(wrapped, CodeStreamGap) {
		t.Fatalf("expected HasCode to match stream_gap")
	}
	if HasCode(wrapped, CodeNotFound) {
		t.Fatalf("HasCode matched the wrong code")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
