package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesDetails(t *testing.T) {
	err := New(
		"ledger",
		CodeInsufficientBalance,
		WithMessage("insufficient free balance"),
		WithDetails(map[string]string{
			"bucket":    "free",
			"requested": "100.00000000",
		}),
		WithDetail("available", "50.00000000"),
		WithCause(errors.New("reserve")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=ledger") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=insufficient_balance") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expected := "details=available=\"50.00000000\",bucket=\"free\",requested=\"100.00000000\""
	if !strings.Contains(out, expected) {
		t.Fatalf("expected details %q in error string: %s", expected, out)
	}
	if !strings.Contains(out, "cause=\"reserve\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithDetailSkipsEmptyKey(t *testing.T) {
	err := New("x", CodeInvalid, WithDetail("  ", "v"))
	if len(err.Details) != 0 {
		t.Fatalf("expected empty details, got %v", err.Details)
	}
	if strings.Contains(err.Error(), "details=") {
		t.Fatalf("details marker should be omitted: %s", err.Error())
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	base := NotFound("store", "order", "o-1")
	wrapped := fmt.Errorf("load order: %w", base)
	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Fatalf("expected not_found, got %q", got)
	}
	if !IsCode(wrapped, CodeNotFound) {
		t.Fatalf("expected IsCode match")
	}
	if IsCode(wrapped, CodeInternal) {
		t.Fatalf("unexpected internal match")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain error")
	}
}

func TestIsCodeFindsNestedEnvelope(t *testing.T) {
	inner := External("paper", "submit failed", errors.New("timeout"))
	outer := New("order", CodeInternal, WithCause(inner))
	if !IsCode(outer, CodeExternalProvider) {
		t.Fatalf("expected nested external provider code")
	}
}

func TestRetryable(t *testing.T) {
	if !IsRetryable(External("p", "down", nil)) {
		t.Fatalf("external provider errors are retryable")
	}
	if IsRetryable(Internal("order", "broken")) {
		t.Fatalf("internal errors are not retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil is not retryable")
	}
}

func TestInsufficientBalanceDetails(t *testing.T) {
	err := InsufficientBalance("ledger", "reserved", "10", "5")
	if err.Detail("bucket") != "reserved" || err.Detail("requested") != "10" || err.Detail("available") != "5" {
		t.Fatalf("unexpected details %v", err.Details)
	}
	var nilErr *E
	if nilErr.Detail("x") != "" {
		t.Fatalf("nil envelope detail should be empty")
	}
}
