package orcherrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsWorkError_ClassifiedError(t *testing.T) {
	wrapped := fmt.Errorf("wrapping: %w", Transient("db_timeout", "query timed out", errors.New("context deadline exceeded")))

	code, message, retryable := AsWorkError(wrapped)
	if code != "db_timeout" {
		t.Errorf("code = %q, want db_timeout", code)
	}
	if message != "query timed out" {
		t.Errorf("message = %q, want %q", message, "query timed out")
	}
	if !retryable {
		t.Error("transient error should be retryable")
	}
}

func TestAsWorkError_UnclassifiedDefaultsToRetryableTransient(t *testing.T) {
	code, _, retryable := AsWorkError(errors.New("some unexpected library error"))
	if code != "unclassified" {
		t.Errorf("code = %q, want unclassified", code)
	}
	if !retryable {
		t.Error("unclassified errors should default to retryable")
	}
}

func TestFatalIsNeverRetryable(t *testing.T) {
	err := Fatal("bad_invariant", "block has no basket_id", nil)
	_, _, retryable := AsWorkError(err)
	if retryable {
		t.Error("fatal errors must never be retryable")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Transient("io_error", "write failed", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through OrchestratorError.Unwrap to the cause")
	}
}

func TestKindAndCodeAccessors(t *testing.T) {
	err := Policy("budget_exceeded", "proposal exceeds op budget")
	if err.Kind() != KindPolicy {
		t.Errorf("Kind() = %q, want %q", err.Kind(), KindPolicy)
	}
	if err.Code() != "budget_exceeded" {
		t.Errorf("Code() = %q, want budget_exceeded", err.Code())
	}
	if err.Retryable() {
		t.Error("policy rejections are never retryable")
	}
}
