// Package orcherrors defines the orchestrator's error taxonomy (spec §7): six
// classified error kinds that every component returns instead of ad-hoc errors, so
// callers can decide retry/backoff behavior with a single errors.As switch.
package orcherrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the six taxonomy buckets.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindPolicy       Kind = "policy_rejection"
	KindTransient    Kind = "transient"
	KindFatal        Kind = "fatal"
	KindCancellation Kind = "cancellation"
)

// OrchestratorError is the common shape behind every typed error below.
type OrchestratorError struct {
	kind      Kind
	code      string
	message   string
	retryable bool
	cause     error
}

func (e *OrchestratorError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *OrchestratorError) Unwrap() error { return e.cause }

// Kind reports which taxonomy bucket this error belongs to.
func (e *OrchestratorError) Kind() Kind { return e.kind }

// Code is a short machine-readable identifier, surfaced in work_result.error.code.
func (e *OrchestratorError) Code() string { return e.code }

// Retryable reports whether the work item that produced this error should be
// re-queued with backoff (true) or terminated (false).
func (e *OrchestratorError) Retryable() bool { return e.retryable }

// Validation wraps a proposal/op validation failure. Never retried; surfaced on
// the proposal's validation_report.
func Validation(code, message string) *OrchestratorError {
	return &OrchestratorError{kind: KindValidation, code: code, message: message, retryable: false}
}

// Conflict wraps an optimistic version mismatch or uniqueness violation at commit.
// The enclosing proposal moves to FAILED; callers may resubmit with fresh context.
func Conflict(code, message string) *OrchestratorError {
	return &OrchestratorError{kind: KindConflict, code: code, message: message, retryable: false}
}

// Policy wraps a policy-engine rejection. The proposal moves to REJECTED; not retried.
func Policy(code, message string) *OrchestratorError {
	return &OrchestratorError{kind: KindPolicy, code: code, message: message, retryable: false}
}

// Transient wraps I/O, lease loss, or notification failures. The work item is
// re-queued with backoff.
func Transient(code, message string, cause error) *OrchestratorError {
	return &OrchestratorError{kind: KindTransient, code: code, message: message, retryable: true, cause: cause}
}

// Fatal wraps an invariant violation or corrupted payload. The work item moves to
// failed, an incident is logged, and it is never retried.
func Fatal(code, message string, cause error) *OrchestratorError {
	return &OrchestratorError{kind: KindFatal, code: code, message: message, retryable: false, cause: cause}
}

// Cancellation wraps an external cancel signal: non-retryable, terminal.
func Cancellation(code, message string) *OrchestratorError {
	return &OrchestratorError{kind: KindCancellation, code: code, message: message, retryable: false}
}

// AsWorkError renders any error into the WorkItem.WorkResult.Error shape, classifying
// unknown errors as retryable transient failures (conservative default: prefer a
// bounded retry over silently dropping work).
func AsWorkError(err error) (code string, message string, retryable bool) {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.code, oe.message, oe.retryable
	}
	return "unclassified", err.Error(), true
}
