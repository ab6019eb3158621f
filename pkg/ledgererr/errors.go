// Package ledgererr defines the closed set of error kinds the ledger core
// raises (spec §7 "Error kinds"). Errors are values, not exceptional
// control flow: every operation that can fail returns a *LedgerError (or
// wraps one) rather than panicking.
package ledgererr

import (
	"errors"
	"fmt"
)

// Code is one of the closed set of error kinds from spec §7.
type Code string

const (
	CodeConcurrencyConflict   Code = "CONCURRENCY_CONFLICT"
	CodeChainBroken           Code = "CHAIN_BROKEN"
	CodeInvalidEvent          Code = "INVALID_EVENT"
	CodeInvariantViolation    Code = "INVARIANT_VIOLATION"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeGuardsFailed          Code = "GUARDS_FAILED"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeWorkflowComplete      Code = "WORKFLOW_COMPLETE"
	CodeNotFound              Code = "NOT_FOUND"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeQuotaExceeded         Code = "QUOTA_EXCEEDED"
	CodePolicyDenied          Code = "POLICY_DENIED"
	CodeTimeout               Code = "TIMEOUT"
	CodeCompensationFailed    Code = "COMPENSATION_FAILED"
)

// retriable mirrors spec §7 "Retry semantics".
var retriable = map[Code]bool{
	CodeConcurrencyConflict: true,
}

// LedgerError is the typed error every ledger operation returns on failure.
type LedgerError struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *LedgerError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LedgerError) Unwrap() error { return e.cause }

// Retriable reports whether the caller should re-load state and retry, per
// spec §7's retry semantics (CONCURRENCY_CONFLICT is the only universally
// retriable kind at this layer; projection/saga retry policy is
// component-specific and lives in those packages).
func (e *LedgerError) Retriable() bool { return retriable[e.Code] }

// New constructs a LedgerError with the given code and message.
func New(code Code, message string, details map[string]any) *LedgerError {
	return &LedgerError{Code: code, Message: message, Details: details}
}

// Wrap classifies an adapter-raised error into a LedgerError of the given
// kind, preserving it as the cause for errors.Is/As and %w chains.
func Wrap(code Code, cause error, message string) *LedgerError {
	return &LedgerError{Code: code, Message: message, cause: cause}
}

// Is reports whether err is a LedgerError with the given code, looking
// through wrapped errors.
func Is(err error, code Code) bool {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

func ConcurrencyConflict(details map[string]any) *LedgerError {
	return New(CodeConcurrencyConflict, "aggregate_version precondition failed", details)
}

func ChainBroken(seq uint64, reason string) *LedgerError {
	return New(CodeChainBroken, reason, map[string]any{"sequence": seq})
}

func InvalidEvent(reason string) *LedgerError {
	return New(CodeInvalidEvent, reason, nil)
}

func InvariantViolation(invariant, reason string) *LedgerError {
	return New(CodeInvariantViolation, reason, map[string]any{"invariant": invariant})
}

func Unauthorized(reason string) *LedgerError {
	return New(CodeUnauthorized, reason, nil)
}

func GuardsFailed(failed []string) *LedgerError {
	return New(CodeGuardsFailed, "one or more transition guards failed", map[string]any{"failed_guards": failed})
}

func InvalidTransition(name, state string) *LedgerError {
	return New(CodeInvalidTransition, fmt.Sprintf("no transition %q from state %q", name, state), nil)
}

func WorkflowComplete(instanceID string) *LedgerError {
	return New(CodeWorkflowComplete, "workflow instance already terminated", map[string]any{"instance_id": instanceID})
}

func NotFound(kind, id string) *LedgerError {
	return New(CodeNotFound, fmt.Sprintf("%s %q has no events", kind, id), nil)
}

func RateLimited(retryAfterSeconds int) *LedgerError {
	return New(CodeRateLimited, "rate limit exceeded", map[string]any{"retry_after_seconds": retryAfterSeconds})
}

func QuotaExceeded(resource string, retryAfterSeconds int) *LedgerError {
	return New(CodeQuotaExceeded, fmt.Sprintf("quota exceeded for %s", resource), map[string]any{"retry_after_seconds": retryAfterSeconds})
}

func PolicyDenied(policyID, ruleName string) *LedgerError {
	return New(CodePolicyDenied, "policy denied the request", map[string]any{"policy_id": policyID, "rule": ruleName})
}

func Timeout(operation string) *LedgerError {
	return New(CodeTimeout, fmt.Sprintf("%s timed out", operation), nil)
}

func CompensationFailed(step string, cause error) *LedgerError {
	return Wrap(CodeCompensationFailed, cause, fmt.Sprintf("compensation failed at step %q", step))
}
