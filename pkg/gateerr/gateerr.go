// Package gateerr defines the machine-readable error taxonomy shared across
// the trace bundle engine, intent journal, policy engine, and gate
// orchestrator.
package gateerr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	// Validation
	CodeManifestMissing Code = "ManifestMissing"
	CodeManifestMalformed Code = "ManifestMalformed"
	CodeSchemaViolation Code = "SchemaViolation"
	CodeComponentMissing Code = "ComponentMissing"
	CodeKindMismatch Code = "KindMismatch"
	CodeHashMismatch Code = "HashMismatch"
	CodeBundleInvalid Code = "BundleInvalid"
	CodeDuplicateIntentID Code = "DuplicateIntentId"

	// State
	CodeAlreadyCommitted Code = "AlreadyCommitted"
	CodeNoReceipts Code = "NoReceipts"

	// Policy
	CodePolicyDenied Code = "PolicyDenied"
	CodeApprovalRequired Code = "ApprovalRequired"

	// Journal
	CodeJournalParseError Code = "JournalParseError"
	CodeJournalIoError Code = "JournalIoError"

	// Driver
	CodeDriverUnregistered Code = "DriverUnregistered"
	CodePrepareFailed Code = "PrepareFailed"
	CodeCommitFailed Code = "CommitFailed"
	CodeRollbackFailed Code = "RollbackFailed"
	CodeNonReversible Code = "NonReversible"

	// Replay
	CodeReplayDiff Code = "ReplayDiff"
	CodeReplayExitNonZero Code = "ReplayExitNonZero"

	// IO/Net
	CodeHTTPError Code = "HttpError"
	CodeTimedOut Code = "TimedOut"
	CodeCancelled Code = "Cancelled"
	CodeNotFound Code = "NotFound"
)

// Error is the typed error carried across package boundaries. The bundle
// engine, journal, policy loader, orchestrator and replay verifier return
// *Error (wrapped where needed), so callers can switch on Code without
// string matching; canon, driver, gatestore, httprules, promptstore and
// signing return errors built with fmt.Errorf instead.
type Error struct {
	Code Code
	Message string
	// Reasons holds a sorted, deduplicated list of human-readable reasons,
	// used by PolicyDenied and ApprovalRequired.
	Reasons []string
	// Details carries structured, code-specific context (component name,
	// expected/actual hash, intent ID, HTTP status, ...).
	Details map[string]any
	Err error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, gateerr.New(CodeX, "")) to match by Code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New creates a bare *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an *Error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails attaches structured details and returns the receiver for
// chaining.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// WithReasons attaches a reason list and returns the receiver for chaining.
func (e *Error) WithReasons(reasons []string) *Error {
	e.Reasons = reasons
	return e
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error; returns "" otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
