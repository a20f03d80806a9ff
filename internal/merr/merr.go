// Package merr defines the error taxonomy shared by every mirage package.
//
// Errors are classified by kind rather than by Go type: callers use
// errors.Is against the sentinel Kind values, and the orchestrator and API
// layer both switch on Kind to decide propagation (persist-and-continue,
// HTTP status, or crash-loud).
package merr

import (
	"errors"
	"fmt"
)

// Kind identifies which bucket of the error taxonomy an Error belongs to.
type Kind string

// The error kinds from the error handling design. Kind values double as
// error_code when persisted on a Run.
const (
	// NotFound means a referenced entity does not exist.
	NotFound Kind = "not_found"

	// Conflict means a unique-constraint violation. Swallowed on claim
	// races; surfaced as "already exists" on task/rating/run creation.
	Conflict Kind = "conflict"

	// InputMissing means a required file (audio/ref-image) was absent at
	// processing time. Fatal for the run.
	InputMissing Kind = "input_missing"

	// Provider means a provider subprocess or network failure. Fatal for
	// the run; the provider_call row stays with status=failed.
	Provider Kind = "provider"

	// Normalize means a normalization timeout or non-zero ffmpeg exit.
	// Fatal for the run.
	Normalize Kind = "normalize"

	// Metrics means the metrics engine raised. Fatal for the run; the
	// canonical artifact is retained.
	Metrics Kind = "metrics"

	// StoreViolation means an attempted non-monotonic status transition.
	// This is an internal bug, not a caller error, and must crash-loud
	// rather than be swallowed.
	StoreViolation Kind = "store_violation"
)

// Error is a kind-tagged error carrying an optional detail string and
// wrapped cause. Detail is the value persisted as Run.error_detail;
// Kind is persisted as Run.error_code.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
		}

		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}

	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}

	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches against another *Error by Kind, letting errors.Is(err,
// merr.New(merr.NotFound, "")) work as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == t.Kind
}

// New builds an *Error with a detail message and no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an *Error of the given kind wrapping cause. If cause is
// already an *Error of the same kind and detail is empty, the existing
// error is returned unchanged so repeated
// wrapping at call-site boundaries doesn't stack redundant context.
func Wrap(kind Kind, detail string, cause error) *Error {
	var existing *Error
	if errors.As(cause, &existing) && existing.Kind == kind && detail == "" {
		return existing
	}

	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf returns the Kind of err if it is, or wraps, a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return "", false
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
