// Package fault defines the failure taxonomy shared by the settlement
// ledger and the dispute engine.
//
// Every operation failure is classified into exactly one Kind. Handlers map
// kinds to HTTP statuses at the boundary; services and stores only ever deal
// in kinds. Only conflict and upstream failures are retryable, and a retry
// must re-read current state first — the other kinds are deterministic.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindInvalidTransition
	KindConcurrencyConflict
	KindUpstream
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_failure"
	case KindAuthorization:
		return "authorization_failure"
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindUpstream:
		return "upstream_failure"
	default:
		return "internal_error"
	}
}

// Error is a classified failure. From/To are populated only for
// invalid-transition failures so callers can see the rejected pair.
type Error struct {
	Kind    Kind
	Message string
	From    string
	To      string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Kind.String() + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels: errors.Is(err, fault.ErrNotFound) is true for
// any Error whose kind is KindNotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrConflict          = &Error{Kind: KindConcurrencyConflict}
	ErrUpstream          = &Error{Kind: KindUpstream}
)

// Validation reports malformed input caught before any state was touched.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorization reports a caller lacking the required capability.
func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an absent referenced entity.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidTransition reports a state change absent from the transition table.
// The attempted pair is always carried for diagnosability.
func InvalidTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("transition from %s to %s is not allowed", from, to),
		From:    from,
		To:      to,
	}
}

// Conflict reports an optimistic-concurrency version mismatch.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConcurrencyConflict, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a collaborator failure (booking lookup, payment processor).
func Upstream(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUpstream, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the operation may succeed if the caller re-reads
// current state and retries. Deterministic failures are never retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConcurrencyConflict, KindUpstream:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a failure to the status handlers should respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindConcurrencyConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the wire error code for a failure.
func Code(err error) string {
	return KindOf(err).String()
}
