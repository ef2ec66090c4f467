package fault

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error into the closed set understood by every
// component and by remote callers. The set is fixed; new failure modes
// map onto an existing kind.
type Kind string

const (
	// Validation covers malformed or out-of-range input. Never retried.
	Validation Kind = "validation"
	// NotFound covers lookups that matched nothing.
	NotFound Kind = "not_found"
	// Conflict covers version conflicts and illegal state transitions.
	// Surfaced immediately; the caller decides to refetch and retry.
	Conflict Kind = "conflict"
	// Unavailable covers transient failures of an external dependency
	// (store, index, cache). Retried with backoff up to the call timeout.
	Unavailable Kind = "unavailable"
	// Transport covers peer network failures. Retried with backoff.
	Transport Kind = "transport"
	// Policy covers authorization and scope refusals. Never retried.
	Policy Kind = "policy"
	// Internal covers bugs. Logged with a correlation id and returned
	// opaque; the component keeps serving other requests.
	Internal Kind = "internal"
)

// Error is the one error type that crosses package and wire boundaries.
// It serializes to {kind, message, retry_after_ms} for remote callers.
type Error struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	RetryAfterMS  int64  `json:"retry_after_ms,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two fault errors by kind, so callers can write
// errors.Is(err, &fault.Error{Kind: fault.NotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithRetryAfter sets the retry hint returned to remote callers.
func (e *Error) WithRetryAfter(ms int64) *Error {
	e.RetryAfterMS = ms
	return e
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. A nil cause
// yields a plain fault error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validationf builds a Validation error.
func Validationf(format string, args ...any) *Error {
	return New(Validation, format, args...)
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, format, args...)
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) *Error {
	return New(Conflict, format, args...)
}

// Unavailablef builds an Unavailable error wrapping its cause.
func Unavailablef(cause error, format string, args ...any) *Error {
	return Wrap(Unavailable, cause, format, args...)
}

// Transportf builds a Transport error wrapping its cause.
func Transportf(cause error, format string, args ...any) *Error {
	return Wrap(Transport, cause, format, args...)
}

// Policyf builds a Policy error.
func Policyf(format string, args ...any) *Error {
	return New(Policy, format, args...)
}

// Internalf builds an Internal error with a fresh correlation id. The
// caller logs the cause with the id; remote callers only see the id.
func Internalf(cause error, format string, args ...any) *Error {
	return &Error{
		Kind:          Internal,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: uuid.NewString(),
		cause:         cause,
	}
}

// KindOf classifies any error. Unknown errors are Internal; nil is the
// empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Retryable reports whether the error kind may be retried with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Unavailable, Transport:
		return true
	}
	return false
}

// From converts any error into a fault error without double-wrapping.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(Internal, err, "unexpected error")
}

// wireError is the JSON shape sent to remote callers.
type wireError struct {
	Kind         Kind   `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// MarshalJSON keeps the cause out of the wire representation. Internal
// errors are returned opaque: message replaced by the correlation id.
func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{Kind: e.Kind, Message: e.Message, RetryAfterMS: e.RetryAfterMS}
	if e.Kind == Internal {
		w.Message = fmt.Sprintf("internal error (correlation_id=%s)", e.CorrelationID)
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores the wire shape on the client side.
func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind = w.Kind
	e.Message = w.Message
	e.RetryAfterMS = w.RetryAfterMS
	return nil
}
