package proto

import (
	"errors"
	"fmt"
)

// ErrKind is the closed set of error kinds the control boundary
// returns. Callers switch on these; no other error shape crosses the
// boundary.
type ErrKind string

const (
	ErrNoSuchAgent         ErrKind = "NO_SUCH_AGENT"
	ErrNoSuchRecipient     ErrKind = "NO_SUCH_RECIPIENT"
	ErrDuplicateName       ErrKind = "DUPLICATE_NAME"
	ErrIllegalState        ErrKind = "ILLEGAL_STATE"
	ErrIllegalTransition   ErrKind = "ILLEGAL_TRANSITION"
	ErrBackpressureTimeout ErrKind = "BACKPRESSURE_TIMEOUT"
	ErrDeadlineExceeded    ErrKind = "DEADLINE_EXCEEDED"
	ErrDeniedByPolicy      ErrKind = "DENIED_BY_POLICY"
	ErrInternal            ErrKind = "INTERNAL"
)

// Error is the tagged error carried across the control boundary.
type Error struct {
	Kind   ErrKind
	Detail string
	err    error
}

// Errorf builds a tagged error.
func Errorf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapErr tags an underlying error while keeping it unwrappable.
func WrapErr(kind ErrKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches two tagged errors by kind, so errors.Is(err,
// proto.Errorf(kind, "")) works in tests.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the kind from err. Untagged errors map to
// ErrInternal; nil maps to the empty kind.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}

// FailureClass is the handler-error taxonomy. The runner maps classes
// to ack outcomes; the supervisor reacts to Fatal.
type FailureClass string

const (
	// FailureTransient is retried with backoff, capped by max attempts
	// and the message deadline.
	FailureTransient FailureClass = "TRANSIENT"
	// FailurePermanent dead-letters immediately.
	FailurePermanent FailureClass = "PERMANENT"
	// FailurePolicy means a guard refused the action; never retried.
	FailurePolicy FailureClass = "POLICY"
	// FailureFatal aborts the agent's loop; the supervisor marks it
	// Failing. The runtime as a whole keeps going.
	FailureFatal FailureClass = "FATAL"
)

// AgentError classifies a handler failure.
type AgentError struct {
	Class FailureClass
	Msg   string
	err   error
}

// Transientf builds a retriable handler error.
func Transientf(format string, args ...any) *AgentError {
	return &AgentError{Class: FailureTransient, Msg: fmt.Sprintf(format, args...)}
}

// Permanentf builds a non-retriable handler error.
func Permanentf(format string, args ...any) *AgentError {
	return &AgentError{Class: FailurePermanent, Msg: fmt.Sprintf(format, args...)}
}

// Policyf builds a policy-refusal handler error.
func Policyf(format string, args ...any) *AgentError {
	return &AgentError{Class: FailurePolicy, Msg: fmt.Sprintf(format, args...)}
}

// Fatalf builds an invariant-violation error that stops the agent.
func Fatalf(format string, args ...any) *AgentError {
	return &AgentError{Class: FailureFatal, Msg: fmt.Sprintf(format, args...)}
}

// WrapClass tags an underlying error with a failure class.
func WrapClass(class FailureClass, err error) *AgentError {
	return &AgentError{Class: class, Msg: err.Error(), err: err}
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *AgentError) Unwrap() error {
	return e.err
}

// ClassOf extracts the failure class from a handler error.
// Unclassified errors default to Transient: retrying is the safe
// reading of an unknown fault.
func ClassOf(err error) FailureClass {
	if err == nil {
		return ""
	}
	var e *AgentError
	if errors.As(err, &e) {
		return e.Class
	}
	return FailureTransient
}
