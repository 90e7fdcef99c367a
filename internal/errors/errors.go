package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrTransport    = errors.New("remote host unreachable")
	ErrUnreadable   = errors.New("unreadable response")
	ErrRejected     = errors.New("operation rejected by remote host")
	ErrForbidden    = errors.New("forbidden")
	ErrChallenge    = errors.New("step-up challenge failed")
)

// Kind represents the category of error
type Kind string

const (
	KindValidation    Kind = "validation"
	KindTransport     Kind = "transport"
	KindParse         Kind = "parse"
	KindRejected      Kind = "rejected"
	KindAuthorization Kind = "authorization"
	KindChallenge     Kind = "challenge"
)

// Error is a structured error carried out of the remote and storage layers.
type Error struct {
	Kind Kind
	Op   string // Operation that failed (e.g., "wg.list", "squid.add_port")
	Host string // Remote host if applicable
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Host, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrUnreadable:
		return e.Kind == KindParse
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrForbidden:
		return e.Kind == KindAuthorization
	case ErrChallenge:
		return e.Kind == KindChallenge
	}

	return errors.Is(e.Err, target)
}

// New creates a new Error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithHost adds remote host information to the error
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// Transport wraps an executor-reported failure. The message is kept verbatim
// because it is relayed to the operator as is.
func Transport(op, message string) error {
	return New(KindTransport, op, errors.New(message))
}

// Parse wraps a decoding failure of remote output.
func Parse(op string, err error) error {
	return New(KindParse, op, err)
}

// Rejected reports a command that ran but reported logical failure.
func Rejected(op string) error {
	return New(KindRejected, op, ErrRejected)
}

// Validation wraps a user input error.
func Validation(op string, err error) error {
	return New(KindValidation, op, err)
}

// Forbidden reports a command refused by the access gate.
func Forbidden(op, reason string) error {
	return New(KindAuthorization, op, errors.New(reason))
}

// Challenge reports a rejected step-up code.
func Challenge(op, result string) error {
	return New(KindChallenge, op, errors.New(result))
}

// OnHost records host on a structured error. Other errors pass through.
func OnHost(err error, host string) error {
	var e *Error
	if errors.As(err, &e) && e.Host == "" {
		e.WithHost(host)
	}
	return err
}

// KindOf returns the kind of a structured error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Message returns the innermost human-readable text of err. Transport errors
// carry the executor's text, which is what gets shown to the operator.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
