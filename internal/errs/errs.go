// Package errs is the failure taxonomy shared by the gateway and the flows.
//
// Every expected failure is an *Error carrying one of three kinds:
// Unreachable (no response), Rejected (the server answered with a non-2xx
// status) or Invalid (a client-side precondition failed before any call).
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	Unreachable
	Rejected
	Invalid
)

// UnreachableMessage is shown whenever no response was received.
const UnreachableMessage = "cannot reach server"

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Rejected:
		return "rejected"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	// Status is the HTTP status for Rejected errors, zero otherwise.
	Status int
	// Message is the server supplied text for Rejected errors, or the
	// violated precondition for Invalid ones. May be empty.
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case Unreachable:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", UnreachableMessage, e.Err)
		}
		return UnreachableMessage
	case Rejected:
		if e.Message != "" {
			return fmt.Sprintf("rejected (%d): %s", e.Status, e.Message)
		}
		return fmt.Sprintf("rejected (%d)", e.Status)
	case Invalid:
		return "invalid request: " + e.Message
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "unknown error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewUnreachable(err error) *Error {
	return &Error{Kind: Unreachable, Err: err}
}

func NewRejected(status int, message string) *Error {
	return &Error{Kind: Rejected, Status: status, Message: message}
}

func NewInvalid(message string) *Error {
	return &Error{Kind: Invalid, Message: message}
}

// WrapInvalid marks err as a client-side precondition failure.
func WrapInvalid(err error) *Error {
	return &Error{Kind: Invalid, Message: err.Error(), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status of a Rejected error, or zero.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == Rejected {
		return e.Status
	}
	return 0
}

// IsUnauthorized reports whether the server refused the credential.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// Describe renders err for display. It prefers the server message, then
// fallback, and never returns an empty string for a non-nil err.
func Describe(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		if fallback != "" {
			return fallback
		}
		return err.Error()
	}
	switch e.Kind {
	case Unreachable:
		return UnreachableMessage
	case Rejected:
		if e.Message != "" {
			return e.Message
		}
		if fallback != "" {
			return fallback
		}
		if text := http.StatusText(e.Status); text != "" {
			return text
		}
		return e.Error()
	case Invalid:
		if e.Message != "" {
			return e.Message
		}
	}
	if fallback != "" {
		return fallback
	}
	return e.Error()
}
