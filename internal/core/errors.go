package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP error mapper. The values are the
// wire-visible `error.type` strings.
type Kind string

const (
	KindAuthMissing        Kind = "auth.missing"
	KindAuthInvalid        Kind = "auth.invalid"
	KindAuthRevoked        Kind = "auth.revoked"
	KindAuthDeviceInactive Kind = "auth.device_inactive"
	KindInputMalformed     Kind = "input.malformed"
	KindInputSchema        Kind = "input.schema"
	KindInputTooLarge      Kind = "input.too_large"
	KindRateLimited        Kind = "rate.limited"
	KindNotFound           Kind = "resource.not_found"
	KindConflict           Kind = "resource.conflict"
	KindInternal           Kind = "server.internal"
	KindTimeout            Kind = "server.timeout"
)

// Error is a domain error carrying a Kind plus optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E builds a domain error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef builds a domain error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a domain error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: cause}
}

// WithDetails attaches structured details surfaced in the error envelope.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to
// server.internal for unclassified errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
