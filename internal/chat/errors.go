package chat

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure. The send pipeline returns exactly one
// of these to the transport; internal retry/skip decisions never surface.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindRateLimitExceeded
	KindConfiguration
	KindEventProductionFailed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindRateLimitExceeded:
		return "RateLimitExceeded"
	case KindConfiguration:
		return "ConfigurationError"
	case KindEventProductionFailed:
		return "EventProductionFailed"
	default:
		return "Unknown"
	}
}

// Error is the tagged failure type used on all operation boundaries. Code is
// stable and machine-readable; Message is for humans; Err is the optional
// cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, unwrapping as needed. Errors that are
// not a *chat.Error report KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// NewValidationError builds a Validation failure with a stable code.
func NewValidationError(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// NewRateLimitError builds a RateLimitExceeded failure.
func NewRateLimitError(msg string) *Error {
	return &Error{Kind: KindRateLimitExceeded, Code: "rate_limit_exceeded", Message: msg}
}

// NewConfigurationError builds a ConfigurationError, optionally wrapping the
// store or environment error that caused it.
func NewConfigurationError(code, msg string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Code: code, Message: msg, Err: cause}
}

// NewProductionError builds an EventProductionFailed failure wrapping the
// broker error.
func NewProductionError(msg string, cause error) *Error {
	return &Error{Kind: KindEventProductionFailed, Code: "event_production_failed", Message: msg, Err: cause}
}
