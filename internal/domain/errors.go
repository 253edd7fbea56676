package domain

import (
	"errors"
	"time"
)

// ErrorKind classifies failures so transports can map them without knowing
// every individual error.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuthorization
	KindRateLimit
	KindNotFound
	KindState
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the service layer.
// Two errors match under errors.Is when their Kind and Code are equal, so
// package-level values can be used as sentinels even when a copy carries
// extra detail (RetryAfter, Fields, a wrapped cause).
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration
	Fields     map[string]string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NewAuthorizationError(code, message string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: message}
}

func NewRateLimitError(code, message string) *Error {
	return &Error{Kind: KindRateLimit, Code: code, Message: message}
}

func NewNotFoundError(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func NewStateError(code, message string) *Error {
	return &Error{Kind: KindState, Code: code, Message: message}
}

// NewTransientError wraps a persistence failure. Callers may retry.
func NewTransientError(message string, err error) *Error {
	return &Error{Kind: KindTransient, Code: "STORE_UNAVAILABLE", Message: message, Err: err}
}

// WithRetryAfter returns a copy of e carrying a wait hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// WithFields returns a copy of e carrying per-field validation messages.
func (e *Error) WithFields(fields map[string]string) *Error {
	cp := *e
	cp.Fields = fields
	return &cp
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// AsError returns the first *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ErrMessageDeleted is returned when mutating a tombstoned message.
var ErrMessageDeleted = NewStateError("MESSAGE_DELETED", "message has been deleted")
