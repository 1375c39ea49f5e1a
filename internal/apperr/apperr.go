package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error so callers can decide how to react without
// matching on message text.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeValidation          Code = "VALIDATION"
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeBackend             Code = "BACKEND"
	CodeKeyGenerationFailed Code = "KEY_GENERATION_FAILED"
	CodeDecryptionFailed    Code = "DECRYPTION_FAILED"
	CodeNotImplemented      Code = "NOT_IMPLEMENTED"
)

// Error is the error type returned across the messaging core.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code, so package-level
// sentinels match any wrapped error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Constructors
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(CodeValidation, msg)
}

func Unauthenticated(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func NotImplemented(msg string) error {
	return New(CodeNotImplemented, msg)
}

// Backend wraps a transport or RPC failure for the named operation.
func Backend(op string, cause error) error {
	return Wrap(CodeBackend, op, cause)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
