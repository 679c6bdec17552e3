// Package errors provides domain-specific error types and error handling utilities
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error type
type ErrorCode int

const (
	// Common error codes
	ErrUnknown ErrorCode = iota
	ErrNotFound
	ErrInvalidInput
	ErrConfiguration
	ErrConnection
	ErrTimeout
	ErrCancelled

	// Device-specific error codes
	ErrDeviceNotFound
	ErrNotConnected
	ErrDeviceBusy
	ErrBondFailure
	ErrGattFailure

	// Radio-specific error codes
	ErrRadioOff
	ErrRadioUnavailable
	ErrRadioIO

	// Internal error codes
	ErrQueueInvariant
	ErrInvalidTransaction
	ErrPersistence
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:            "unknown",
	ErrNotFound:           "not_found",
	ErrInvalidInput:       "invalid_input",
	ErrConfiguration:      "configuration",
	ErrConnection:         "connection",
	ErrTimeout:            "timeout",
	ErrCancelled:          "cancelled",
	ErrDeviceNotFound:     "device_not_found",
	ErrNotConnected:       "not_connected",
	ErrDeviceBusy:         "device_busy",
	ErrBondFailure:        "bond_failure",
	ErrGattFailure:        "gatt_failure",
	ErrRadioOff:           "radio_off",
	ErrRadioUnavailable:   "radio_unavailable",
	ErrRadioIO:            "radio_io",
	ErrQueueInvariant:     "queue_invariant",
	ErrInvalidTransaction: "invalid_transaction",
	ErrPersistence:        "persistence",
}

// String returns the snake_case name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error represents a domain-specific error with context
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message provides human-readable error details
	Message string

	// Op describes the operation that failed
	Op string

	// Cause is the underlying error that triggered this one
	Cause error

	// Context holds additional error context, such as the device address
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := e.Op
	if prefix == "" {
		prefix = e.Code.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements the errors.Is interface
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// annotate returns a copy of err as an *Error with fn applied. Foreign
// errors become ErrUnknown with err as the cause.
func annotate(err error, fn func(*Error)) error {
	if err == nil {
		return nil
	}
	var out Error
	if e, ok := err.(*Error); ok {
		out = *e
		if e.Context != nil {
			out.Context = make(map[string]interface{}, len(e.Context))
			for k, v := range e.Context {
				out.Context[k] = v
			}
		}
	} else {
		out = Error{Code: ErrUnknown, Message: err.Error(), Cause: err}
	}
	fn(&out)
	return &out
}

// WithOp names the operation that failed
func WithOp(err error, op string) error {
	return annotate(err, func(e *Error) { e.Op = op })
}

// WithContext merges kv into the error context
func WithContext(err error, kv map[string]interface{}) error {
	return annotate(err, func(e *Error) {
		if e.Context == nil {
			e.Context = make(map[string]interface{}, len(kv))
		}
		for k, v := range kv {
			e.Context[k] = v
		}
	})
}

// WithAddress is shorthand for attaching the device address to an error
func WithAddress(err error, address string) error {
	return WithContext(err, map[string]interface{}{"address": address})
}

// New creates a new Error
func New(code ErrorCode, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with additional context
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// GetCode returns the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// GetContext returns the error context
func GetContext(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// IsNotFound returns true if the error is a not found error
func IsNotFound(err error) bool {
	code := GetCode(err)
	return code == ErrNotFound || code == ErrDeviceNotFound
}

// IsTemporary reports whether the failure may clear up on its own, such as
// a busy device or a radio that is still coming up
func IsTemporary(err error) bool {
	switch GetCode(err) {
	case ErrTimeout, ErrConnection, ErrDeviceBusy, ErrRadioIO:
		return true
	default:
		return false
	}
}
