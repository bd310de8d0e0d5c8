// Package errs carries the domain error taxonomy that the realtime gateway
// reports back to the originating connection as a structured error event.
package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeUnauthorized      Code = "unauthorized"
	CodeAlreadyResolved   Code = "already_resolved"
	CodeUnavailable       Code = "unavailable"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeInternal          Code = "internal_error"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// Status holds the actual request status when Code is already_resolved,
	// so clients can clear stale UI for the specific terminal state.
	Status string `json:"status,omitempty"`
}

func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: %s (status=%s)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func AlreadyResolved(status string) *Error {
	return &Error{
		Code:    CodeAlreadyResolved,
		Message: fmt.Sprintf("request is already %s", status),
		Status:  status,
	}
}

func Unavailable(format string, args ...any) *Error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf(format, args...)}
}

func InsufficientFunds(format string, args ...any) *Error {
	return &Error{Code: CodeInsufficientFunds, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// From extracts a taxonomy error from err, wrapping unknown errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

func CodeOf(err error) Code {
	return From(err).Code
}
