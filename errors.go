// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"errors"
	"fmt"

	"github.com/creachadair/switchboard/wire"
)

// Error is the concrete type of errors reported by the client. Errors that
// crossed the wire carry the remote code, message, and optional stack trace;
// locally detected failures wrap the underlying cause in Err.
type Error struct {
	Code    wire.Code      // the stable wire error code
	Message string         // human-readable description
	Stack   string         // remote stack trace, if the callee provided one
	Details map[string]any // diagnostic payload (registered services, methods)
	Err     error          // underlying local cause, nil for remote errors
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %v", e.Code, e.Err)
	}
	return string(e.Code)
}

// Unwrap reports the underlying error of e, or nil for remote errors.
func (e *Error) Unwrap() error { return e.Err }

// errc constructs an *Error with the given code and formatted message.
func errc(code wire.Code, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// CodeOf reports the wire code carried by err, or "" if err does not carry
// one.
func CodeOf(err error) wire.Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// fromErrorInfo converts a wire error payload into an *Error. A remote error
// that omits a code defaults to EXECUTION_FAILED.
func fromErrorInfo(ei *wire.ErrorInfo) *Error {
	if ei == nil {
		return errc(wire.CodeExecutionFailed, "call failed")
	}
	code := ei.Code
	if code == "" {
		code = wire.CodeExecutionFailed
	}
	return &Error{Code: code, Message: ei.Message, Stack: ei.Stack, Details: ei.Details}
}

// Retryable reports whether err is worth retrying: transient transport and
// execution failures are, while structural failures (unknown method, unknown
// service, malformed message) are not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case wire.CodeTimeout, wire.CodeConnectionLost, wire.CodeNotConnected, wire.CodeExecutionFailed:
		return true
	}
	return false
}
