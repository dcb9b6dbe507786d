package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Error is a JSON-RPC error object. It is returned as a Go error by callers
// whose remote peer answered with an error response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError returns an Error with the given code and message.
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// NewParseError returns an Error for malformed JSON input.
func NewParseError(msg string) *Error {
	return &Error{Code: CodeParseError, Message: msg}
}

// NewMethodNotFoundError returns an Error for an unknown method.
func NewMethodNotFoundError(msg string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: msg}
}

// NewInvalidParamsError returns an Error for parameters that failed to
// decode or validate.
func NewInvalidParamsError(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

// NewInternalError returns an Error for unexpected handler failures.
func NewInternalError(msg string) *Error {
	return &Error{Code: CodeInternalError, Message: msg}
}
