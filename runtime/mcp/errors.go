package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when an operation requires a Ready session.
	ErrNotReady = errors.New("session is not ready")
	// ErrSessionClosed is returned for calls pending when the session closes.
	ErrSessionClosed = errors.New("session closed")
	// ErrIncompatibleVersion indicates the server negotiated a protocol
	// version this client does not support.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	// ErrEmptyResult indicates a tool result with no usable content.
	ErrEmptyResult = errors.New("tool returned no content")
	// ErrNotJSON indicates tool content that does not decode as JSON.
	ErrNotJSON = errors.New("tool content is not JSON")
)

type (
	// ProtocolError reports a handshake or discovery exchange that failed:
	// malformed or incompatible replies, server errors, or calls made outside
	// the Ready state. It is fatal to the session.
	ProtocolError struct {
		// Method is the JSON-RPC method of the failed exchange.
		Method string
		// Reason is a short human readable description.
		Reason string
		// Err is the underlying cause, if any.
		Err error
	}

	// ToolInvocationError reports the failure of a single tools/call. It is
	// local to that call, the session remains usable.
	ToolInvocationError struct {
		// Tool is the invoked tool name.
		Tool string
		// Kind classifies the failure.
		Kind ErrorKind
		// Code is the JSON-RPC error code for KindRejected failures.
		Code int
		// Message is the server supplied (or locally built) message.
		Message string
		// Err is the underlying cause, if any.
		Err error
	}

	// ErrorKind classifies tool invocation failures.
	ErrorKind string
)

const (
	// KindRejected means the server answered with a JSON-RPC error, for
	// example an unknown tool or invalid arguments.
	KindRejected ErrorKind = "rejected"
	// KindToolError means the tool ran and reported isError.
	KindToolError ErrorKind = "tool_error"
	// KindTimeout means no matching reply arrived within the call bound.
	KindTimeout ErrorKind = "timeout"
	// KindMalformed means the reply could not be decoded as a tool result.
	KindMalformed ErrorKind = "malformed"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("mcp %s: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("mcp %s: %s: %v", e.Method, e.Reason, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Error implements the error interface.
func (e *ToolInvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != 0 {
		return fmt.Sprintf("tool %q %s (code %d): %s", e.Tool, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %q %s: %s", e.Tool, e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ToolInvocationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether err is a ToolInvocationError of kind KindTimeout.
func IsTimeout(err error) bool {
	var invErr *ToolInvocationError
	return errors.As(err, &invErr) && invErr.Kind == KindTimeout
}
