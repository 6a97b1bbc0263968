package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the connection was closed, locally or by the peer.
	ErrClosed = errors.New("connection closed")
	// ErrUnsupportedScheme is returned by Open for endpoints it cannot dial.
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
	// ErrMalformedFrame indicates a frame that cannot be carried or decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)

// ConnectionError reports a transport level failure: the connection could not
// be established, dropped mid-stream or carried a malformed frame. Callers
// treat it as fatal to the session.
type ConnectionError struct {
	// Endpoint identifies the remote peer.
	Endpoint string
	// Op is the failing operation ("dial", "send", "receive", "decode").
	Op string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Endpoint == "" {
		return fmt.Sprintf("mcp transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mcp transport %s %s: %v", e.Op, e.Endpoint, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
