package wire

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a call failure. The kind crosses the channel inside a
// Response, so the caller sees the same kind the remote side raised.
type ErrorKind string

const (
	// KindApplication is an error returned (or a panic recovered) inside a
	// remotely invoked method.
	KindApplication ErrorKind = "application"
	// KindNotExposed names a method the target object does not expose.
	KindNotExposed ErrorKind = "not_exposed"
	// KindNoObject addresses an object id with no registry entry.
	KindNoObject ErrorKind = "no_object"
	// KindBadArgument is an argument the remote method cannot accept.
	KindBadArgument ErrorKind = "bad_argument"
	// KindUnavailable is a call rejected before reaching the target, e.g.
	// by rate limiting or a handler timeout.
	KindUnavailable ErrorKind = "unavailable"
	// KindTransport is a channel-level failure: the request could not be
	// serialized or the channel closed while the call was in flight.
	KindTransport ErrorKind = "transport"
	// KindProtocol is a malformed or unexpected message shape.
	KindProtocol ErrorKind = "protocol"
)

// CallError is the failure shape carried in Response.Err.
type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *CallError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewCallError builds a CallError with the given kind and message.
func NewCallError(kind ErrorKind, message string) *CallError {
	return &CallError{Kind: kind, Message: message}
}

// Errorf builds a CallError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *CallError {
	return &CallError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsCallError converts any error into a CallError suitable for the wire.
// A *CallError passes through with its kind intact; everything else becomes
// an application error carrying the original message.
func AsCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Kind: KindApplication, Message: err.Error()}
}

// KindOf returns the kind of err if it is (or wraps) a CallError, and the
// empty kind otherwise.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
