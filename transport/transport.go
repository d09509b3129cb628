// Package transport carries wire messages over an already-established duplex
// channel.
//
// The dispatcher drives a transport from a single worker goroutine with a
// poll-then-receive rhythm:
//
//	worker:  ──Send(msg)──→  peer
//	worker:  ──Poll(5ms)──→  true?  ──Recv()──→  msg
//
// Two implementations are provided. Pipe links two dispatchers in the same
// process through buffered channels; Conn frames and serializes messages
// over any net.Conn (a unix socketpair between a parent and the child it
// spawned, a loopback TCP connection in tests).
package transport

import (
	"errors"
	"time"

	"pipelink/wire"
)

// ErrClosed reports a cleanly closed channel: the peer hung up, or this end
// was closed. It is distinct from an EncodeError, which condemns a single
// message rather than the channel.
var ErrClosed = errors.New("transport: closed")

// EncodeError marks a message that could not be serialized. The channel
// itself is still healthy; only this message is lost.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return "transport: encode: " + e.Err.Error()
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Transport is a duplex message channel between exactly two dispatchers.
//
// Send and Recv may block; Poll waits at most the given timeout and reports
// whether a message is ready, so the single worker goroutine never parks
// indefinitely. Send must report serialization failures as *EncodeError and
// a closed channel as ErrClosed. Recv and Poll report end-of-stream as
// ErrClosed.
//
// Poll and Recv are meant for a single consumer; Send may be called from
// any goroutine.
type Transport interface {
	Send(m wire.Message) error
	Poll(timeout time.Duration) (bool, error)
	Recv() (wire.Message, error)
	Close() error
}
