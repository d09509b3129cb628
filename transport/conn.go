package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pipelink/codec"
	"pipelink/protocol"
	"pipelink/wire"
)

// Conn carries wire messages over a net.Conn, one protocol frame per
// message. The underlying conn should provide its own buffering (TCP, unix
// sockets); a fully synchronous pair like net.Pipe can stall when both ends
// write at once.
type Conn struct {
	conn net.Conn
	c    codec.Codec
	br   *bufio.Reader

	// Multiple goroutines may Send concurrently; the lock keeps each frame
	// (header + body) contiguous on the stream.
	writeMu sync.Mutex
	// Poll and Recv share the buffered reader state.
	readMu sync.Mutex

	closed   atomic.Bool
	maxFrame uint32
}

type ConnOption func(*Conn)

// WithMaxFrame caps the body size accepted from the peer and produced
// locally. Zero keeps protocol.DefaultMaxBody.
func WithMaxFrame(n uint32) ConnOption {
	return func(t *Conn) {
		t.maxFrame = n
	}
}

// NewConn wraps conn as a message transport using the given codec.
func NewConn(conn net.Conn, c codec.Codec, opts ...ConnOption) *Conn {
	t := &Conn{
		conn:     conn,
		c:        c,
		br:       bufio.NewReader(conn),
		maxFrame: protocol.DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send serializes m and writes one frame. A serialization failure comes back
// as *EncodeError and leaves the stream intact; a write failure condemns the
// channel and comes back as ErrClosed.
func (t *Conn) Send(m wire.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	mt, err := codec.MsgTypeOf(m)
	if err != nil {
		return &EncodeError{Err: err}
	}
	body, err := t.c.Encode(m)
	if err != nil {
		return &EncodeError{Err: err}
	}
	if uint32(len(body)) > t.maxFrame {
		return &EncodeError{Err: fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(body), t.maxFrame)}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	header := protocol.Header{
		CodecType: byte(t.c.Type()),
		MsgType:   mt,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Poll reports whether at least one frame byte is ready within timeout. It
// uses a read deadline plus a one-byte peek, so no data is consumed.
func (t *Conn) Poll(timeout time.Duration) (bool, error) {
	if t.closed.Load() {
		return false, ErrClosed
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	_, err := t.br.Peek(1)
	// Clear the deadline so a later Recv can block for the rest of a frame.
	if derr := t.conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		return false, fmt.Errorf("%w: %v", ErrClosed, derr)
	}
	if err == nil {
		return true, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrClosed, err)
}

// Recv reads one frame and decodes it. End-of-stream and framing violations
// come back as ErrClosed; a body that fails to decode condemns only that
// message, so the caller can log and move on.
func (t *Conn) Recv() (wire.Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	header, body, err := protocol.Decode(t.br, t.maxFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	m, err := t.c.Decode(header.MsgType, body)
	if err != nil {
		return nil, fmt.Errorf("transport: decode: %w", err)
	}
	return m, nil
}

// Close shuts the underlying conn. In-flight reads and writes unblock with
// ErrClosed.
func (t *Conn) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
