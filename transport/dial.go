package transport

import (
	"fmt"
	"net"

	"pipelink/codec"
)

// Dial connects to a listening peer and wraps the connection as a message
// transport. The returned Conn belongs to exactly one dispatcher; a channel
// is point to point, so there is nothing to pool.
func Dial(network, addr string, c codec.Codec, opts ...ConnOption) (*Conn, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewConn(conn, c, opts...), nil
}

// Listener accepts connections and hands each one over as a framed transport
// with the codec and options fixed at Listen time.
type Listener struct {
	ln   net.Listener
	c    codec.Codec
	opts []ConnOption
}

// Listen binds addr and prepares to accept peers. Passing ":0" style
// addresses works; Addr reports the port the system picked.
func Listen(network, addr string, c codec.Codec, opts ...ConnOption) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, c: c, opts: opts}, nil
}

// Accept blocks until a peer connects and returns the wrapped connection.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(conn, l.c, l.opts...), nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }
