package transport

import (
	"sync"
	"time"

	"pipelink/wire"
)

const pipeBuffer = 64

// pipe is the shared half of a Pipe pair: two directional buffered channels
// and a single done channel. Closing either end tears down the whole link,
// the way closing one end of an OS pipe does.
type pipe struct {
	aToB chan wire.Message
	bToA chan wire.Message

	done      chan struct{}
	closeOnce sync.Once
}

// PipeEnd is one end of an in-memory duplex channel. Messages pass by
// reference, no serialization involved, which makes it the natural transport
// for same-process wiring and for tests.
type PipeEnd struct {
	p   *pipe
	out chan wire.Message
	in  chan wire.Message

	mu      sync.Mutex
	peeked  wire.Message
	hasPeek bool
}

// Pipe returns the two ends of an in-memory duplex message channel.
func Pipe() (*PipeEnd, *PipeEnd) {
	p := &pipe{
		aToB: make(chan wire.Message, pipeBuffer),
		bToA: make(chan wire.Message, pipeBuffer),
		done: make(chan struct{}),
	}
	a := &PipeEnd{p: p, out: p.aToB, in: p.bToA}
	b := &PipeEnd{p: p, out: p.bToA, in: p.aToB}
	return a, b
}

// Send enqueues m for the peer. It blocks while the buffer is full and
// returns ErrClosed once either end has closed the link.
func (e *PipeEnd) Send(m wire.Message) error {
	select {
	case <-e.p.done:
		return ErrClosed
	default:
	}
	select {
	case e.out <- m:
		return nil
	case <-e.p.done:
		return ErrClosed
	}
}

// Poll waits up to timeout for an inbound message. The message stays
// buffered for the next Recv. Messages already in flight are still delivered
// after the link closes; only a drained, closed link reports ErrClosed.
func (e *PipeEnd) Poll(timeout time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasPeek {
		return true, nil
	}

	select {
	case m := <-e.in:
		e.peeked, e.hasPeek = m, true
		return true, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-e.in:
		e.peeked, e.hasPeek = m, true
		return true, nil
	case <-timer.C:
		return false, nil
	case <-e.p.done:
		// A message may have landed between the drain above and the close.
		select {
		case m := <-e.in:
			e.peeked, e.hasPeek = m, true
			return true, nil
		default:
		}
		return false, ErrClosed
	}
}

// Recv returns the next inbound message, blocking until one arrives or the
// link closes.
func (e *PipeEnd) Recv() (wire.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasPeek {
		m := e.peeked
		e.peeked, e.hasPeek = nil, false
		return m, nil
	}

	select {
	case m := <-e.in:
		return m, nil
	default:
	}

	select {
	case m := <-e.in:
		return m, nil
	case <-e.p.done:
		select {
		case m := <-e.in:
			return m, nil
		default:
		}
		return nil, ErrClosed
	}
}

// Close tears down the link for both ends. Safe to call from either end,
// any number of times.
func (e *PipeEnd) Close() error {
	e.p.closeOnce.Do(func() {
		close(e.p.done)
	})
	return nil
}
