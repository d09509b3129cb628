package dispatch

import "pipelink/wire"

// deque is a growable ring buffer with O(1) pushes and pops at both ends.
// The outbound queue needs head-of-line inserts for control messages,
// responses and internal calls, which a plain slice queue makes awkward.
// Callers synchronize access; the deque itself holds no lock.
type deque struct {
	buf  []wire.Message
	head int
	n    int
}

func (q *deque) Len() int { return q.n }

// PushTail appends a message after everything already queued.
func (q *deque) PushTail(m wire.Message) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = m
	q.n++
}

// PushHead inserts a message in front of everything already queued.
func (q *deque) PushHead(m wire.Message) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = m
	q.n++
}

// PeekHead returns the next message without removing it.
func (q *deque) PeekHead() (wire.Message, bool) {
	if q.n == 0 {
		return nil, false
	}
	return q.buf[q.head], true
}

// PopHead removes and returns the next message.
func (q *deque) PopHead() (wire.Message, bool) {
	if q.n == 0 {
		return nil, false
	}
	m := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return m, true
}

func (q *deque) grow() {
	size := 2 * len(q.buf)
	if size < 8 {
		size = 8
	}
	buf := make([]wire.Message, size)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
