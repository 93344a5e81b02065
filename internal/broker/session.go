package broker

import (
	"container/list"
	"net"
	"sync"
)

// producerSession is per spec.md §3's Producer Session: a socket handle and
// nothing else — there is no per-producer bookkeeping beyond a label for
// the monitor and a lifetime message count.
type producerSession struct {
	label        string
	conn         net.Conn
	messagesSent int64
}

// consumerSession is per spec.md §3's Consumer Session: a socket, the
// ordered list of ids sent but not yet acked (bounded by W), and the
// channel standing in for the non-blocking socket send described in
// spec.md §4.6 (see SPEC_FULL.md §5 for why a channel models EAGAIN).
type consumerSession struct {
	label            string
	conn             net.Conn
	pending          *list.List // of uint64 ids, in delivery order
	outbox           chan []byte
	messagesReceived int64

	closed    chan struct{} // closed exactly once by whichever goroutine detects disconnect first
	closeOnce sync.Once
}

func newConsumerSession(label string, conn net.Conn, window int) *consumerSession {
	return &consumerSession{
		label:   label,
		conn:    conn,
		pending: list.New(),
		outbox:  make(chan []byte, window),
		closed:  make(chan struct{}),
	}
}

// pendingLen reports the current in-flight count for this consumer.
func (c *consumerSession) pendingLen() int { return c.pending.Len() }

// pendingPush appends id to the tail of this session's pending list.
func (c *consumerSession) pendingPush(id uint64) { c.pending.PushBack(id) }

// pendingPopFront removes and returns the head id of pending, matching the
// "consumer emits exactly one ACK/ERR per received record in order" rule
// from spec.md §4.7.
func (c *consumerSession) pendingPopFront() (uint64, bool) {
	front := c.pending.Front()
	if front == nil {
		return 0, false
	}
	c.pending.Remove(front)
	return front.Value.(uint64), true
}

// pendingDrain removes and returns every outstanding id, in order, for use
// when the session is torn down and its work is requeued (spec.md §4.8).
func (c *consumerSession) pendingDrain() []uint64 {
	ids := make([]uint64, 0, c.pending.Len())
	for e := c.pending.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(uint64))
	}
	c.pending.Init()
	return ids
}
