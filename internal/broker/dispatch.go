package broker

// dispatchPass implements spec.md §4.6: pop ready ids and hand them to a
// consumer in round-robin order until the queue is empty, no consumer is
// connected, or every connected consumer is saturated (window-full or its
// outbox channel is full, which stands in for EAGAIN).
func (b *Broker) dispatchPass() {
	for {
		if b.ready.Empty() || len(b.consumers) == 0 {
			return
		}
		id, ok := b.ready.Peek()
		if !ok {
			return
		}
		rec := b.reg.Get(id)
		if rec == nil || rec.Acked {
			b.ready.Pop()
			continue
		}
		sent, allStalled := b.tryDispatchOne(id, rec.Payload)
		if sent {
			b.ready.Pop()
			continue
		}
		if allStalled {
			return
		}
	}
}

// tryDispatchOne checks at most len(b.consumers) candidates, starting at
// b.rrIndex, advancing the index on every candidate examined (whether or
// not it received the record) so a saturated consumer does not permanently
// lose its turn once it drains. Returns sent=true if the record was
// handed off; allStalled=true if every consumer was window-full or had a
// full outbox.
func (b *Broker) tryDispatchOne(id uint64, payload string) (sent, allStalled bool) {
	n := len(b.consumers)
	line := []byte(payload + "\n")

	for checked := 0; checked < n; checked++ {
		c := b.consumers[b.rrIndex]
		b.rrIndex = (b.rrIndex + 1) % n

		if c.pendingLen() >= b.window {
			continue
		}

		select {
		case c.outbox <- line:
			c.pendingPush(id)
			c.messagesReceived++
			if b.metrics != nil {
				b.metrics.Dispatched.Add(1)
			}
			if b.stats != nil {
				_ = b.stats.AddDispatched(1)
			}
			return true, false
		default:
			continue
		}
	}
	return false, true
}
