package broker

// Status is the JSON document served by the monitor's GET /status, per
// spec.md §4.9. The "lifetime" field is additive: spec.md does not name
// it, but SPEC_FULL.md wires internal/statsdb's restart-surviving counters
// into the monitor for exactly this purpose, so it is included whenever a
// statsdb.Store is configured via WithStatsDB and omitted otherwise.
type Status struct {
	Broker    BrokerStatus     `json:"broker"`
	Producers []ProducerStatus `json:"producers"`
	Consumers []ConsumerStatus `json:"consumers"`
	Lifetime  *LifetimeStatus  `json:"lifetime,omitempty"`
}

type BrokerStatus struct {
	Active        bool   `json:"active"`
	NodeID        string `json:"node_id"`
	TotalMessages uint64 `json:"total_messages"`
}

type ProducerStatus struct {
	ID           string `json:"id"`
	Connected    bool   `json:"connected"`
	MessagesSent int64  `json:"messages_sent"`
}

type ConsumerStatus struct {
	ID               string `json:"id"`
	Connected        bool   `json:"connected"`
	Pending          int    `json:"pending"`
	MessagesReceived int64  `json:"messages_received"`
}

type LifetimeStatus struct {
	Ingested   uint64 `json:"ingested"`
	Dispatched uint64 `json:"dispatched"`
	Acked      uint64 `json:"acked"`
	Restarts   uint64 `json:"restarts"`
}

// snapshot builds a Status from current broker-loop-owned state. It must
// only be called from the loop goroutine (the case <-b.statusReqs branch
// of Run), since it reads b.producers/b.consumers/b.reg directly.
func (b *Broker) snapshot() Status {
	st := Status{
		Broker: BrokerStatus{
			Active:        true,
			NodeID:        b.nodeID,
			TotalMessages: b.reg.NextID() - 1,
		},
		Producers: make([]ProducerStatus, 0, len(b.producers)),
		Consumers: make([]ConsumerStatus, 0, len(b.consumers)),
	}

	for _, label := range b.producerLabelsSorted() {
		p := b.producers[label]
		st.Producers = append(st.Producers, ProducerStatus{
			ID:           p.label,
			Connected:    true,
			MessagesSent: p.messagesSent,
		})
	}

	for _, c := range b.consumers {
		st.Consumers = append(st.Consumers, ConsumerStatus{
			ID:               c.label,
			Connected:        true,
			Pending:          c.pendingLen(),
			MessagesReceived: c.messagesReceived,
		})
	}

	if b.stats != nil {
		if snap, err := b.stats.Load(); err == nil {
			st.Lifetime = &LifetimeStatus{
				Ingested:   snap.Ingested,
				Dispatched: snap.Dispatched,
				Acked:      snap.Acked,
				Restarts:   snap.Restarts,
			}
		}
	}

	return st
}

// producerLabelsSorted returns producer labels in insertion order (p1, p2,
// ...) so /status output is deterministic across calls for a fixed set of
// connections, rather than depending on Go's randomized map iteration.
func (b *Broker) producerLabelsSorted() []string {
	labels := make([]string, 0, len(b.producers))
	for label := range b.producers {
		labels = append(labels, label)
	}
	for i := 1; i < len(labels); i++ {
		// Shorter labels first, so p10 sorts after p9 rather than after p1.
		for j := i; j > 0 && (len(labels[j-1]) > len(labels[j]) ||
			len(labels[j-1]) == len(labels[j]) && labels[j-1] > labels[j]); j-- {
			labels[j-1], labels[j] = labels[j], labels[j-1]
		}
	}
	return labels
}
