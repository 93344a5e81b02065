// Package registry implements the broker's Message Registry: the
// authoritative in-memory map from id to Record, and the monotonic id
// counter. It is only ever touched by the broker loop goroutine — the
// absence of a mutex here is deliberate, not an oversight.
package registry

import "github.com/lattiremq/linebroker/internal/types"

// Writer is the subset of logstore.Log the registry needs, kept as an
// interface so tests can substitute a fake without touching a real file.
type Writer interface {
	AppendInsert(id uint64, payload string) error
}

// Registry maps id -> *types.Record and owns next-id allocation.
type Registry struct {
	log     Writer
	nextID  uint64
	records map[uint64]*types.Record
}

// New builds an empty Registry with the given starting next id.
func New(log Writer, nextID uint64) *Registry {
	if nextID == 0 {
		nextID = 1
	}
	return &Registry{log: log, nextID: nextID, records: make(map[uint64]*types.Record)}
}

// Restore seeds the registry directly from a recovered live set, without
// going through Insert (and therefore without re-appending to the log).
func Restore(log Writer, nextID uint64, live map[uint64]string) *Registry {
	reg := New(log, nextID)
	for id, payload := range live {
		reg.records[id] = &types.Record{ID: id, Payload: payload, Acked: false}
	}
	return reg
}

// Insert allocates the next id, persists an INSERT record through the log,
// stores the record, and returns the id. Matches spec.md §4.2.
func (r *Registry) Insert(payload string) (uint64, error) {
	id := r.nextID
	if err := r.log.AppendInsert(id, payload); err != nil {
		return 0, err
	}
	r.records[id] = &types.Record{ID: id, Payload: payload}
	r.nextID++
	return id, nil
}

// Get returns the record for id, or nil if unknown.
func (r *Registry) Get(id uint64) *types.Record {
	return r.records[id]
}

// MarkAcked flips the acked flag for id if present, and drops it from the
// registry — an acked record has no further use once its ACK is durable.
func (r *Registry) MarkAcked(id uint64) {
	if rec, ok := r.records[id]; ok {
		rec.Acked = true
		delete(r.records, id)
	}
}

// NextID returns the id that will be assigned to the next Insert call.
func (r *Registry) NextID() uint64 { return r.nextID }

// Live returns a snapshot of every unacknowledged record, keyed by id, for
// use by the log compactor. The map is a fresh copy; mutating it does not
// affect the registry.
func (r *Registry) Live() map[uint64]string {
	out := make(map[uint64]string, len(r.records))
	for id, rec := range r.records {
		out[id] = rec.Payload
	}
	return out
}

// Len returns the number of records currently tracked (i.e. unacked).
func (r *Registry) Len() int { return len(r.records) }
