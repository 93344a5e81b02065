// Package statsdb persists lifetime operational counters that survive
// process restarts — total records ever ingested/dispatched/acked and the
// number of times this broker has started. It is explicitly off the
// recovery path: internal/logstore's text log remains the sole source of
// truth for which ids are live, per spec.md §4.1. statsdb only backs the
// "lifetime" field of the monitor's status response; the /metrics endpoint
// serves internal/metrics' process-lifetime counters instead.
//
// bbolt is chosen the same way the teacher's storage/local/index.go chose
// it: pure Go, ACID, single file, well-maintained — but here it stores
// four counters instead of a message index.
package statsdb

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketStats = []byte("lifetime_stats")

var (
	keyIngested   = []byte("ingested")
	keyDispatched = []byte("dispatched")
	keyAcked      = []byte("acked")
	keyRestarts   = []byte("restarts")
)

// Store is a small bbolt-backed KV store of lifetime counters.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the stats database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStats)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statsdb: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

// Snapshot is a point-in-time read of every lifetime counter.
type Snapshot struct {
	Ingested   uint64
	Dispatched uint64
	Acked      uint64
	Restarts   uint64
}

// Load reads every counter. Absent counters read as zero.
func (s *Store) Load() (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStats)
		snap.Ingested = getUint64(b, keyIngested)
		snap.Dispatched = getUint64(b, keyDispatched)
		snap.Acked = getUint64(b, keyAcked)
		snap.Restarts = getUint64(b, keyRestarts)
		return nil
	})
	return snap, err
}

// AddIngested increments the lifetime ingested counter by n.
func (s *Store) AddIngested(n uint64) error { return s.add(keyIngested, n) }

// AddDispatched increments the lifetime dispatched counter by n.
func (s *Store) AddDispatched(n uint64) error { return s.add(keyDispatched, n) }

// AddAcked increments the lifetime acked counter by n.
func (s *Store) AddAcked(n uint64) error { return s.add(keyAcked, n) }

// RecordRestart increments the restart counter by 1 and returns the new total.
func (s *Store) RecordRestart() (uint64, error) {
	var total uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStats)
		total = getUint64(b, keyRestarts) + 1
		return putUint64(b, keyRestarts, total)
	})
	return total, err
}

func (s *Store) add(key []byte, n uint64) error {
	if n == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStats)
		return putUint64(b, key, getUint64(b, key)+n)
	})
}

func getUint64(b *bbolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bbolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}
