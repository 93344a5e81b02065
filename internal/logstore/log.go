// Package logstore implements the broker's append-only durability layer:
// one line per INSERT or ACK, replayed once at startup to rebuild the
// in-memory registry. The file is the sole source of truth for which ids
// are live; nothing else the broker does is allowed to diverge from it.
package logstore

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FsyncPolicy controls when appended bytes are flushed to physical disk.
// The reference policy (spec) leaves writes to OS buffering; Always/Batch
// exist for operators who want a stronger durability/throughput trade-off.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"
	FsyncInterval FsyncPolicy = "interval"
	FsyncBatch    FsyncPolicy = "batch"
	FsyncNever    FsyncPolicy = "never"
)

// Log is the append-only log file described by spec.md §4.1:
//
//	<id>|0|<payload>\n   INSERT
//	<id>|1|ACK\n         ACK marker
//
// Log is safe to use only from a single goroutine for appends (the broker
// loop); Close/Reopen take the mutex so the background compactor can swap
// the underlying file safely.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	policy FsyncPolicy

	writesSinceSync int
	batchSize       int
}

// Open opens (creating if absent) the log file at path in append mode.
func Open(path string, policy FsyncPolicy, batchSize int) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &Log{path: path, file: f, policy: policy, batchSize: batchSize}, nil
}

// Path returns the file path backing this log.
func (l *Log) Path() string { return l.path }

// Policy returns the fsync policy this log was opened with.
func (l *Log) Policy() FsyncPolicy { return l.policy }

// AppendInsert persists an INSERT record. It is called before the id is
// placed on the ready queue so that crash-after-enqueue is safe.
func (l *Log) AppendInsert(id uint64, payload string) error {
	return l.append(fmt.Sprintf("%d|0|%s\n", id, payload))
}

// AppendAck persists an ACK marker for id.
func (l *Log) AppendAck(id uint64) error {
	return l.append(fmt.Sprintf("%d|1|ACK\n", id))
}

func (l *Log) append(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("logstore: write: %w", err)
	}

	switch l.policy {
	case FsyncAlways:
		return l.file.Sync()
	case FsyncBatch:
		l.writesSinceSync++
		if l.writesSinceSync >= l.batchSize {
			l.writesSinceSync = 0
			return l.file.Sync()
		}
	}
	// FsyncInterval is flushed by a background ticker owned by the broker;
	// FsyncNever never flushes explicitly.
	return nil
}

// Sync flushes any buffered writes to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("logstore: sync on close: %w", err)
	}
	return l.file.Close()
}

// Reopen closes the current file handle and reopens path in append mode.
// Used by the Compactor after it has atomically replaced the log file on
// disk, so subsequent appends land in the new file.
func (l *Log) Reopen(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("logstore: close old file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("logstore: reopen %s: %w", path, err)
	}
	l.path = path
	l.file = f
	l.writesSinceSync = 0
	return nil
}

// parseLine splits a log line into its id, state, and payload fields,
// honoring spec.md §4.1: split only on the first two '|' delimiters, so a
// payload may itself contain '|'.
func parseLine(line string) (id uint64, state int, payload string, ok bool) {
	i := strings.IndexByte(line, '|')
	if i < 0 {
		return 0, 0, "", false
	}
	rest := line[i+1:]
	j := strings.IndexByte(rest, '|')
	if j < 0 {
		return 0, 0, "", false
	}
	idStr := line[:i]
	stateStr := rest[:j]
	payload = rest[j+1:]

	idVal, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, 0, "", false
	}
	stVal, err := strconv.Atoi(stateStr)
	if err != nil || (stVal != 0 && stVal != 1) {
		return 0, 0, "", false
	}
	return idVal, stVal, payload, true
}

// RecoverResult is the outcome of a single-pass recovery scan.
type RecoverResult struct {
	Live      map[uint64]string // id -> payload, for every unacked INSERT
	NextID    uint64
	Corrupted int // lines skipped for failing to parse
}

// Recover reads path once from beginning to end per spec.md §4.1's recover
// algorithm: build a tentative registry from INSERT lines, flip acked flags
// from ACK lines, then drop every acked entry. A truncated tail line with
// no trailing '\n' (e.g. a crash mid-write) is discarded, not parsed.
//
// A missing file is treated as an empty log: NextID is 1, Live is empty.
func Recover(path string) (RecoverResult, error) {
	result := RecoverResult{Live: make(map[uint64]string)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			result.NextID = 1
			return result, nil
		}
		return result, fmt.Errorf("logstore: open for recovery: %w", err)
	}
	defer f.Close()

	acked := make(map[uint64]bool)
	var maxID uint64
	seenAny := false

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// A non-empty trailing fragment with no '\n' is a truncated
			// write; it is discarded, matching spec.md's "truncated tail
			// lines without \n are skipped".
			break
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		id, state, payload, ok := parseLine(line)
		if !ok {
			result.Corrupted++
			continue
		}
		seenAny = true
		if id > maxID {
			maxID = id
		}
		switch state {
		case 0:
			result.Live[id] = payload
		case 1:
			acked[id] = true
		}
	}

	for id := range acked {
		delete(result.Live, id)
	}

	if seenAny {
		result.NextID = maxID + 1
	} else {
		result.NextID = 1
	}
	return result, nil
}
