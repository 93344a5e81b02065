package logstore

import (
	"bufio"
	"fmt"
	"os"
)

// LiveProvider returns a snapshot of every currently unacknowledged record
// as of the moment it is called. The broker loop supplies this so the
// compactor never has to reach into broker state directly.
type LiveProvider func() map[uint64]string

// Compactor periodically rewrites the log file keeping only unacknowledged
// INSERT records, the same temp-file-plus-atomic-rename protocol the
// teacher's storage/local/compaction.go uses for its binary log, applied
// here to the plain-text format.
//
// This resolves spec.md §9's open question ("whether the broker should
// compact the log periodically") in favor of compaction: an always-growing
// log makes recovery time unbounded.
type Compactor struct {
	log  *Log
	live LiveProvider
}

// NewCompactor builds a Compactor bound to log, sourcing the live set from
// live at RunOnce time.
func NewCompactor(log *Log, live LiveProvider) *Compactor {
	return &Compactor{log: log, live: live}
}

// RunOnce performs a single compaction pass: write every live record to a
// temp file, fsync it, rename it over the log path, then have the Log
// reopen the new file so future appends land in it.
func (c *Compactor) RunOnce() (rewritten int, err error) {
	path := c.log.Path()
	tmpPath := path + ".compact.tmp"

	live := c.live()

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("logstore: compaction: create temp file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for id, payload := range live {
		if _, werr := fmt.Fprintf(w, "%d|0|%s\n", id, payload); werr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, fmt.Errorf("logstore: compaction: write: %w", werr)
		}
		rewritten++
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("logstore: compaction: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("logstore: compaction: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("logstore: compaction: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("logstore: compaction: rename: %w", err)
	}

	if err := c.log.Reopen(path); err != nil {
		return rewritten, fmt.Errorf("logstore: compaction: reopen: %w", err)
	}
	return rewritten, nil
}
