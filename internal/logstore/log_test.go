package logstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		wantOK  bool
		wantID  uint64
		wantSt  int
		wantPay string
	}{
		{"insert", "1|0|hello", true, 1, 0, "hello"},
		{"ack", "1|1|ACK", true, 1, 1, "ACK"},
		{"payload with pipes", "7|0|a|b|c", true, 7, 0, "a|b|c"},
		{"empty payload", "2|0|", true, 2, 0, ""},
		{"missing second delim", "1|0", false, 0, 0, ""},
		{"missing any delim", "garbage", false, 0, 0, ""},
		{"bad id", "x|0|y", false, 0, 0, ""},
		{"bad state", "1|9|y", false, 0, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, st, pay, ok := parseLine(tc.line)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if id != tc.wantID || st != tc.wantSt || pay != tc.wantPay {
				t.Fatalf("got (%d,%d,%q), want (%d,%d,%q)", id, st, pay, tc.wantID, tc.wantSt, tc.wantPay)
			}
		})
	}
}

func TestRecoverEmptyOrMissingLog(t *testing.T) {
	dir := t.TempDir()
	res, err := Recover(filepath.Join(dir, "missing.txt"))
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.NextID != 1 || len(res.Live) != 0 {
		t.Fatalf("got %+v, want empty live and NextID=1", res)
	}
}

func TestAppendAndRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker_log.txt")

	l, err := Open(path, FsyncAlways, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.AppendInsert(1, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendInsert(2, "world"); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendAck(1); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	res, err := Recover(path)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.NextID != 3 {
		t.Fatalf("NextID = %d, want 3", res.NextID)
	}
	if _, stillLive := res.Live[1]; stillLive {
		t.Fatalf("id 1 should have been dropped as acked")
	}
	if res.Live[2] != "world" {
		t.Fatalf("id 2 payload = %q, want %q", res.Live[2], "world")
	}
}

func TestRecoverAckWithoutInsertIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker_log.txt")
	if err := os.WriteFile(path, []byte("5|1|ACK\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	res, err := Recover(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Live) != 0 {
		t.Fatalf("live = %v, want empty", res.Live)
	}
	if res.NextID != 6 {
		t.Fatalf("NextID = %d, want 6 (max id seen + 1, even from a bare ACK)", res.NextID)
	}
}

func TestRecoverSkipsCorruptAndTruncatedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker_log.txt")
	content := "1|0|a\n" +
		"not a valid line\n" +
		"2|0|b\n" +
		"3|0" // truncated tail, no trailing newline
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}

	res, err := Recover(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Corrupted != 1 {
		t.Fatalf("Corrupted = %d, want 1", res.Corrupted)
	}
	if len(res.Live) != 2 {
		t.Fatalf("Live = %v, want 2 entries", res.Live)
	}
	if res.NextID != 3 {
		t.Fatalf("NextID = %d, want 3 (truncated id 3 must not count)", res.NextID)
	}
}

func TestCompactorDropsAckedRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker_log.txt")

	l, err := Open(path, FsyncAlways, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.AppendInsert(1, "a"); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendInsert(2, "b"); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendAck(1); err != nil {
		t.Fatal(err)
	}

	live := map[uint64]string{2: "b"}
	c := NewCompactor(l, func() map[uint64]string { return live })

	n, err := c.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("rewritten = %d, want 1", n)
	}

	if err := l.AppendInsert(3, "c"); err != nil {
		t.Fatal(err)
	}

	res, err := Recover(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Live) != 2 || res.Live[2] != "b" || res.Live[3] != "c" {
		t.Fatalf("Live = %v, want {2:b, 3:c}", res.Live)
	}
}
