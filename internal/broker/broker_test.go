package broker_test

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lattiremq/linebroker/internal/broker"
	"github.com/lattiremq/linebroker/internal/logstore"
	"github.com/lattiremq/linebroker/internal/registry"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newTestBroker(t *testing.T, window int) *broker.Broker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.txt")
	lg, err := logstore.Open(path, logstore.FsyncNever, 1)
	if err != nil {
		t.Fatalf("logstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = lg.Close() })

	reg := registry.New(lg, 1)
	if window <= 0 {
		window = 1000
	}
	b := broker.New(lg, reg, window, 3600)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()
	return b
}

func connectProducer(t *testing.T, b *broker.Broker) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	b.AcceptProducer(server)
	return client
}

func connectConsumer(t *testing.T, b *broker.Broker) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	b.AcceptConsumer(server)
	return client
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	return line[:len(line)-1]
}

// ─── scenarios ────────────────────────────────────────────────────────────────

func TestStraightThroughIngestDispatchAck(t *testing.T) {
	b := newTestBroker(t, 0)

	p := connectProducer(t, b)
	defer p.Close()
	if _, err := p.Write([]byte("hello\n")); err != nil {
		t.Fatalf("producer write: %v", err)
	}

	c := connectConsumer(t, b)
	defer c.Close()
	cr := bufio.NewReader(c)

	if got := readLine(t, cr); got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
	if _, err := c.Write([]byte("ACK\n")); err != nil {
		t.Fatalf("consumer write: %v", err)
	}

	waitForStatus(t, b, func(s broker.Status) bool {
		return len(s.Consumers) == 1 && s.Consumers[0].Pending == 0
	})
}

func TestConsumerDisconnectRequeuesPending(t *testing.T) {
	b := newTestBroker(t, 0)

	p := connectProducer(t, b)
	defer p.Close()
	for _, line := range []string{"a\n", "b\n", "c\n"} {
		if _, err := p.Write([]byte(line)); err != nil {
			t.Fatalf("producer write: %v", err)
		}
	}

	c1 := connectConsumer(t, b)
	r1 := bufio.NewReader(c1)
	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		got[readLine(t, r1)] = true
	}
	if !got["a"] || !got["b"] || !got["c"] {
		t.Fatalf("consumer1 did not receive all three records: %v", got)
	}
	c1.Close() // disconnect without ACKing anything

	c2 := connectConsumer(t, b)
	defer c2.Close()
	r2 := bufio.NewReader(c2)
	got2 := map[string]bool{}
	for i := 0; i < 3; i++ {
		got2[readLine(t, r2)] = true
	}
	if !got2["a"] || !got2["b"] || !got2["c"] {
		t.Fatalf("consumer2 did not receive all requeued records: %v", got2)
	}
}

func TestPipelineWindowLimitsInFlight(t *testing.T) {
	b := newTestBroker(t, 1)

	p := connectProducer(t, b)
	defer p.Close()
	if _, err := p.Write([]byte("x\ny\n")); err != nil {
		t.Fatalf("producer write: %v", err)
	}

	c := connectConsumer(t, b)
	defer c.Close()
	cr := bufio.NewReader(c)

	first := readLine(t, cr)

	waitForStatus(t, b, func(s broker.Status) bool {
		return len(s.Consumers) == 1 && s.Consumers[0].Pending == 1
	})

	if _, err := c.Write([]byte("ACK\n")); err != nil {
		t.Fatalf("ack: %v", err)
	}

	second := readLine(t, cr)
	if first == second {
		t.Fatalf("expected two distinct records, got %q twice", first)
	}
}

func TestStatusReflectsTotalMessages(t *testing.T) {
	b := newTestBroker(t, 0)

	p := connectProducer(t, b)
	defer p.Close()
	if _, err := p.Write([]byte("only\n")); err != nil {
		t.Fatalf("producer write: %v", err)
	}

	waitForStatus(t, b, func(s broker.Status) bool {
		return s.Broker.TotalMessages == 1 && len(s.Producers) == 1 && s.Producers[0].MessagesSent == 1
	})
}

func TestRoundRobinAlternatesBetweenTwoConsumers(t *testing.T) {
	b := newTestBroker(t, 0)

	c1 := connectConsumer(t, b)
	defer c1.Close()
	c2 := connectConsumer(t, b)
	defer c2.Close()
	r1 := bufio.NewReader(c1)
	r2 := bufio.NewReader(c2)

	p := connectProducer(t, b)
	defer p.Close()
	for _, line := range []string{"m1\n", "m2\n", "m3\n", "m4\n", "m5\n", "m6\n"} {
		if _, err := p.Write([]byte(line)); err != nil {
			t.Fatalf("producer write: %v", err)
		}
	}

	got1 := []string{readLine(t, r1), readLine(t, r1), readLine(t, r1)}
	got2 := []string{readLine(t, r2), readLine(t, r2), readLine(t, r2)}

	want1 := []string{"m1", "m3", "m5"}
	want2 := []string{"m2", "m4", "m6"}
	for i := range want1 {
		if got1[i] != want1[i] {
			t.Fatalf("consumer1 = %v, want %v", got1, want1)
		}
		if got2[i] != want2[i] {
			t.Fatalf("consumer2 = %v, want %v", got2, want2)
		}
	}
}

// waitForStatus polls StatusJSON until pred is satisfied or the timeout
// elapses, since dispatch happens asynchronously on the broker loop.
func waitForStatus(t *testing.T, b *broker.Broker, pred func(broker.Status) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred(b.StatusJSON()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline; last status: %+v", b.StatusJSON())
}
