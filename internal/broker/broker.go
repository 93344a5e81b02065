// Package broker implements the event loop described in spec.md §4.10 and
// the concurrency model in SPEC_FULL.md §5: a single goroutine owns the
// Message Registry, Ready Queue, round-robin index, and every session
// table, and is the only goroutine that calls into the log. Connections
// get a reader goroutine (and, for consumers, a writer goroutine) that do
// no decision-making — they only turn socket bytes into events on a
// channel, and already-chosen payloads on a channel into socket writes.
package broker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lattiremq/linebroker/internal/logstore"
	"github.com/lattiremq/linebroker/internal/metrics"
	"github.com/lattiremq/linebroker/internal/readyqueue"
	"github.com/lattiremq/linebroker/internal/registry"
	"github.com/lattiremq/linebroker/internal/statsdb"
)

// maxLineBytes bounds a single buffered line so a misbehaving peer cannot
// grow an unbounded buffer; spec.md treats payloads as opaque but imposes
// no limit itself, so this is a defensive ambient concern, not a protocol
// rule.
const maxLineBytes = 1 << 20

type producerLineMsg struct {
	sess *producerSession
	line string
}

type consumerLineMsg struct {
	sess *consumerSession
	line string
}

type statusRequest struct {
	reply chan Status
}

// Option configures optional broker collaborators, following the same
// functional-option shape the teacher's broker.New uses.
type Option func(*Broker)

// WithMetrics attaches a process-lifetime metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithStatsDB attaches a durable lifetime-counters store.
func WithStatsDB(s *statsdb.Store) Option {
	return func(b *Broker) { b.stats = s }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithNodeID attaches a node identity string included on every status
// response and on the periodic stats log line; other broker log lines do
// not carry it.
func WithNodeID(id string) Option {
	return func(b *Broker) { b.nodeID = id }
}

// WithCompactor enables periodic log compaction (spec.md §9's open question
// on log growth, resolved in DESIGN.md): every interval, the compactor
// rewrites the log to contain only live records. A zero or negative
// interval disables compaction.
func WithCompactor(c *logstore.Compactor, interval time.Duration) Option {
	return func(b *Broker) {
		b.compactor = c
		b.compactionInterval = interval
	}
}

// Broker is the single owner of all mutable broker state.
type Broker struct {
	log    *logstore.Log
	reg    *registry.Registry
	ready  *readyqueue.Queue
	window int

	producers map[string]*producerSession
	consumers []*consumerSession
	rrIndex   int

	nextProducerNum int
	nextConsumerNum int

	newProducerConns chan net.Conn
	newConsumerConns chan net.Conn
	producerLines    chan producerLineMsg
	producerClosed   chan *producerSession
	consumerLines    chan consumerLineMsg
	consumerClosed   chan *consumerSession
	statusReqs       chan statusRequest

	metrics *metrics.Registry
	stats   *statsdb.Store
	logger  *slog.Logger
	nodeID  string

	statsIntervalSec int

	compactor          *logstore.Compactor
	compactionInterval time.Duration
}

// New builds a Broker whose state is seeded from reg's recovered live set.
// window is the pipeline window W (spec.md §3).
func New(log *logstore.Log, reg *registry.Registry, window int, statsIntervalSec int, opts ...Option) *Broker {
	b := &Broker{
		log:              log,
		reg:              reg,
		ready:            readyqueue.New(),
		window:           window,
		producers:        make(map[string]*producerSession),
		newProducerConns: make(chan net.Conn),
		newConsumerConns: make(chan net.Conn),
		producerLines:    make(chan producerLineMsg, 256),
		producerClosed:   make(chan *producerSession, 16),
		consumerLines:    make(chan consumerLineMsg, 256),
		consumerClosed:   make(chan *consumerSession, 16),
		statusReqs:       make(chan statusRequest),
		logger:           slog.Default(),
		statsIntervalSec: statsIntervalSec,
	}
	for _, opt := range opts {
		opt(b)
	}

	// Every id recovered live starts on the ready queue: spec.md §3's "No
	// loss" invariant requires a record not in some consumer's pending
	// list to be in the ready queue, and on a fresh recovery nothing has
	// been dispatched yet.
	for id := range reg.Live() {
		b.ready.Push(id)
	}
	return b
}

// AcceptProducer hands a freshly accepted producer connection to the
// broker loop. Called by the TCP connection layer's accept loop.
func (b *Broker) AcceptProducer(conn net.Conn) {
	b.newProducerConns <- conn
}

// AcceptConsumer hands a freshly accepted consumer connection to the
// broker loop.
func (b *Broker) AcceptConsumer(conn net.Conn) {
	b.newConsumerConns <- conn
}

// StatusJSON services spec.md §4.9's GET /status via the broker loop's own
// channel, matching spec.md §4.10 step 3 ("service pending monitor
// request(s)") literally: the snapshot is taken inside the loop, never
// concurrently with it.
func (b *Broker) StatusJSON() Status {
	req := statusRequest{reply: make(chan Status, 1)}
	b.statusReqs <- req
	return <-req.reply
}

// LiveRecords returns a snapshot of every unacknowledged record, the same
// map registry.Live returns. Safe to call only from within the broker loop.
func (b *Broker) LiveRecords() map[uint64]string { return b.reg.Live() }

// Run is the broker loop. It blocks until ctx is cancelled, then closes
// every open connection and the log before returning.
func (b *Broker) Run(ctx context.Context) error {
	dispatchTicker := time.NewTicker(20 * time.Millisecond)
	defer dispatchTicker.Stop()
	idleTicker := time.NewTicker(1 * time.Second)
	defer idleTicker.Stop()

	var compactionTicker *time.Ticker
	var compactionC <-chan time.Time
	if b.compactor != nil && b.compactionInterval > 0 {
		compactionTicker = time.NewTicker(b.compactionInterval)
		defer compactionTicker.Stop()
		compactionC = compactionTicker.C
	}

	lastStats := time.Now()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil

		case conn := <-b.newProducerConns:
			b.handleNewProducer(conn)

		case conn := <-b.newConsumerConns:
			b.handleNewConsumer(conn)
			b.dispatchPass()

		case m := <-b.producerLines:
			b.handleProducerLine(m)
			b.dispatchPass()

		case sess := <-b.producerClosed:
			b.handleProducerClosed(sess)

		case m := <-b.consumerLines:
			b.handleConsumerLine(m)
			b.dispatchPass()

		case sess := <-b.consumerClosed:
			b.handleConsumerClosed(sess)
			b.dispatchPass()

		case req := <-b.statusReqs:
			req.reply <- b.snapshot()

		case <-dispatchTicker.C:
			b.dispatchPass()

		case now := <-idleTicker.C:
			if b.log.Policy() == logstore.FsyncInterval {
				if err := b.log.Sync(); err != nil {
					b.logger.Warn("periodic fsync failed", "err", err)
				}
			}
			if now.Sub(lastStats) >= time.Duration(b.statsIntervalSec)*time.Second {
				b.logStats()
				lastStats = now
			}

		case <-compactionC:
			if n, err := b.compactor.RunOnce(); err != nil {
				b.logger.Warn("log compaction failed", "err", err)
			} else {
				b.logger.Info("log compacted", "live_records", n)
			}
		}
	}
}

func (b *Broker) shutdown() {
	for _, p := range b.producers {
		_ = p.conn.Close()
	}
	for _, c := range b.consumers {
		_ = c.conn.Close()
	}
	if err := b.log.Close(); err != nil {
		b.logger.Warn("log close error", "err", err)
	}
	if b.stats != nil {
		if err := b.stats.Close(); err != nil {
			b.logger.Warn("statsdb close error", "err", err)
		}
	}
}

func (b *Broker) logStats() {
	b.logger.Info("broker stats",
		"node_id", b.nodeID,
		"next_id", b.reg.NextID(),
		"ready_len", b.ready.Len(),
		"producers", len(b.producers),
		"consumers", len(b.consumers),
	)
}

// --- connection lifecycle -------------------------------------------------

func (b *Broker) handleNewProducer(conn net.Conn) {
	b.nextProducerNum++
	label := fmt.Sprintf("p%d", b.nextProducerNum)
	sess := &producerSession{label: label, conn: conn}
	b.producers[label] = sess

	if b.metrics != nil {
		b.metrics.ProducerConns.Add(1)
	}
	b.logger.Info("producer connected", "id", label, "remote", conn.RemoteAddr())

	go readProducerLines(sess, b.producerLines, b.producerClosed)
}

func (b *Broker) handleNewConsumer(conn net.Conn) {
	b.nextConsumerNum++
	label := fmt.Sprintf("c%d", b.nextConsumerNum)
	sess := newConsumerSession(label, conn, b.window)
	b.consumers = append(b.consumers, sess)

	if b.metrics != nil {
		b.metrics.ConsumerConns.Add(1)
	}
	b.logger.Info("consumer connected", "id", label, "remote", conn.RemoteAddr())

	go writeConsumerOutbox(sess, b.consumerClosed)
	go readConsumerLines(sess, b.consumerLines, b.consumerClosed)
}

func (b *Broker) handleProducerClosed(sess *producerSession) {
	if _, ok := b.producers[sess.label]; !ok {
		return // already reaped
	}
	delete(b.producers, sess.label)
	b.logger.Info("producer disconnected", "id", sess.label)
}

func (b *Broker) handleConsumerClosed(sess *consumerSession) {
	idx := -1
	for i, c := range b.consumers {
		if c == sess {
			idx = i
			break
		}
	}
	if idx < 0 {
		return // already reaped
	}

	ids := sess.pendingDrain()
	for _, id := range ids {
		b.ready.Push(id)
	}
	if b.metrics != nil && len(ids) > 0 {
		b.metrics.Requeued.Add(int64(len(ids)))
	}

	b.consumers = append(b.consumers[:idx], b.consumers[idx+1:]...)
	// Correct rr_index if it now points past the end, per spec.md §4.8.
	if len(b.consumers) == 0 || b.rrIndex >= len(b.consumers) {
		b.rrIndex = 0
	}

	b.logger.Info("consumer disconnected", "id", sess.label, "requeued", len(ids))
}

// --- ingest & ack ------------------------------------------------------------

func (b *Broker) handleProducerLine(m producerLineMsg) {
	id, err := b.reg.Insert(m.line)
	if err != nil {
		b.logger.Warn("log write failed, continuing best-effort", "err", err)
		return
	}
	b.ready.Push(id)
	m.sess.messagesSent++
	if b.metrics != nil {
		b.metrics.Ingested.Add(1)
	}
	if b.stats != nil {
		_ = b.stats.AddIngested(1)
	}
}

func (b *Broker) handleConsumerLine(m consumerLineMsg) {
	switch m.line {
	case "ACK", "ERR":
		// ERR is ack-and-drop per spec.md §4.7 and DESIGN.md's resolution
		// of that open question.
		id, ok := m.sess.pendingPopFront()
		if !ok {
			return
		}
		if err := b.log.AppendAck(id); err != nil {
			// The ack never became durable, so the record must stay live:
			// it is no longer in flight to any consumer, so it goes back on
			// the ready queue for redelivery, and reg.Live() (and therefore
			// compaction) still has to preserve it until a later AppendAck
			// finally succeeds.
			b.logger.Error("ack write failed, record stays live", "id", id, "err", err)
			b.ready.Push(id)
			return
		}
		b.reg.MarkAcked(id)
		if b.metrics != nil {
			b.metrics.Acked.Add(1)
		}
		if b.stats != nil {
			_ = b.stats.AddAcked(1)
		}
	default:
		// Any other line is ignored per spec.md §4.7.
	}
}

// --- connection I/O goroutines -----------------------------------------------

func readProducerLines(sess *producerSession, lines chan<- producerLineMsg, closed chan<- *producerSession) {
	scanner := bufio.NewScanner(sess.conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		// Unlike bufio.ScanLines, drop an unterminated tail at EOF.
		if atEOF && bytes.IndexByte(data, '\n') < 0 {
			return len(data), nil, nil
		}
		return bufio.ScanLines(data, atEOF)
	})
	for scanner.Scan() {
		lines <- producerLineMsg{sess: sess, line: scanner.Text()}
	}
	// EOF, read error, or an oversized line: the connection is unrecoverable
	// either way (spec.md §4.5's "broken framing is unrecoverable for that
	// connection"). Any partial buffered line is discarded by never emitting it.
	_ = sess.conn.Close()
	closed <- sess
}

func readConsumerLines(sess *consumerSession, lines chan<- consumerLineMsg, closed chan<- *consumerSession) {
	scanner := bufio.NewScanner(sess.conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		lines <- consumerLineMsg{sess: sess, line: scanner.Text()}
	}
	notifyConsumerClosed(sess, closed)
}

func writeConsumerOutbox(sess *consumerSession, closed chan<- *consumerSession) {
	for {
		select {
		case payload, ok := <-sess.outbox:
			if !ok {
				return
			}
			if _, err := sess.conn.Write(payload); err != nil {
				notifyConsumerClosed(sess, closed)
				return
			}
		case <-sess.closed:
			return
		}
	}
}

// notifyConsumerClosed is idempotent: both the reader and writer goroutines
// can observe the same broken connection, but the session must be reaped
// by the broker loop exactly once. sync.Once (rather than a check-then-act
// on sess.closed) is what actually makes the two concurrent callers safe.
func notifyConsumerClosed(sess *consumerSession, closed chan<- *consumerSession) {
	sess.closeOnce.Do(func() {
		close(sess.closed)
		_ = sess.conn.Close()
		closed <- sess
	})
}
