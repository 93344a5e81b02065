// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the broker. It deliberately avoids the prometheus/client_golang
// package, following the teacher's own rationale: a hand-rolled registry
// keeps the binary small with no additional dependencies for counters this
// simple.
//
// Counters are process-lifetime only; internal/statsdb is the durable
// counterpart that survives restarts.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// Registry holds every broker-level counter exposed on the monitor's
// /metrics endpoint.
type Registry struct {
	Ingested      atomic.Int64 // lines received from producers
	Dispatched    atomic.Int64 // payloads sent to a consumer
	Acked         atomic.Int64 // ACK/ERR lines processed
	Requeued      atomic.Int64 // ids moved back to the ready queue after a disconnect
	ProducerConns atomic.Int64 // cumulative accepted producer connections
	ConsumerConns atomic.Int64 // cumulative accepted consumer connections

	HTTPReqs atomic.Int64 // requests served on the monitor port
}

// Handler returns an http.Handler rendering every counter in the
// Prometheus plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		writeCounter(&b, "linebroker_ingested_total", "Total records received from producers", r.Ingested.Load())
		writeCounter(&b, "linebroker_dispatched_total", "Total records sent to a consumer", r.Dispatched.Load())
		writeCounter(&b, "linebroker_acked_total", "Total ACK/ERR lines processed", r.Acked.Load())
		writeCounter(&b, "linebroker_requeued_total", "Total records requeued after a consumer disconnect", r.Requeued.Load())
		writeCounter(&b, "linebroker_producer_connections_total", "Cumulative accepted producer connections", r.ProducerConns.Load())
		writeCounter(&b, "linebroker_consumer_connections_total", "Cumulative accepted consumer connections", r.ConsumerConns.Load())
		writeCounter(&b, "linebroker_monitor_http_requests_total", "Requests served on the monitor port", r.HTTPReqs.Load())

		fmt.Fprint(w, b.String())
	})
}

func writeCounter(b *strings.Builder, name, help string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, val)
}
