// Package monitor implements spec.md §4.9's Status Endpoint and the
// SPEC_FULL.md additions layered on top of it: a Prometheus /metrics
// endpoint and a live-updating /status/stream WebSocket, both grounded on
// the teacher's internal/transport/http and internal/transport/websocket
// packages.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lattiremq/linebroker/internal/broker"
	"github.com/lattiremq/linebroker/internal/metrics"
)

// StatusProvider is the subset of *broker.Broker the monitor needs.
type StatusProvider interface {
	StatusJSON() broker.Status
}

// Server is the monitor's HTTP(+WebSocket) listener.
type Server struct {
	httpSrv *http.Server
	logger  *slog.Logger
}

// Config controls the rate limiter and the /status/stream endpoint; see
// internal/config.MetricsConfig.
type Config struct {
	RateLimitRPS   float64
	RateLimitBurst int
	StreamEnabled  bool
}

// New builds a monitor server bound to addr. It does not start listening;
// call ListenAndServe for that, matching spec.md §7's requirement that
// bind failure be reported to the caller as an error.
func New(addr string, b StatusProvider, m *metrics.Registry, cfg Config, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	statusHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleStatus(w, r, b)
	})
	mux.Handle("/status", chain(statusHandler, RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst)))

	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	if cfg.StreamEnabled {
		mux.Handle("/status/stream", &streamHandler{provider: b, logger: logger})
	}

	mux.HandleFunc("/", handleNotFound)

	var handler http.Handler = mux
	if m != nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPReqs.Add(1)
			mux.ServeHTTP(w, r)
		})
	}

	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the monitor's http.Handler for use in tests without
// binding a real socket.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe binds and serves until ctx is cancelled or an
// unrecoverable server error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
	}()

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor: listen %s: %w", s.httpSrv.Addr, err)
	}
	return nil
}
