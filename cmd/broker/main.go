// Command broker runs the line-delimited message broker described by
// spec.md: a producer port, a consumer port, and an HTTP monitor port.
//
// Usage:
//
//	broker [producer_port [consumer_port [monitor_port]]]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/lattiremq/linebroker/internal/broker"
	"github.com/lattiremq/linebroker/internal/config"
	"github.com/lattiremq/linebroker/internal/logstore"
	"github.com/lattiremq/linebroker/internal/metrics"
	"github.com/lattiremq/linebroker/internal/monitor"
	"github.com/lattiremq/linebroker/internal/node"
	"github.com/lattiremq/linebroker/internal/registry"
	"github.com/lattiremq/linebroker/internal/statsdb"
	"github.com/lattiremq/linebroker/internal/transport/tcp"
)

const (
	defaultProducerPort = 9100
	defaultConsumerPort = 9200
	defaultMonitorPort  = 8081
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	producerPort, consumerPort, monitorPort, err := parsePorts(flag.Args())
	if err != nil {
		return err
	}

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	// ── 4. Recover the append-only log and rebuild in-memory state ──────────
	logPath := cfg.Storage.LogPath
	recovered, err := logstore.Recover(logPath)
	if err != nil {
		return fmt.Errorf("recover log: %w", err)
	}
	logger.Info("log recovered",
		"path", logPath,
		"live_records", len(recovered.Live),
		"next_id", recovered.NextID,
		"corrupted_lines", recovered.Corrupted,
	)

	lg, err := logstore.Open(logPath, cfg.Storage.Fsync, cfg.Storage.FsyncBatchSize)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	reg := registry.Restore(lg, recovered.NextID, recovered.Live)

	// ── 5. Open the durable lifetime-counters store ──────────────────────────
	statsPath := filepath.Join(cfg.Node.DataDir, "stats.db")
	stats, err := statsdb.Open(statsPath)
	if err != nil {
		return fmt.Errorf("open statsdb: %w", err)
	}
	if _, err := stats.RecordRestart(); err != nil {
		logger.Warn("record restart failed", "err", err)
	}

	// ── 6. Bind the producer and consumer listening sockets ─────────────────
	// spec.md §7: any bind failure here is fatal at startup. The monitor
	// socket is bound later by monitorSrv.ListenAndServe; its bind failure
	// arrives on errs and also ends run with an error.
	producerAddr := fmt.Sprintf(":%d", producerPort)
	consumerAddr := fmt.Sprintf(":%d", consumerPort)
	monitorAddr := fmt.Sprintf(":%d", monitorPort)

	producerLn, err := tcp.Listen(producerAddr, "producer")
	if err != nil {
		return err
	}
	consumerLn, err := tcp.Listen(consumerAddr, "consumer")
	if err != nil {
		return err
	}

	// ── 7. Build the broker and its optional collaborators ──────────────────
	metricsReg := &metrics.Registry{}
	var compactionOpt broker.Option
	if cfg.Storage.CompactionIntervalSec > 0 {
		compactor := logstore.NewCompactor(lg, reg.Live)
		interval := time.Duration(cfg.Storage.CompactionIntervalSec) * time.Second
		compactionOpt = broker.WithCompactor(compactor, interval)
	} else {
		compactionOpt = func(*broker.Broker) {}
	}

	b := broker.New(lg, reg, cfg.Broker.PipelineWindow, cfg.Broker.StatsIntervalSec,
		broker.WithMetrics(metricsReg),
		broker.WithStatsDB(stats),
		broker.WithLogger(logger),
		broker.WithNodeID(string(n.ID())),
		compactionOpt,
	)

	monitorSrv := monitor.New(monitorAddr, b, metricsReg, monitor.Config{
		RateLimitRPS:   cfg.Metrics.RateLimitRPS,
		RateLimitBurst: cfg.Metrics.RateLimitBurst,
		StreamEnabled:  cfg.Metrics.StreamEnabled,
	}, logger)

	logger.Info("broker starting",
		"node_id", n.ID(),
		"producer_addr", producerAddr,
		"consumer_addr", consumerAddr,
		"monitor_addr", monitorAddr,
	)

	// ── 8. Run everything, shutting down together on cancellation ───────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 4)
	go func() { errs <- b.Run(ctx) }()
	go func() { errs <- producerLn.ServeProducers(ctx, logger, b) }()
	go func() { errs <- consumerLn.ServeConsumers(ctx, logger, b) }()
	go func() { errs <- monitorSrv.ListenAndServe(ctx) }()
	running := 4

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig)
		cancel()
	case err := <-errs:
		running--
		cancel()
		if err != nil {
			return fmt.Errorf("component error: %w", err)
		}
	}

	// Drain the rest of the component goroutines so sockets/log/statsdb
	// close cleanly before the process exits.
	for i := 0; i < running; i++ {
		<-errs
	}

	logger.Info("broker stopped")
	return nil
}

func parsePorts(args []string) (producer, consumer, monitorPort int, err error) {
	producer, consumer, monitorPort = defaultProducerPort, defaultConsumerPort, defaultMonitorPort
	if len(args) > 3 {
		return 0, 0, 0, fmt.Errorf("usage: broker [producer_port [consumer_port [monitor_port]]]")
	}
	ports := []*int{&producer, &consumer, &monitorPort}
	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid port %q: %w", arg, err)
		}
		*ports[i] = v
	}
	return producer, consumer, monitorPort, nil
}
