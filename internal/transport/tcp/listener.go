// Package tcp implements spec.md §4.4's Connection Layer for the two raw
// line-protocol ports (producer and consumer). It does no framing or
// decision-making of its own: each accepted connection is handed straight
// to the broker loop via AcceptProducer/AcceptConsumer, which owns the
// per-connection reader/writer goroutines (see internal/broker).
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Acceptor is the subset of *broker.Broker the listeners need.
type Acceptor interface {
	AcceptProducer(conn net.Conn)
	AcceptConsumer(conn net.Conn)
}

// Listener owns one bound TCP socket and feeds every accepted connection to
// the broker through one of Acceptor's two methods.
type Listener struct {
	ln   net.Listener
	addr string
	kind string // "producer" or "consumer", for log lines only
}

// Listen binds addr immediately, returning spec.md §7's "bind failure" as
// an error for the caller to turn into a process exit. It does not start
// accepting; call Serve for that.
func Listen(addr, kind string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s (%s): %w", addr, kind, err)
	}
	return &Listener{ln: ln, addr: addr, kind: kind}, nil
}

// Addr returns the bound address, useful when addr was "host:0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the listening socket, unblocking Serve.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handing each one to accept. It never returns a non-nil error for
// an accept failure caused by ctx cancellation / Close.
func (l *Listener) Serve(ctx context.Context, logger *slog.Logger, accept func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("accept error", "kind", l.kind, "err", err)
			return err
		}
		logger.Info("connection accepted", "kind", l.kind, "remote", conn.RemoteAddr())
		accept(conn)
	}
}

// ServeProducers runs Serve forwarding every connection to a.AcceptProducer.
func (l *Listener) ServeProducers(ctx context.Context, logger *slog.Logger, a Acceptor) error {
	return l.Serve(ctx, logger, a.AcceptProducer)
}

// ServeConsumers runs Serve forwarding every connection to a.AcceptConsumer.
func (l *Listener) ServeConsumers(ctx context.Context, logger *slog.Logger, a Acceptor) error {
	return l.Serve(ctx, logger, a.AcceptConsumer)
}
