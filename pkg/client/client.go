// Package client is the Go SDK for talking to the broker over its two raw
// TCP line protocols (spec.md §6): a Producer pushes opaque lines, a
// Consumer receives dispatched lines and must ACK or ERR each one in
// order. Connection reuse and functional options follow the same shape as
// the teacher's pkg/client HTTP SDK; only the transport changed.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// ─── Dial options ────────────────────────────────────────────────────────────

// DialOption configures a Producer or Consumer connection.
type DialOption func(*dialConfig)

type dialConfig struct {
	dialer  net.Dialer
	timeout time.Duration
}

// WithDialTimeout sets the TCP connect timeout. The default is 10 seconds.
func WithDialTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.timeout = d }
}

func newDialConfig(opts []DialOption) *dialConfig {
	c := &dialConfig{timeout: 10 * time.Second}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Producer ─────────────────────────────────────────────────────────────────

// Producer is a connection to the broker's producer port. It is a pure
// push: the broker never replies on this connection (spec.md §6).
type Producer struct {
	conn net.Conn
}

// DialProducer connects to the broker's producer port at addr.
func DialProducer(ctx context.Context, addr string, opts ...DialOption) (*Producer, error) {
	cfg := newDialConfig(opts)
	dialer := cfg.dialer
	dialer.Timeout = cfg.timeout
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial producer %s: %w", addr, err)
	}
	return &Producer{conn: conn}, nil
}

// Send pushes a single record. payload must not contain '\n'.
func (p *Producer) Send(payload string) error {
	if strings.ContainsRune(payload, '\n') {
		return fmt.Errorf("client: payload must not contain a newline")
	}
	_, err := p.conn.Write([]byte(payload + "\n"))
	return err
}

// Close closes the underlying connection.
func (p *Producer) Close() error { return p.conn.Close() }

// ─── Consumer ─────────────────────────────────────────────────────────────────

// Consumer is a connection to the broker's consumer port. Records must be
// acknowledged in the order they were received (spec.md §4.7).
type Consumer struct {
	conn   net.Conn
	reader *bufio.Reader
}

// DialConsumer connects to the broker's consumer port at addr.
func DialConsumer(ctx context.Context, addr string, opts ...DialOption) (*Consumer, error) {
	cfg := newDialConfig(opts)
	dialer := cfg.dialer
	dialer.Timeout = cfg.timeout
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial consumer %s: %w", addr, err)
	}
	return &Consumer{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Receive blocks until the broker dispatches the next record, returning
// its payload with the trailing newline stripped.
func (c *Consumer) Receive() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("client: receive: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Ack acknowledges successful processing of the oldest received record not
// yet acknowledged, in order (spec.md §4.7's head-pop rule — the broker has no idea
// which id this corresponds to beyond delivery order, so the caller must
// call Ack/Err exactly once per Receive, in order).
func (c *Consumer) Ack() error { return c.sendControl("ACK") }

// Err reports failed processing of the oldest received record not yet
// acknowledged.
// The broker treats this identically to Ack (ack-and-drop) per spec.md
// §4.7 and DESIGN.md's resolution of that open question.
func (c *Consumer) Err() error { return c.sendControl("ERR") }

func (c *Consumer) sendControl(token string) error {
	_, err := c.conn.Write([]byte(token + "\n"))
	return err
}

// Close closes the underlying connection.
func (c *Consumer) Close() error { return c.conn.Close() }
