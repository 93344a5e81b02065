package client_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/lattiremq/linebroker/pkg/client"
)

// newEchoProducerListener accepts one connection and forwards every line it
// receives onto lines, standing in for the broker's producer port.
func newEchoProducerListener(t *testing.T) (addr string, lines <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ln.Addr().String(), ch
}

// newScriptedConsumerListener accepts one connection, sends each of payloads
// in order, and records each ACK/ERR token it receives.
func newScriptedConsumerListener(t *testing.T, payloads []string) (addr string, acks <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range payloads {
			if _, err := conn.Write([]byte(p + "\n")); err != nil {
				return
			}
		}
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ln.Addr().String(), ch
}

func TestProducerSendDeliversLine(t *testing.T) {
	addr, lines := newEchoProducerListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := client.DialProducer(ctx, addr)
	if err != nil {
		t.Fatalf("DialProducer: %v", err)
	}
	defer p.Close()

	if err := p.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-lines:
		if got != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
}

func TestProducerSendRejectsEmbeddedNewline(t *testing.T) {
	addr, _ := newEchoProducerListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := client.DialProducer(ctx, addr)
	if err != nil {
		t.Fatalf("DialProducer: %v", err)
	}
	defer p.Close()

	if err := p.Send("bad\npayload"); err == nil {
		t.Fatal("expected error for embedded newline")
	}
}

func TestConsumerReceiveAndAck(t *testing.T) {
	addr, acks := newScriptedConsumerListener(t, []string{"m1", "m2"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.DialConsumer(ctx, addr)
	if err != nil {
		t.Fatalf("DialConsumer: %v", err)
	}
	defer c.Close()

	got, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != "m1" {
		t.Fatalf("got %q, want m1", got)
	}
	if err := c.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	got, err = c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != "m2" {
		t.Fatalf("got %q, want m2", got)
	}
	if err := c.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}

	var seen []string
	for i := 0; i < 2; i++ {
		select {
		case tok := <-acks:
			seen = append(seen, tok)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ack token")
		}
	}
	if seen[0] != "ACK" || seen[1] != "ERR" {
		t.Fatalf("got %v, want [ACK ERR]", seen)
	}
}

func TestDialProducerFailsOnBadAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.DialProducer(ctx, "127.0.0.1:1"); err == nil {
		t.Fatal("expected dial error for unreachable port")
	}
}
