//go:build linux

package ws

import (
	"net"
	"testing"
	"time"
)

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// waitReady polls until conn is reported ready or the deadline passes.
func waitReady(t *testing.T, p *Poller, conn net.Conn) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ready, err := p.Wait()
		if err != nil {
			t.Fatalf("Wait() error: %v", err)
		}
		for _, c := range ready {
			if c == conn {
				return true
			}
		}
	}
	return false
}

func TestPollerReportsInput(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller() error: %v", err)
	}
	defer p.Close()

	server, client := tcpPair(t)
	if socketFD(server) < 0 {
		t.Fatal("expected a descriptor for a TCP connection")
	}
	if err := p.Add(server); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 watched connection, got %d", p.Len())
	}

	if _, err := client.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !waitReady(t, p, server) {
		t.Fatal("connection with pending input was not reported")
	}

	// Nothing was consumed by polling.
	buf := make([]byte, 1)
	server.SetReadDeadline(time.Now().Add(time.Second))
	if n, err := server.Read(buf); err != nil || n != 1 || buf[0] != 'x' {
		t.Fatalf("expected to read the pending byte, got %d %q %v", n, buf[:n], err)
	}
}

func TestPollerRemove(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller() error: %v", err)
	}
	defer p.Close()

	server, client := tcpPair(t)
	p.Add(server)
	if err := p.Remove(server); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected no watched connections, got %d", p.Len())
	}

	client.Write([]byte("x"))
	ready, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("removed connection reported ready: %v", ready)
	}

	// Removing twice is harmless.
	if err := p.Remove(server); err != nil {
		t.Fatalf("second Remove() error: %v", err)
	}
}

func TestPollerWaitTimesOut(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller() error: %v", err)
	}
	defer p.Close()

	start := time.Now()
	ready, err := p.Wait()
	if err != nil || len(ready) != 0 {
		t.Fatalf("expected an empty batch, got %v %v", ready, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Wait() did not return after its timeout")
	}
}
