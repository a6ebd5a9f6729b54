package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

// rawPipeConn returns a Connection whose client end reports the opcode of
// every frame it receives.
func rawPipeConn(t *testing.T, id string) (*Connection, <-chan ws.OpCode) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	ops := make(chan ws.OpCode, 4)
	go func() {
		defer close(ops)
		for {
			f, err := ws.ReadFrame(client)
			if err != nil {
				return
			}
			ops <- f.Header.OpCode
		}
	}()

	return &Connection{ID: id, UserID: "u-" + id, Conn: server, Fd: -1, CreatedAt: time.Now(), writeTimeout: time.Second}, ops
}

func TestSweepEvictsSilentConnections(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.PingInterval = 30 * time.Second
	cfg.PongTimeout = 10 * time.Second
	s := NewServer(cfg, nil)

	var gone []string
	s.SetOnDisconnect(func(c *Connection) { gone = append(gone, c.ID) })

	now := time.Now()
	fresh, freshOps := rawPipeConn(t, "fresh")
	fresh.Touch(now.Add(-5 * time.Second))
	stale, _ := rawPipeConn(t, "stale")
	stale.Touch(now.Add(-time.Minute))
	s.conns.Add(fresh)
	s.conns.Add(stale)

	if n := s.sweep(now); n != 1 {
		t.Fatalf("sweep() evicted %d, want 1", n)
	}
	if len(gone) != 1 || gone[0] != "stale" {
		t.Fatalf("unexpected disconnects %v", gone)
	}
	if !s.Connections().Has("fresh") || s.Connections().Has("stale") {
		t.Fatal("wrong connection evicted")
	}

	select {
	case op := <-freshOps:
		if op != ws.OpPing {
			t.Fatalf("expected a ping frame, got opcode %v", op)
		}
	case <-timeout():
		t.Fatal("live connection was not pinged")
	}
}

func TestSweepEvictsUnwritableConnections(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	c, _ := rawPipeConn(t, "broken")
	c.Touch(time.Now())
	c.Conn.Close()
	s.conns.Add(c)

	if n := s.sweep(time.Now()); n != 1 {
		t.Fatalf("sweep() evicted %d, want 1", n)
	}
	if s.Connections().Count() != 0 {
		t.Fatal("connection with a failing write kept")
	}
}
