package rediskv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pairchat/server/internal/kv"
)

// newTestStore starts an in-process miniredis and returns a Store bound to it.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetNXBatch(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Set("user:b:active_chat", "other-room")

	results, err := s.SetNX(ctx, time.Hour,
		kv.Entry{Key: "user:a:active_chat", Value: "room-1"},
		kv.Entry{Key: "user:b:active_chat", Value: "room-1"},
	)
	if err != nil {
		t.Fatalf("SetNX() error: %v", err)
	}
	if !results[0] || results[1] {
		t.Fatalf("expected [true false], got %v", results)
	}

	if got := mr.TTL("user:a:active_chat"); got != time.Hour {
		t.Errorf("expected ttl 1h on written key, got %v", got)
	}
	if v, _ := mr.Get("user:b:active_chat"); v != "other-room" {
		t.Errorf("existing pointer overwritten: %q", v)
	}
}

func TestCompareAndDelete(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Set("ptr", "room-1")

	ok, err := s.CompareAndDelete(ctx, "ptr", "room-2")
	if err != nil {
		t.Fatalf("CompareAndDelete() error: %v", err)
	}
	if ok || !mr.Exists("ptr") {
		t.Fatal("key deleted despite value mismatch")
	}

	ok, err = s.CompareAndDelete(ctx, "ptr", "room-1")
	if err != nil {
		t.Fatalf("CompareAndDelete() error: %v", err)
	}
	if !ok || mr.Exists("ptr") {
		t.Fatal("expected key to be deleted")
	}
}

func TestDelReportsRemovedKeys(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Set("a", "1")
	mr.SAdd("b", "m")

	n, err := s.Del(ctx, "a", "b", "missing")
	if err != nil {
		t.Fatalf("Del() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("Del() = %d, want 2", n)
	}
	if n, _ := s.Del(ctx, "a"); n != 0 {
		t.Fatalf("second Del() = %d, want 0", n)
	}
}

func TestTTLSentinels(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := s.TTL(ctx, "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	mr.Set("persistent", "x")
	if ttl, err := s.TTL(ctx, "persistent"); err != nil || ttl != kv.NoExpiry {
		t.Errorf("expected NoExpiry, got %v (err=%v)", ttl, err)
	}

	if err := s.Expire(ctx, 30*time.Second, "persistent", "missing"); err != nil {
		t.Fatalf("Expire() error: %v", err)
	}
	if ttl, _ := s.TTL(ctx, "persistent"); ttl != 30*time.Second {
		t.Errorf("expected 30s, got %v", ttl)
	}

	mr.FastForward(31 * time.Second)
	if ok, _ := s.Exists(ctx, "persistent"); ok {
		t.Error("expected key to expire")
	}
}

func TestListRenameKeepsOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.RPush(ctx, "log", "a", "b", "c"); err != nil {
		t.Fatalf("RPush() error: %v", err)
	}
	if err := s.RPush(ctx, "log:staging", "a", "c"); err != nil {
		t.Fatalf("RPush() error: %v", err)
	}
	if err := s.Rename(ctx, "log:staging", "log"); err != nil {
		t.Fatalf("Rename() error: %v", err)
	}

	items, err := s.LRange(ctx, "log")
	if err != nil {
		t.Fatalf("LRange() error: %v", err)
	}
	if len(items) != 2 || items[0] != "a" || items[1] != "c" {
		t.Fatalf("expected [a c], got %v", items)
	}

	if err := s.Rename(ctx, "log:staging", "log"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing source, got %v", err)
	}
}

func TestSetsAndIncr(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SAdd(ctx, "conns", "c1", "c2")
	s.SRem(ctx, "conns", "c1")

	n, err := s.SCard(ctx, "conns")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 member, got %d (err=%v)", n, err)
	}
	members, _ := s.SMembers(ctx, "conns")
	if len(members) != 1 || members[0] != "c2" {
		t.Fatalf("unexpected members %v", members)
	}

	for i := int64(1); i <= 2; i++ {
		got, err := s.Incr(ctx, "rl:msg:u1")
		if err != nil || got != i {
			t.Fatalf("Incr() = %d, %v; want %d", got, err, i)
		}
	}
}

func TestWrongTypeMapped(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Set("str", "x")
	if err := s.SAdd(ctx, "str", "m"); !errors.Is(err, kv.ErrWrongType) {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
}

func TestClosedServerIsUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Ping(ctx); !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
