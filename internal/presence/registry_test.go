package presence

import (
	"context"
	"sort"
	"testing"

	"github.com/pairchat/server/internal/keyspace"
	"github.com/pairchat/server/internal/kv"
	"github.com/pairchat/server/internal/kv/memkv"
)

func TestAddIsIdempotent(t *testing.T) {
	r := NewRegistry(memkv.New())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Add(ctx, "u1", "c1"); err != nil {
			t.Fatalf("Add() error: %v", err)
		}
	}

	conns, err := r.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(conns) != 1 || conns[0] != "c1" {
		t.Fatalf("expected [c1], got %v", conns)
	}
}

func TestRemoveReportsOffline(t *testing.T) {
	r := NewRegistry(memkv.New())
	ctx := context.Background()

	r.Add(ctx, "u1", "c1")
	r.Add(ctx, "u1", "c2")

	offline, err := r.Remove(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if offline {
		t.Fatal("user with a remaining connection reported offline")
	}

	offline, _ = r.Remove(ctx, "u1", "c2")
	if !offline {
		t.Fatal("expected user to be offline after last connection")
	}

	// Removing again is harmless.
	offline, err = r.Remove(ctx, "u1", "c2")
	if err != nil || !offline {
		t.Fatalf("expected (true, nil) for repeated remove, got (%v, %v)", offline, err)
	}
}

func TestListSnapshot(t *testing.T) {
	r := NewRegistry(memkv.New())
	ctx := context.Background()

	r.Add(ctx, "u1", "tab-a")
	r.Add(ctx, "u1", "tab-b")
	r.Add(ctx, "u2", "phone")

	conns, _ := r.List(ctx, "u1")
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "tab-a" || conns[1] != "tab-b" {
		t.Fatalf("unexpected connections %v", conns)
	}

	if online, _ := r.Online(ctx, "u3"); online {
		t.Error("unknown user reported online")
	}
}

func TestConnectionSetHasNoTTL(t *testing.T) {
	store := memkv.New()
	r := NewRegistry(store)
	ctx := context.Background()

	r.Add(ctx, "u1", "c1")

	ttl, err := store.TTL(ctx, keyspace.UserConnections("u1"))
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl != kv.NoExpiry {
		t.Fatalf("expected no expiry, got %v", ttl)
	}
}
