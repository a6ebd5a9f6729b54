package session

import (
	"context"
	"testing"
	"time"

	"github.com/pairchat/server/internal/kv/memkv"
)

func TestActiveRoomAbsent(t *testing.T) {
	s := NewStore(memkv.New(), time.Hour)

	roomID, err := s.ActiveRoom(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ActiveRoom() error: %v", err)
	}
	if roomID != "" {
		t.Fatalf("expected no pointer, got %q", roomID)
	}
}

func TestClaimOnlyFreeUsers(t *testing.T) {
	s := NewStore(memkv.New(), time.Hour)
	ctx := context.Background()

	if _, err := s.Claim(ctx, "room-1", "u1"); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	ok, err := s.Claim(ctx, "room-2", "u1", "u2")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if ok[0] || !ok[1] {
		t.Fatalf("expected [false true], got %v", ok)
	}

	if r, _ := s.ActiveRoom(ctx, "u1"); r != "room-1" {
		t.Errorf("u1 pointer changed to %q", r)
	}
	if r, _ := s.ActiveRoom(ctx, "u2"); r != "room-2" {
		t.Errorf("u2 pointer = %q, want room-2", r)
	}
}

func TestReleaseComparesRoom(t *testing.T) {
	s := NewStore(memkv.New(), time.Hour)
	ctx := context.Background()

	s.Claim(ctx, "room-1", "u1")

	if ok, _ := s.Release(ctx, "u1", "room-old"); ok {
		t.Fatal("released pointer for a different room")
	}
	if ok, _ := s.Release(ctx, "u1", "room-1"); !ok {
		t.Fatal("expected release of matching pointer")
	}
	if r, _ := s.ActiveRoom(ctx, "u1"); r != "" {
		t.Fatalf("pointer still set: %q", r)
	}
}

func TestRefreshResetsWindow(t *testing.T) {
	clock := memkv.NewClock(time.Unix(0, 0))
	s := NewStore(memkv.New(memkv.WithClock(clock.Now)), time.Hour)
	ctx := context.Background()

	s.Claim(ctx, "room-1", "u1")
	clock.Advance(45 * time.Minute)

	if err := s.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	ttl, err := s.TTL(ctx, "u1")
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl != time.Hour {
		t.Fatalf("expected full window after refresh, got %v", ttl)
	}

	clock.Advance(time.Hour)
	if r, _ := s.ActiveRoom(ctx, "u1"); r != "" {
		t.Fatalf("pointer should have expired, got %q", r)
	}
}
