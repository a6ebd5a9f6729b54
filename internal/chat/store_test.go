package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pairchat/server/internal/keyspace"
	"github.com/pairchat/server/internal/kv"
	"github.com/pairchat/server/internal/kv/memkv"
	"github.com/pairchat/server/internal/session"
)

type fixture struct {
	kv       *memkv.Store
	clock    *memkv.Clock
	sessions *session.Store
	rooms    *Store
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := memkv.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := memkv.New(memkv.WithClock(clock.Now))
	policy := keyspace.TTLPolicy{Room: time.Hour, Message: 30 * time.Minute}
	sessions := session.NewStore(store, policy.Room)
	rooms := NewStore(store, sessions, policy)
	rooms.SetClock(clock.Now)
	return &fixture{kv: store, clock: clock, sessions: sessions, rooms: rooms, ctx: context.Background()}
}

// pair creates a room and points both users at it.
func (f *fixture) pair(t *testing.T, roomID, a, b string) {
	t.Helper()
	if err := f.rooms.Create(f.ctx, roomID, a, b); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := f.sessions.Claim(f.ctx, roomID, a, b); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
}

func TestCreateRequiresTwoDistinctUsers(t *testing.T) {
	f := newFixture(t)

	for _, tc := range [][2]string{{"u1", "u1"}, {"", "u2"}, {"u1", ""}} {
		if err := f.rooms.Create(f.ctx, "room", tc[0], tc[1]); !errors.Is(err, ErrInvalidRoom) {
			t.Errorf("Create(%q, %q) = %v, want ErrInvalidRoom", tc[0], tc[1], err)
		}
	}
	if ok, _ := f.rooms.Exists(f.ctx, "room"); ok {
		t.Fatal("invalid room was created")
	}
}

func TestParticipantsAndDelete(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")
	f.rooms.AddMessage(f.ctx, "room", "u1", "hello", "")

	members, err := f.rooms.Participants(f.ctx, "room")
	if err != nil {
		t.Fatalf("Participants() error: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "u1" || members[1] != "u2" {
		t.Fatalf("unexpected participants %v", members)
	}

	removed, err := f.rooms.Delete(f.ctx, "room")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if !removed {
		t.Error("Delete() did not report removing the room")
	}
	if removed, _ := f.rooms.Delete(f.ctx, "room"); removed {
		t.Error("second Delete() reported removing the room again")
	}
	if ok, _ := f.rooms.Exists(f.ctx, "room"); ok {
		t.Error("participant set survived delete")
	}
	if msgs, _ := f.rooms.Messages(f.ctx, "room"); len(msgs) != 0 {
		t.Errorf("log survived delete: %d messages", len(msgs))
	}
}

func TestAddMessagesKeepCallOrder(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")

	const k = 6
	ids := make([]string, k)
	for i := 0; i < k; i++ {
		f.clock.Advance(time.Second)
		msg, err := f.rooms.AddMessage(f.ctx, "room", "u1", fmt.Sprintf("msg-%d", i), "")
		if err != nil {
			t.Fatalf("AddMessage() error: %v", err)
		}
		ids[i] = msg.ID
	}

	msgs, err := f.rooms.Messages(f.ctx, "room")
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != k {
		t.Fatalf("expected %d messages, got %d", k, len(msgs))
	}
	for i, m := range msgs {
		if m.ID != ids[i] || m.Text != fmt.Sprintf("msg-%d", i) {
			t.Errorf("index %d: got %+v", i, m)
		}
		if m.Edited {
			t.Errorf("index %d: new message marked edited", i)
		}
	}
}

func TestAddMessageRecord(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")

	msg, err := f.rooms.AddMessage(f.ctx, "room", "u2", "hi", "some-id")
	if err != nil {
		t.Fatalf("AddMessage() error: %v", err)
	}
	if msg.ID == "" {
		t.Error("message id not generated")
	}
	if msg.SenderID != "u2" || msg.Text != "hi" || msg.ReplyTo != "some-id" {
		t.Errorf("unexpected record %+v", msg)
	}
	if !msg.Timestamp.Equal(f.clock.Now()) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, f.clock.Now())
	}
}

func TestAddMessageResetsAllWindows(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")

	f.clock.Advance(50 * time.Minute)
	if _, err := f.rooms.AddMessage(f.ctx, "room", "u1", "still here", ""); err != nil {
		t.Fatalf("AddMessage() error: %v", err)
	}

	checks := map[string]time.Duration{
		keyspace.RoomParticipants("room"): time.Hour,
		keyspace.RoomMessages("room"):     30 * time.Minute,
		keyspace.UserActiveRoom("u1"):     time.Hour,
		keyspace.UserActiveRoom("u2"):     time.Hour,
	}
	for key, want := range checks {
		ttl, err := f.kv.TTL(f.ctx, key)
		if err != nil {
			t.Fatalf("TTL(%s) error: %v", key, err)
		}
		if ttl != want {
			t.Errorf("TTL(%s) = %v, want %v", key, ttl, want)
		}
	}

	// Without the refresh the pairing would have expired at the 60 minute mark.
	f.clock.Advance(20 * time.Minute)
	if r, _ := f.sessions.ActiveRoom(f.ctx, "u2"); r != "room" {
		t.Fatalf("pointer expired despite activity: %q", r)
	}
}

func TestEditChangesOnlyTarget(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")

	first, _ := f.rooms.AddMessage(f.ctx, "room", "u1", "one", "")
	f.clock.Advance(time.Second)
	second, _ := f.rooms.AddMessage(f.ctx, "room", "u2", "two", first.ID)
	f.clock.Advance(time.Second)
	third, _ := f.rooms.AddMessage(f.ctx, "room", "u1", "three", "")

	before, _ := f.rooms.Messages(f.ctx, "room")

	f.clock.Advance(time.Minute)
	edited, err := f.rooms.EditMessage(f.ctx, "room", second.ID, "two (fixed)")
	if err != nil {
		t.Fatalf("EditMessage() error: %v", err)
	}
	if !edited.Edited || edited.Text != "two (fixed)" {
		t.Fatalf("unexpected edited record %+v", edited)
	}

	after, _ := f.rooms.Messages(f.ctx, "room")
	if len(after) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(after))
	}
	if after[0] != before[0] || after[2] != before[2] {
		t.Errorf("untouched messages changed:\nbefore %+v\nafter  %+v", before, after)
	}

	want := before[1]
	want.Text = "two (fixed)"
	want.Edited = true
	if after[1] != want {
		t.Errorf("edited message = %+v, want %+v", after[1], want)
	}
	if after[0].ID != first.ID || after[2].ID != third.ID {
		t.Error("order changed by edit")
	}
}

func TestEditMissingMessage(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")
	f.rooms.AddMessage(f.ctx, "room", "u1", "one", "")

	if _, err := f.rooms.EditMessage(f.ctx, "room", "nope", "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if msgs, _ := f.rooms.Messages(f.ctx, "room"); len(msgs) != 1 || msgs[0].Text != "one" {
		t.Fatalf("log changed by failed edit: %+v", msgs)
	}
}

func TestDeleteRemovesExactlyOne(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")

	var ids []string
	for i := 0; i < 4; i++ {
		m, _ := f.rooms.AddMessage(f.ctx, "room", "u1", fmt.Sprintf("m%d", i), "")
		ids = append(ids, m.ID)
	}

	if err := f.rooms.DeleteMessage(f.ctx, "room", ids[1]); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}

	msgs, _ := f.rooms.Messages(f.ctx, "room")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantIDs := []string{ids[0], ids[2], ids[3]}
	for i, m := range msgs {
		if m.ID != wantIDs[i] {
			t.Errorf("index %d: id %s, want %s", i, m.ID, wantIDs[i])
		}
	}

	if err := f.rooms.DeleteMessage(f.ctx, "room", ids[1]); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound on second delete, got %v", err)
	}
}

func TestDeleteLastMessageLeavesEmptyLog(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")

	m, _ := f.rooms.AddMessage(f.ctx, "room", "u1", "only", "")
	if err := f.rooms.DeleteMessage(f.ctx, "room", m.ID); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}
	if msgs, _ := f.rooms.Messages(f.ctx, "room"); len(msgs) != 0 {
		t.Fatalf("expected empty log, got %+v", msgs)
	}
	if ok, _ := f.rooms.Exists(f.ctx, "room"); !ok {
		t.Fatal("deleting a message must not end the room")
	}
}

func TestRewriteKeepsLogWindowAndLeavesNoStaging(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")

	m, _ := f.rooms.AddMessage(f.ctx, "room", "u1", "a", "")
	f.rooms.AddMessage(f.ctx, "room", "u1", "b", "")
	keysBefore := f.kv.Len()

	f.clock.Advance(10 * time.Minute)
	if _, err := f.rooms.EditMessage(f.ctx, "room", m.ID, "a2"); err != nil {
		t.Fatalf("EditMessage() error: %v", err)
	}

	if got := f.kv.Len(); got != keysBefore {
		t.Errorf("key count changed from %d to %d (staging key leaked?)", keysBefore, got)
	}
	ttl, _ := f.kv.TTL(f.ctx, keyspace.RoomMessages("room"))
	if ttl != 30*time.Minute {
		t.Errorf("log ttl = %v, want 30m", ttl)
	}
}

// renameHook runs before each Rename, standing in for a teardown that lands
// between the load and the swap of a log rewrite.
type renameHook struct {
	kv.Store
	before func()
}

func (h *renameHook) Rename(ctx context.Context, src, dst string) error {
	if h.before != nil {
		h.before()
	}
	return h.Store.Rename(ctx, src, dst)
}

func TestRewriteAfterTeardownLeavesNoLog(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")
	m, _ := f.rooms.AddMessage(f.ctx, "room", "u1", "a", "")
	f.rooms.AddMessage(f.ctx, "room", "u1", "b", "")

	hook := &renameHook{Store: f.kv, before: func() {
		if _, err := f.rooms.Delete(f.ctx, "room"); err != nil {
			t.Errorf("Delete() error: %v", err)
		}
	}}
	racing := NewStore(hook, f.sessions, keyspace.TTLPolicy{Room: time.Hour, Message: 30 * time.Minute})

	if _, err := racing.EditMessage(f.ctx, "room", m.ID, "a2"); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("EditMessage() = %v, want ErrNotInRoom", err)
	}
	if ok, _ := f.kv.Exists(f.ctx, keyspace.RoomMessages("room")); ok {
		t.Fatal("log of the ended room was resurrected")
	}
	// Only the two session pointers remain.
	if n := f.kv.Len(); n != 2 {
		t.Fatalf("expected 2 keys, got %d", n)
	}
}

func TestConcurrentSendersNeverTear(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "room", "u1", "u2")

	var wg sync.WaitGroup
	for _, sender := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := f.rooms.AddMessage(f.ctx, "room", sender, fmt.Sprintf("%s-%d", sender, i), ""); err != nil {
					t.Errorf("AddMessage() error: %v", err)
				}
			}
		}(sender)
	}
	wg.Wait()

	msgs, err := f.rooms.Messages(f.ctx, "room")
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}

	// Per-sender order is preserved even though the interleaving is not.
	next := map[string]int{}
	for _, m := range msgs {
		want := fmt.Sprintf("%s-%d", m.SenderID, next[m.SenderID])
		if m.Text != want {
			t.Fatalf("sender %s: got %q, want %q", m.SenderID, m.Text, want)
		}
		next[m.SenderID]++
	}
}
