package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pairchat/server/internal/keyspace"
	"github.com/pairchat/server/internal/kv"
)

// Store manages session pointers in the shared key-value store.
type Store struct {
	kv  kv.Store
	ttl time.Duration // room window
}

// NewStore creates a pointer store whose pointers live for ttl unless refreshed.
func NewStore(store kv.Store, ttl time.Duration) *Store {
	return &Store{kv: store, ttl: ttl}
}

// ActiveRoom returns the room userID points at, or "" when the user is free.
func (s *Store) ActiveRoom(ctx context.Context, userID string) (string, error) {
	roomID, err := s.kv.Get(ctx, keyspace.UserActiveRoom(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: get pointer %s: %w", userID, err)
	}
	return roomID, nil
}

// Claim points every user in userIDs at roomID, but only where the user has
// no pointer yet. The writes are batched and not atomic across users; the
// result reports per user whether the claim was written.
func (s *Store) Claim(ctx context.Context, roomID string, userIDs ...string) ([]bool, error) {
	entries := make([]kv.Entry, len(userIDs))
	for i, id := range userIDs {
		entries[i] = kv.Entry{Key: keyspace.UserActiveRoom(id), Value: roomID}
	}
	ok, err := s.kv.SetNX(ctx, s.ttl, entries...)
	if err != nil {
		return nil, fmt.Errorf("session: claim %v for %s: %w", userIDs, roomID, err)
	}
	return ok, nil
}

// Release clears userID's pointer only if it still references roomID, so a
// pointer written by a newer pairing is never removed.
func (s *Store) Release(ctx context.Context, userID, roomID string) (bool, error) {
	ok, err := s.kv.CompareAndDelete(ctx, keyspace.UserActiveRoom(userID), roomID)
	if err != nil {
		return false, fmt.Errorf("session: release %s from %s: %w", userID, roomID, err)
	}
	return ok, nil
}

// Refresh resets the pointers of userIDs to the full room window.
func (s *Store) Refresh(ctx context.Context, userIDs ...string) error {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = keyspace.UserActiveRoom(id)
	}
	if err := s.kv.Expire(ctx, s.ttl, keys...); err != nil {
		return fmt.Errorf("session: refresh %v: %w", userIDs, err)
	}
	return nil
}

// TTL returns the remaining lifetime of userID's pointer.
func (s *Store) TTL(ctx context.Context, userID string) (time.Duration, error) {
	return s.kv.TTL(ctx, keyspace.UserActiveRoom(userID))
}
