// Package presence tracks which connection handles each user currently has
// open. The sets carry no TTL; entries are removed explicitly on disconnect.
package presence

import (
	"context"
	"fmt"

	"github.com/pairchat/server/internal/keyspace"
	"github.com/pairchat/server/internal/kv"
)

// Registry stores user -> connection-set mappings in the shared store.
type Registry struct {
	store kv.Store
}

// NewRegistry creates a Registry on the given store.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store}
}

// Add records connID as one of userID's connections. Adding an existing
// handle is a no-op.
func (r *Registry) Add(ctx context.Context, userID, connID string) error {
	if err := r.store.SAdd(ctx, keyspace.UserConnections(userID), connID); err != nil {
		return fmt.Errorf("presence: add %s/%s: %w", userID, connID, err)
	}
	return nil
}

// Remove drops connID from userID's connections and reports whether the user
// has no connections left. Removing an absent handle is not an error.
func (r *Registry) Remove(ctx context.Context, userID, connID string) (offline bool, err error) {
	key := keyspace.UserConnections(userID)
	if err := r.store.SRem(ctx, key, connID); err != nil {
		return false, fmt.Errorf("presence: remove %s/%s: %w", userID, connID, err)
	}
	n, err := r.store.SCard(ctx, key)
	if err != nil {
		return false, fmt.Errorf("presence: count %s: %w", userID, err)
	}
	return n == 0, nil
}

// List returns a snapshot of userID's connection handles. The snapshot may
// already be stale when it is used; it only drives best-effort fan-out.
func (r *Registry) List(ctx context.Context, userID string) ([]string, error) {
	conns, err := r.store.SMembers(ctx, keyspace.UserConnections(userID))
	if err != nil {
		return nil, fmt.Errorf("presence: list %s: %w", userID, err)
	}
	return conns, nil
}

// Online reports whether userID has at least one connection.
func (r *Registry) Online(ctx context.Context, userID string) (bool, error) {
	n, err := r.store.SCard(ctx, keyspace.UserConnections(userID))
	if err != nil {
		return false, fmt.Errorf("presence: count %s: %w", userID, err)
	}
	return n > 0, nil
}
