// Package kv defines the key-value store capability the chat server is built
// on. Every operation is atomic on a single key; nothing is atomic across keys.
// Composite operations (pairing, teardown, log rewrite) are built on top of
// these primitives by the callers and must tolerate partial completion.
//
// Two implementations exist: rediskv (production, go-redis) and memkv
// (in-process, with a controllable clock for TTL simulation).
package kv

import (
	"context"
	"errors"
	"time"
)

// NoExpiry is returned by TTL for a key that exists without a time-to-live.
const NoExpiry time.Duration = -1

var (
	// ErrNotFound is returned when a key does not exist (or has expired).
	ErrNotFound = errors.New("kv: key not found")

	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("kv: store unavailable")

	// ErrWrongType is returned when an operation targets a key holding a
	// different kind of value.
	ErrWrongType = errors.New("kv: wrong value type for key")
)

// Entry is a key/value pair used by batched writes.
type Entry struct {
	Key   string
	Value string
}

// Store is the storage capability injected into every component.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the string value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetNX sets each entry only if its key is absent, applying ttl to the
	// keys it wrote. The entries are sent as one batch but the batch is NOT
	// atomic: the returned slice reports per entry whether it was written.
	SetNX(ctx context.Context, ttl time.Duration, entries ...Entry) ([]bool, error)

	// CompareAndDelete deletes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Del removes keys and returns how many existed; missing keys are
	// ignored. Of several concurrent deletes of one key exactly one counts it.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Expire sets ttl on every existing key in keys; missing keys are ignored.
	Expire(ctx context.Context, ttl time.Duration, keys ...string) error

	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time-to-live, NoExpiry for a persistent key,
	// or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer at key, creating it at 0 first.
	Incr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// RPush appends values to the list at key, creating it if needed.
	RPush(ctx context.Context, key string, values ...string) error

	// LRange returns the whole list at key; a missing key is an empty list.
	LRange(ctx context.Context, key string) ([]string, error)

	// Rename atomically moves src over dst, keeping src's TTL.
	Rename(ctx context.Context, src, dst string) error

	Ping(ctx context.Context) error
	Close() error
}
