// Package memkv is an in-process kv.Store. It backs single-instance
// deployments (STORE_TYPE=memory) and tests; the clock is injectable so tests
// can simulate TTL expiry deterministically.
package memkv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pairchat/server/internal/kv"
)

type kind int

const (
	kindString kind = iota
	kindSet
	kindList
)

type item struct {
	kind     kind
	str      string
	set      map[string]struct{}
	list     []string
	expireAt time.Time // zero means no expiry
}

// Store is a mutex-guarded map of items with lazy expiry.
type Store struct {
	mu    sync.Mutex
	items map[string]*item
	now   func() time.Time
}

var _ kv.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*item),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live item at key, evicting it first if it has expired.
// Callers must hold s.mu.
func (s *Store) lookup(key string) *item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if !it.expireAt.IsZero() && !s.now().Before(it.expireAt) {
		delete(s.items, key)
		return nil
	}
	return it
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil {
		return "", kv.ErrNotFound
	}
	if it.kind != kindString {
		return "", kv.ErrWrongType
	}
	return it.str, nil
}

func (s *Store) SetNX(_ context.Context, ttl time.Duration, entries ...kv.Entry) ([]bool, error) {
	results := make([]bool, len(entries))
	// Each entry takes the lock on its own, mirroring a pipeline where other
	// clients may interleave between commands.
	for i, e := range entries {
		s.mu.Lock()
		if s.lookup(e.Key) == nil {
			s.items[e.Key] = &item{kind: kindString, str: e.Value, expireAt: s.deadline(ttl)}
			results[i] = true
		}
		s.mu.Unlock()
	}
	return results, nil
}

func (s *Store) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil || it.kind != kindString || it.str != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, key := range keys {
		if s.lookup(key) != nil {
			n++
		}
		delete(s.items, key)
	}
	return n, nil
}

func (s *Store) Expire(_ context.Context, ttl time.Duration, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		it := s.lookup(key)
		if it == nil {
			continue
		}
		if ttl <= 0 {
			delete(s.items, key)
			continue
		}
		it.expireAt = s.now().Add(ttl)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(key) != nil, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil {
		return 0, kv.ErrNotFound
	}
	if it.expireAt.IsZero() {
		return kv.NoExpiry, nil
	}
	return it.expireAt.Sub(s.now()), nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil {
		it = &item{kind: kindString, str: "0"}
		s.items[key] = it
	}
	if it.kind != kindString {
		return 0, kv.ErrWrongType
	}
	n, err := strconv.ParseInt(it.str, 10, 64)
	if err != nil {
		return 0, kv.ErrWrongType
	}
	n++
	it.str = strconv.FormatInt(n, 10)
	return n, nil
}

// setFor returns the set at key, creating it when create is true. Callers
// must hold s.mu.
func (s *Store) setFor(key string, create bool) (*item, error) {
	it := s.lookup(key)
	if it == nil {
		if !create {
			return nil, nil
		}
		it = &item{kind: kindSet, set: make(map[string]struct{})}
		s.items[key] = it
	}
	if it.kind != kindSet {
		return nil, kv.ErrWrongType
	}
	return it, nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.setFor(key, true)
	if err != nil {
		return err
	}
	for _, m := range members {
		it.set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.setFor(key, false)
	if err != nil || it == nil {
		return err
	}
	for _, m := range members {
		delete(it.set, m)
	}
	// Redis drops empty aggregates.
	if len(it.set) == 0 {
		delete(s.items, key)
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.setFor(key, false)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return []string{}, nil
	}
	members := make([]string, 0, len(it.set))
	for m := range it.set {
		members = append(members, m)
	}
	return members, nil
}

func (s *Store) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.setFor(key, false)
	if err != nil || it == nil {
		return 0, err
	}
	return int64(len(it.set)), nil
}

func (s *Store) RPush(_ context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil {
		it = &item{kind: kindList}
		s.items[key] = it
	}
	if it.kind != kindList {
		return kv.ErrWrongType
	}
	it.list = append(it.list, values...)
	return nil
}

func (s *Store) LRange(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(key)
	if it == nil {
		return []string{}, nil
	}
	if it.kind != kindList {
		return nil, kv.ErrWrongType
	}
	out := make([]string, len(it.list))
	copy(out, it.list)
	return out, nil
}

func (s *Store) Rename(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.lookup(src)
	if it == nil {
		return kv.ErrNotFound
	}
	delete(s.items, src)
	s.items[dst] = it
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Len reports the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.items {
		if s.lookup(key) != nil {
			n++
		}
	}
	return n
}
