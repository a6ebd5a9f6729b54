// Package rediskv implements kv.Store on Redis using go-redis. Batched
// operations are pipelined; compare-and-delete runs as a Lua script so the
// check and the delete happen on the server in one step.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/kv"
)

var log = logrus.WithField("component", "rediskv")

// Store is a kv.Store backed by a Redis client.
type Store struct {
	client    *redis.Client
	casScript *redis.Script
}

var _ kv.Store = (*Store)(nil)

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{
		client:    client,
		casScript: redis.NewScript(compareAndDeleteLua),
	}
}

// Dial connects to Redis and verifies the connection. addr is either a
// host:port pair or a redis:// (rediss://) URL.
func Dial(ctx context.Context, addr string) (*Store, error) {
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("rediskv: parse url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rediskv: connection failed: %w", wrap(err))
	}

	log.WithField("addr", opts.Addr).Info("connected to redis")
	return New(client), nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", wrap(err)
	}
	return val, nil
}

func (s *Store) SetNX(ctx context.Context, ttl time.Duration, entries ...kv.Entry) ([]bool, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(entries))
	for i, e := range entries {
		cmds[i] = pipe.SetNX(ctx, e.Key, e.Value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap(err)
	}

	results := make([]bool, len(cmds))
	for i, cmd := range cmds {
		results[i] = cmd.Val()
	}
	return results, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := s.casScript.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, wrap(err)
	}
	return n == 1, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *Store) Expire(ctx context.Context, ttl time.Duration, keys ...string) error {
	switch len(keys) {
	case 0:
		return nil
	case 1:
		return wrap(s.client.Expire(ctx, keys[0], ttl).Err())
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrap(err)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	// go-redis passes the -2/-1 sentinels through unscaled.
	switch d {
	case -2:
		return 0, kv.ErrNotFound
	case -1:
		return kv.NoExpiry, nil
	}
	return d, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap(s.client.SAdd(ctx, key, toArgs(members)...).Err())
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap(s.client.SRem(ctx, key, toArgs(members)...).Err())
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return members, nil
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return wrap(s.client.RPush(ctx, key, toArgs(values)...).Err())
}

func (s *Store) LRange(ctx context.Context, key string) ([]string, error) {
	items, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return items, nil
}

func (s *Store) Rename(ctx context.Context, src, dst string) error {
	err := s.client.Rename(ctx, src, dst).Err()
	if err != nil && strings.Contains(err.Error(), "no such key") {
		return kv.ErrNotFound
	}
	return wrap(err)
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap(s.client.Ping(ctx).Err())
}

func (s *Store) Close() error {
	return s.client.Close()
}

// wrap maps go-redis errors onto the kv error taxonomy. Replies from the
// server keep their message; anything else (dial, timeout, closed pool) is a
// connectivity failure.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return kv.ErrNotFound
	}

	var rerr redis.Error
	if errors.As(err, &rerr) {
		if strings.HasPrefix(rerr.Error(), "WRONGTYPE") {
			return fmt.Errorf("%w: %v", kv.ErrWrongType, err)
		}
		return fmt.Errorf("rediskv: %w", err)
	}
	return fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// compareAndDeleteLua deletes KEYS[1] only when it still holds ARGV[1].
const compareAndDeleteLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
