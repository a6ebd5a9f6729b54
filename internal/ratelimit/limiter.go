// Package ratelimit provides store-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Counters live in the shared store, so limits hold
// across every instance serving the same user.
package ratelimit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/kv"
)

var log = logrus.WithField("component", "ratelimit")

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:start:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 20 message operations per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleStartChat allows 10 pairing attempts per minute per user.
	RuleStartChat = Rule{Key: "rl:start:", Limit: 10, Window: time.Minute}
)

// Limiter performs rate limiting checks against the shared store.
type Limiter struct {
	store kv.Store
}

// NewLimiter creates a Limiter backed by the given store.
func NewLimiter(store kv.Store) *Limiter {
	return &Limiter{store: store}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On store
// errors the method fails open (returns true) so that a store outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("incr failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.store.Expire(ctx, rule.Window, key); err != nil {
			log.WithError(err).WithField("key", key).Warn("expire failed, failing open")
			// Without a TTL the counter would persist and block the
			// identifier forever.
			_, _ = l.store.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until the identifier's current window resets.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.store.TTL(ctx, rule.Key+identifier)
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
