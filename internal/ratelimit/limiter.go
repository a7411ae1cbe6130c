// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE window algorithm, for per-participant and per-IP throttling on the
// signaling servers.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleSearch allows 10 search starts per minute per participant. Skip
	// chains re-enter through search, so this also bounds skip churn.
	RuleSearch = Rule{Key: "rl:search:", Limit: 10, Window: time.Minute}

	// RuleConnect allows 5 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: time.Minute}

	// RuleLike allows 20 like votes per minute per participant.
	RuleLike = Rule{Key: "rl:like:", Limit: 20, Window: time.Minute}

	// RuleSignal allows 30 media signaling operations per 10 seconds per
	// participant, enough for a full renegotiation with headroom.
	RuleSignal = Rule{Key: "rl:signal:", Limit: 30, Window: 10 * time.Second}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the rate limit defined by
// rule. It increments the counter and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open so a Redis outage does not block legitimate
// traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key would persist without a TTL and lock the identifier
			// out forever; best effort removal.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}
	return true, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window. Returns the full limit if the key does not exist, and on
// Redis errors (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
