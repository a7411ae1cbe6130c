// Package ban provides identity-based ban management backed by Redis.
// Bans key on the client's stable device identity, not the per-connection
// participant id, so reconnecting does not shed a ban. Records are simple
// key-value pairs with TTL-based expiry:
//
//	Key:   ban:<identity>
//	Value: <reason>
//	TTL:   ban duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for the per-identity report
	// counters driving the escalating ban system.
	ReportsPrefix = "reports:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is how long the report counter lives. After 24h without
	// new reports the counter resets to zero.
	ReportsTTL = 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3
)

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned checks if an identity is currently banned.
// Returns (isBanned, remainingSeconds, reason, error). Redis errors are
// returned so callers can decide how to handle them; the signaling servers
// fail open.
func (s *Store) IsBanned(ctx context.Context, identity string) (bool, int, string, error) {
	key := BanPrefix + identity

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists but the TTL read failed. Report banned with 0
		// remaining rather than swallowing the ban.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Ban sets a ban on an identity for the given duration and reason. The ban
// expires automatically.
func (s *Store) Ban(ctx context.Context, identity string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+identity, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, identity string) error {
	return s.client.Del(ctx, BanPrefix+identity).Err()
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns the current report counter for an identity. Returns
// 0 if the key does not exist (no reports recorded or counter expired).
func (s *Store) OffenseCount(ctx context.Context, identity string) (int, error) {
	val, err := s.client.Get(ctx, ReportsPrefix+identity).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// ReportAndCheck increments the report counter for an identity and checks
// whether the auto-ban threshold has been reached.
//
// When the threshold is met or exceeded, a ban is applied with a duration
// that escalates with the count:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// The TTL is set only on the first increment, so the 24h window does not
// slide. Returns (banned, duration, error).
func (s *Store) ReportAndCheck(ctx context.Context, identity string, reason string) (bool, time.Duration, error) {
	key := ReportsPrefix + identity

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: report expire: %w", err)
		}
	}

	if count >= AutoBanThreshold {
		duration := escalationDuration(int(count) - AutoBanThreshold + 1)
		if err := s.Ban(ctx, identity, duration, "multiple_reports"); err != nil {
			return false, 0, fmt.Errorf("ban: report ban: %w", err)
		}
		return true, duration, nil
	}
	return false, 0, nil
}
