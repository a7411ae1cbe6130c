package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sparkdate/video-app/internal/preference"
)

const (
	// Redis key patterns for the shared matching pool.
	keyPoolQueue  = "pool:queue"  // Sorted set, score = enqueue timestamp (ms)
	keyPoolPrefix = "pool:entry:" // + <participant_id> -> Hash

	// TTL for pool entries (auto-expire stale keys).
	poolKeyTTL = 60 * time.Second
)

// RedisPool is the multi-instance pool. The candidate scan runs in Go, but
// the take-pair step is a single Lua script that removes both members from
// the queue only if both are still present, so two matcher instances racing
// over overlapping candidates cannot both win the same participant.
type RedisPool struct {
	rdb      *redis.Client
	takePair *redis.Script
}

// takePairLua atomically claims two queued participants. Returns 1 and
// removes both entries iff both are still in the queue; returns 0 and
// removes nothing otherwise.
const takePairLua = `
local removed_a = redis.call('ZREM', KEYS[1], ARGV[1])
if removed_a == 0 then return 0 end

local removed_b = redis.call('ZREM', KEYS[1], ARGV[2])
if removed_b == 0 then
  -- B was taken by someone else: put A back with its original score.
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  return 0
end

redis.call('DEL', KEYS[2], KEYS[3])
return 1
`

// NewRedisPool creates a pool backed by the given Redis client.
func NewRedisPool(rdb *redis.Client) *RedisPool {
	return &RedisPool{
		rdb:      rdb,
		takePair: redis.NewScript(takePairLua),
	}
}

// Enqueue adds the participant to the queue and stores their preference
// snapshot.
func (p *RedisPool) Enqueue(ctx context.Context, entry Entry) error {
	prefs, err := json.Marshal(entry.Preferences)
	if err != nil {
		return fmt.Errorf("matching: marshal preferences: %w", err)
	}

	score := float64(entry.EnqueuedAt.UnixMilli())
	entryKey := keyPoolPrefix + entry.ParticipantID

	pipe := p.rdb.Pipeline()
	pipe.ZAdd(ctx, keyPoolQueue, redis.Z{Score: score, Member: entry.ParticipantID})
	pipe.HSet(ctx, entryKey, map[string]interface{}{
		"preferences": string(prefs),
		"enqueued_at": entry.EnqueuedAt.UnixMilli(),
	})
	pipe.Expire(ctx, entryKey, poolKeyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue removes the participant from the queue. The ZREM is the atomic
// decision point: it reports whether this caller actually removed the entry
// or raced with a take-pair that already claimed it.
func (p *RedisPool) Dequeue(ctx context.Context, participantID string) (bool, error) {
	removed, err := p.rdb.ZRem(ctx, keyPoolQueue, participantID).Result()
	if err != nil {
		return false, err
	}
	p.rdb.Del(ctx, keyPoolPrefix+participantID)
	return removed > 0, nil
}

// TryMatch scans the queue oldest-first for the first mutually compatible
// pair and claims it via the take-pair script. A pair that lost a claim race
// is skipped and the scan continues.
func (p *RedisPool) TryMatch(ctx context.Context) (*Pair, error) {
	entries, err := p.Waiting(ctx)
	if err != nil {
		return nil, err
	}

	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := entries[i], entries[j]
			if !preference.Compatible(a.Preferences, b.Preferences) {
				continue
			}

			claimed, err := p.takePair.Run(ctx, p.rdb,
				[]string{keyPoolQueue, keyPoolPrefix + a.ParticipantID, keyPoolPrefix + b.ParticipantID},
				a.ParticipantID, b.ParticipantID, float64(a.EnqueuedAt.UnixMilli()),
			).Int()
			if err != nil {
				return nil, fmt.Errorf("matching: take pair: %w", err)
			}
			if claimed == 1 {
				return &Pair{A: a, B: b}, nil
			}
			// Lost the race for one of the two; rescan from fresh state.
			return p.TryMatch(ctx)
		}
	}
	return nil, nil
}

// Waiting returns all queued entries, oldest first. Entries whose hash
// expired are skipped; the cleanup sweep removes their queue members.
func (p *RedisPool) Waiting(ctx context.Context) ([]Entry, error) {
	ids, err := p.rdb.ZRange(ctx, keyPoolQueue, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := p.getEntry(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Size returns the number of queued participants.
func (p *RedisPool) Size(ctx context.Context) (int, error) {
	n, err := p.rdb.ZCard(ctx, keyPoolQueue).Result()
	return int(n), err
}

// getEntry loads a participant's pool entry. Returns nil if not found.
func (p *RedisPool) getEntry(ctx context.Context, participantID string) (*Entry, error) {
	result, err := p.rdb.HGetAll(ctx, keyPoolPrefix+participantID).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	var prefs preference.Preferences
	if raw := result["preferences"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
			return nil, fmt.Errorf("matching: corrupt preferences for %s: %w", participantID, err)
		}
	}

	var enqueuedAt time.Time
	if v, ok := result["enqueued_at"]; ok {
		var ms int64
		fmt.Sscanf(v, "%d", &ms)
		enqueuedAt = time.UnixMilli(ms)
	}

	return &Entry{
		ParticipantID: participantID,
		Preferences:   prefs,
		EnqueuedAt:    enqueuedAt,
	}, nil
}

// QueuedIDs returns the raw queue membership, including entries whose hash
// may have expired. Used by the cleanup sweep.
func (p *RedisPool) QueuedIDs(ctx context.Context) ([]string, error) {
	return p.rdb.ZRange(ctx, keyPoolQueue, 0, -1).Result()
}
