package room

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RoomPrefix = "room:"
	FormingKey = "rooms:forming" // sorted set, score = media-setup deadline (unix)
	EndingKey  = "rooms:ending"  // sorted set, score = release-grace deadline (unix)

	// RoomTTLForming bounds how long an unconfirmed room may linger.
	RoomTTLForming = 60 * time.Second
	// RoomTTLActive bounds a call's total length in Redis.
	RoomTTLActive = 2 * time.Hour
	// RoomTTLClosed keeps a closed room briefly visible so stale client
	// messages resolve to "room closed" instead of "room not found".
	RoomTTLClosed = 60 * time.Second

	// DefaultFormingDeadline is the media-setup timeout.
	DefaultFormingDeadline = 15 * time.Second

	// ReleaseGrace bounds how long an ending room waits for both sides to
	// confirm handle release before the sweep closes it anyway. A hung
	// media-service call must never wedge a room in ending.
	ReleaseGrace = 10 * time.Second
)

// ErrNotFound is returned when the room id does not resolve (stale client
// id). Callers answer with an error event and change no state.
var ErrNotFound = errors.New("room: not found")

// ErrNotParticipant is returned when the caller is not one of the room's two
// participants.
var ErrNotParticipant = errors.New("room: participant not in room")

// ErrClosed is returned for operations on a closed room.
var ErrClosed = errors.New("room: already closed")

// ErrNotActive is returned for operations that need the room open but
// arrived while it was still forming.
var ErrNotActive = errors.New("room: not active yet")

// Store manages room state in Redis.
type Store struct {
	rdb           *redis.Client
	readyScript   *redis.Script
	likeScript    *redis.Script
	endScript     *redis.Script
	releaseScript *redis.Script
	closeScript   *redis.Script
}

// NewStore creates a room store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:           rdb,
		readyScript:   redis.NewScript(markReadyLua),
		likeScript:    redis.NewScript(recordLikeLua),
		endScript:     redis.NewScript(beginTerminationLua),
		releaseScript: redis.NewScript(confirmReleasedLua),
		closeScript:   redis.NewScript(closeLua),
	}
}

// Create stores a new forming room for the pair and registers its
// media-setup deadline for the sweep. A fresh room id is required for every
// pairing; ids are never reused.
func (s *Store) Create(ctx context.Context, roomID, participantA, participantB string, deadline time.Duration) error {
	key := RoomPrefix + roomID
	now := time.Now().Unix()

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"participant_a": participantA,
		"participant_b": participantB,
		"status":        StatusForming,
		"created_at":    now,
		"ended_at":      0,
		"end_reason":    "",
		"liked_a":       "false",
		"liked_b":       "false",
		"ready_a":       "false",
		"ready_b":       "false",
		"released_a":    "false",
		"released_b":    "false",
	})
	pipe.Expire(ctx, key, RoomTTLForming)
	pipe.ZAdd(ctx, FormingKey, redis.Z{
		Score:  float64(now + int64(deadline.Seconds())),
		Member: roomID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a room snapshot. Returns ErrNotFound if the id does not
// resolve.
func (s *Store) Get(ctx context.Context, roomID string) (*Room, error) {
	result, err := s.rdb.HGetAll(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}

	createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
	endedAt, _ := strconv.ParseInt(result["ended_at"], 10, 64)

	return &Room{
		ID:           roomID,
		ParticipantA: result["participant_a"],
		ParticipantB: result["participant_b"],
		Status:       result["status"],
		CreatedAt:    createdAt,
		EndedAt:      endedAt,
		EndReason:    result["end_reason"],
		LikedA:       result["liked_a"] == "true",
		LikedB:       result["liked_b"] == "true",
		ReadyA:       result["ready_a"] == "true",
		ReadyB:       result["ready_b"] == "true",
	}, nil
}

// MarkMediaReady records that one participant's media path works. It returns
// true exactly once, on the call that completes both sides and flips the
// room from forming to active.
func (s *Store) MarkMediaReady(ctx context.Context, roomID, participantID string) (bool, error) {
	res, err := s.readyScript.Run(ctx, s.rdb, []string{RoomPrefix + roomID, FormingKey}, participantID, roomID).Int()
	if err != nil {
		return false, fmt.Errorf("room: mark media ready: %w", err)
	}
	switch res {
	case 1:
		// Both ready, room just activated; extend to the call TTL.
		s.rdb.Expire(ctx, RoomPrefix+roomID, RoomTTLActive)
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, ErrNotFound
	case -2:
		return false, ErrClosed
	default:
		return false, ErrNotParticipant
	}
}

// RecordLike records a like vote for the participant. Idempotent: a repeated
// vote is a no-op. Returns true exactly once per room, on the vote that
// completes the pair, regardless of vote order. Votes are accepted while the
// room is active or ending; a forming room is too early and a closed room
// too late, with distinct errors so clients can tell which.
func (s *Store) RecordLike(ctx context.Context, roomID, participantID string) (bool, error) {
	res, err := s.likeScript.Run(ctx, s.rdb, []string{RoomPrefix + roomID}, participantID).Int()
	if err != nil {
		return false, fmt.Errorf("room: record like: %w", err)
	}
	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, ErrNotFound
	case -2:
		return false, ErrClosed
	case -4:
		return false, ErrNotActive
	default:
		return false, ErrNotParticipant
	}
}

// BeginTermination moves a forming or active room to ending. It returns the
// room snapshot and true iff this caller won the transition; concurrent or
// repeated callers get false and must perform no further teardown. The room
// is removed from the forming sweep either way.
func (s *Store) BeginTermination(ctx context.Context, roomID, reason string) (*Room, bool, error) {
	now := time.Now().Unix()
	res, err := s.endScript.Run(ctx, s.rdb, []string{RoomPrefix + roomID, FormingKey, EndingKey},
		reason, now, roomID, now+int64(ReleaseGrace.Seconds())).Int()
	if err != nil {
		return nil, false, fmt.Errorf("room: begin termination: %w", err)
	}
	if res == -1 {
		return nil, false, ErrNotFound
	}

	r, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	return r, res == 1, nil
}

// ConfirmReleased records that one participant's media handles are fully
// released. When both sides have confirmed, the room transitions from ending
// to closed; the call that completes the pair returns true.
func (s *Store) ConfirmReleased(ctx context.Context, roomID, participantID string) (bool, error) {
	res, err := s.releaseScript.Run(ctx, s.rdb,
		[]string{RoomPrefix + roomID, EndingKey}, participantID, roomID).Int()
	if err != nil {
		return false, fmt.Errorf("room: confirm released: %w", err)
	}
	switch res {
	case 1:
		s.rdb.Expire(ctx, RoomPrefix+roomID, RoomTTLClosed)
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, ErrNotFound
	default:
		return false, ErrNotParticipant
	}
}

// Close force-closes an ending room without waiting for release
// confirmations. The sweep uses it when the release grace expired (a hung
// external-service call: assume failed, clean up anyway). Exactly-once: only
// the first caller gets true.
func (s *Store) Close(ctx context.Context, roomID string) (bool, error) {
	res, err := s.closeScript.Run(ctx, s.rdb, []string{RoomPrefix + roomID, EndingKey}, roomID).Int()
	if err != nil {
		return false, fmt.Errorf("room: close: %w", err)
	}
	if res == 1 {
		s.rdb.Expire(ctx, RoomPrefix+roomID, RoomTTLClosed)
		return true, nil
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return false, nil
}

// ExpiredForming returns the ids of rooms whose media-setup deadline passed
// without both sides confirming. The sweep terminates them with
// media-setup-timeout.
func (s *Store) ExpiredForming(ctx context.Context, now time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, FormingKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
}

// ExpiredEnding returns the ids of ending rooms whose release grace passed
// without both confirmations. The sweep force-closes them.
func (s *Store) ExpiredEnding(ctx context.Context, now time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, EndingKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
}

// markReadyLua flips one participant's ready flag and reports the
// forming->active edge exactly once.
//
//	 1 = both sides now ready, room transitioned to active
//	 0 = recorded (or already recorded), still waiting / already active
//	-1 = room not found
//	-2 = room ending or closed
//	-3 = participant not in room
const markReadyLua = `
local key = KEYS[1]
local pid = ARGV[1]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'ending' or status == 'closed' then return -2 end

local a = redis.call('HGET', key, 'participant_a')
local b = redis.call('HGET', key, 'participant_b')

local field
if pid == a then field = 'ready_a'
elseif pid == b then field = 'ready_b'
else return -3 end

redis.call('HSET', key, field, 'true')

if status == 'forming' and
   redis.call('HGET', key, 'ready_a') == 'true' and
   redis.call('HGET', key, 'ready_b') == 'true' then
  redis.call('HSET', key, 'status', 'active')
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`

// recordLikeLua records an idempotent like vote and reports the mutual-like
// edge exactly once, independent of vote order.
//
//	 1 = this vote completed the pair (fire mutual_match)
//	 0 = vote recorded or repeated, pair not (newly) complete
//	-1 = room not found
//	-2 = room closed
//	-3 = participant not in room
//	-4 = room still forming
const recordLikeLua = `
local key = KEYS[1]
local pid = ARGV[1]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status == 'closed' then return -2 end
if status == 'forming' then return -4 end

local a = redis.call('HGET', key, 'participant_a')
local b = redis.call('HGET', key, 'participant_b')

local field
if pid == a then field = 'liked_a'
elseif pid == b then field = 'liked_b'
else return -3 end

if redis.call('HGET', key, field) == 'true' then return 0 end
redis.call('HSET', key, field, 'true')

if redis.call('HGET', key, 'liked_a') == 'true' and
   redis.call('HGET', key, 'liked_b') == 'true' then
  return 1
end
return 0
`

// beginTerminationLua claims the forming/active -> ending transition and
// arms the release-grace deadline.
//
//	 1 = this caller won the transition
//	 0 = already ending or closed (idempotent re-entry)
//	-1 = room not found
const beginTerminationLua = `
local key = KEYS[1]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end

redis.call('ZREM', KEYS[2], ARGV[3])

if status == 'ending' or status == 'closed' then return 0 end

redis.call('HSET', key, 'status', 'ending', 'end_reason', ARGV[1], 'ended_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
return 1
`

// confirmReleasedLua records one side's handle release and claims the
// ending -> closed transition when both sides have confirmed.
//
//	 1 = both released, room closed now
//	 0 = recorded, waiting for the other side (or room not ending yet)
//	-1 = room not found
//	-3 = participant not in room
const confirmReleasedLua = `
local key = KEYS[1]
local pid = ARGV[1]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end

local a = redis.call('HGET', key, 'participant_a')
local b = redis.call('HGET', key, 'participant_b')

local field
if pid == a then field = 'released_a'
elseif pid == b then field = 'released_b'
else return -3 end

redis.call('HSET', key, field, 'true')

if status == 'ending' and
   redis.call('HGET', key, 'released_a') == 'true' and
   redis.call('HGET', key, 'released_b') == 'true' then
  redis.call('HSET', key, 'status', 'closed')
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`

// closeLua force-claims the ending -> closed transition.
//
//	 1 = closed now
//	 0 = already closed or not yet ending
//	-1 = room not found
const closeLua = `
local key = KEYS[1]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end

redis.call('ZREM', KEYS[2], ARGV[1])

if status ~= 'ending' then return 0 end

redis.call('HSET', key, 'status', 'closed')
return 1
`
