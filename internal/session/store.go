package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all participant hashes.
	SessionPrefix = "participant:"

	// SessionTTL is the time-to-live for participant keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the participant state machine.
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusMatched   = "matched"
	StatusInCall    = "in_call"
)

// Session represents a participant's state stored in Redis.
type Session struct {
	ID          string `redis:"id"`
	Status      string `redis:"status"`      // idle | searching | matched | in_call
	RoomID      string `redis:"room_id"`     // empty when not in a room
	PeerID      string `redis:"peer_id"`     // empty when not in a room
	Server      string `redis:"server"`      // which signaling server instance owns the connection
	Identity    string `redis:"identity"`    // externally issued device identity, stable across reconnects
	Preferences string `redis:"preferences"` // JSON snapshot supplied at start_searching
	CreatedAt   int64  `redis:"created_at"`  // unix timestamp
	LastActive  int64  `redis:"last_active"` // unix timestamp
}

// InRoom reports whether the participant currently belongs to a room.
func (s *Session) InRoom() bool {
	return s.RoomID != ""
}

// Store manages participant state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this signaling server instance
}

// NewStore creates a new participant store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used by services that
// already hold a connection and by tests.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new participant in Redis with idle status and 1h TTL.
// Identity is the externally issued device identity; it outlives the
// per-connection participant id and is what abuse bans key on.
func (s *Store) Create(ctx context.Context, participantID, identity string) error {
	key := SessionPrefix + participantID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          participantID,
		"status":      StatusIdle,
		"room_id":     "",
		"peer_id":     "",
		"server":      s.serverName,
		"identity":    identity,
		"preferences": "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a participant from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, participantID string) (*Session, error) {
	key := SessionPrefix + participantID
	var sess Session
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// StartSearching stores the preference snapshot and moves the participant to
// searching. Valid only from idle; the wsserver enforces that before calling.
func (s *Store) StartSearching(ctx context.Context, participantID string, preferencesJSON string) error {
	key := SessionPrefix + participantID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"status", StatusSearching,
		"preferences", preferencesJSON,
		"last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetMatched records the room assignment produced by the matching pool and
// moves the participant to matched.
func (s *Store) SetMatched(ctx context.Context, participantID, roomID, peerID string) error {
	key := SessionPrefix + participantID
	return s.client.HSet(ctx, key,
		"status", StatusMatched,
		"room_id", roomID,
		"peer_id", peerID,
		"last_active", time.Now().Unix()).Err()
}

// SetInCall moves a matched participant to in_call once their media path is
// working (at least one active producer and a completed signaling round-trip).
func (s *Store) SetInCall(ctx context.Context, participantID string) error {
	key := SessionPrefix + participantID
	return s.client.HSet(ctx, key,
		"status", StatusInCall,
		"last_active", time.Now().Unix()).Err()
}

// ClearRoom removes the room assignment and resets status to idle. This is
// the tail of every terminal transition: "ended" exists only on the way
// through cleanup.
func (s *Store) ClearRoom(ctx context.Context, participantID string) error {
	key := SessionPrefix + participantID
	return s.client.HSet(ctx, key,
		"room_id", "",
		"peer_id", "",
		"status", StatusIdle,
		"last_active", time.Now().Unix()).Err()
}

// SetIdle resets status to idle without touching the room fields (used after
// a search timeout, where no room ever existed).
func (s *Store) SetIdle(ctx context.Context, participantID string) error {
	key := SessionPrefix + participantID
	return s.client.HSet(ctx, key,
		"status", StatusIdle,
		"last_active", time.Now().Unix()).Err()
}

// RefreshTTL extends the participant's TTL.
func (s *Store) RefreshTTL(ctx context.Context, participantID string) error {
	key := SessionPrefix + participantID
	return s.client.Expire(ctx, key, SessionTTL).Err()
}

// Delete removes a participant from Redis.
func (s *Store) Delete(ctx context.Context, participantID string) error {
	key := SessionPrefix + participantID
	return s.client.Del(ctx, key).Err()
}

// Exists reports whether the participant key is still live. The matcher's
// cleanup sweep uses this to drop pool entries of vanished participants.
func (s *Store) Exists(ctx context.Context, participantID string) (bool, error) {
	n, err := s.client.Exists(ctx, SessionPrefix+participantID).Result()
	return n > 0, err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
