package matching

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sparkdate/video-app/internal/messaging"
	"github.com/sparkdate/video-app/internal/metrics"
	"github.com/sparkdate/video-app/internal/preference"
	"github.com/sparkdate/video-app/internal/room"
)

const (
	matchInterval = 2 * time.Second
	matchTimeout  = 30 * time.Second // give up searching after this
)

// SearchRequest is the NATS payload sent by a signaling server when a
// participant starts searching.
type SearchRequest struct {
	ParticipantID string                 `json:"participant_id"`
	Preferences   preference.Preferences `json:"preferences"`
}

// CancelRequest is the NATS payload sent when a participant stops searching
// or disconnects while queued.
type CancelRequest struct {
	ParticipantID string `json:"participant_id"`
}

// Service is the background matcher that pairs mutually compatible
// participants from the pool and forms rooms for them.
type Service struct {
	pool      Pool
	nats      *messaging.NATSClient
	rdb       *redis.Client
	roomStore *room.Store
	timeout   time.Duration
	deadline  time.Duration // media-setup deadline handed to new rooms
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewService creates a matcher service over the given pool. A nil pool gets
// the Redis-backed one, which is what a multi-instance deployment wants.
func NewService(rdb *redis.Client, nats *messaging.NATSClient, pool Pool) *Service {
	if pool == nil {
		pool = NewRedisPool(rdb)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		pool:      pool,
		nats:      nats,
		rdb:       rdb,
		roomStore: room.NewStore(rdb),
		timeout:   matchTimeout,
		deadline:  room.DefaultFormingDeadline,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetTimeout overrides the search timeout (used by configuration and tests).
func (s *Service) SetTimeout(d time.Duration) { s.timeout = d }

// Start subscribes to NATS subjects and starts the matching loop.
func (s *Service) Start() error {
	if err := s.nats.SubscribeMatchRequest(s.handleSearchRequest); err != nil {
		return err
	}
	if err := s.nats.SubscribeMatchCancel(s.handleCancelRequest); err != nil {
		return err
	}

	go s.matchLoop()
	go StartCleanup(s.ctx, s.pool, s.rdb, s.roomStore, s.nats)

	log.Println("[matcher] service started")
	return nil
}

// Stop gracefully shuts down the matcher.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matcher] service stopped")
}

func (s *Service) handleSearchRequest(data []byte) {
	var req SearchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matcher] invalid search request: %v", err)
		return
	}

	entry := Entry{
		ParticipantID: req.ParticipantID,
		Preferences:   req.Preferences.Normalize(),
		EnqueuedAt:    time.Now(),
	}
	if err := s.pool.Enqueue(s.ctx, entry); err != nil {
		log.Printf("[matcher] enqueue %s: %v", req.ParticipantID, err)
		return
	}

	size, _ := s.pool.Size(s.ctx)
	metrics.PoolSize.Set(float64(size))
	log.Printf("[matcher] enqueued %s (pool size: %d)", req.ParticipantID, size)
}

func (s *Service) handleCancelRequest(data []byte) {
	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matcher] invalid cancel request: %v", err)
		return
	}

	removed, err := s.pool.Dequeue(s.ctx, req.ParticipantID)
	if err != nil {
		log.Printf("[matcher] dequeue %s: %v", req.ParticipantID, err)
		return
	}
	if removed {
		log.Printf("[matcher] dequeued %s (cancelled)", req.ParticipantID)
	}
}

// matchLoop drives the pairing algorithm on a fixed interval.
func (s *Service) matchLoop() {
	ticker := time.NewTicker(matchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matcher] match loop stopped")
			return
		case <-ticker.C:
			s.processPool()
		}
	}
}

// processPool first expires participants who waited past the search timeout,
// then drains every currently available compatible pair.
func (s *Service) processPool() {
	ctx := s.ctx

	entries, err := s.pool.Waiting(ctx)
	if err != nil {
		log.Printf("[matcher] failed to read pool: %v", err)
		return
	}
	for _, entry := range entries {
		if time.Since(entry.EnqueuedAt) >= s.timeout {
			s.handleTimeout(ctx, entry.ParticipantID)
		}
	}

	for {
		pair, err := s.pool.TryMatch(ctx)
		if err != nil {
			log.Printf("[matcher] try match: %v", err)
			return
		}
		if pair == nil {
			break
		}
		if pair.A.ParticipantID == pair.B.ParticipantID {
			log.Printf("[matcher] %v: pair shares participant %s", ErrPoolInvariant, pair.A.ParticipantID)
			continue
		}
		s.handleMatch(ctx, pair)
	}

	if size, err := s.pool.Size(ctx); err == nil {
		metrics.PoolSize.Set(float64(size))
	}
}

// handleMatch forms a room for the pair and notifies both sides.
func (s *Service) handleMatch(ctx context.Context, pair *Pair) {
	roomID := uuid.New().String()

	if err := s.roomStore.Create(ctx, roomID, pair.A.ParticipantID, pair.B.ParticipantID, s.deadline); err != nil {
		log.Printf("[matcher] create room %s: %v", roomID, err)
		// Without a room neither side can proceed; put both back.
		_ = s.pool.Enqueue(ctx, pair.A)
		_ = s.pool.Enqueue(ctx, pair.B)
		return
	}

	if err := PublishMatchFound(s.nats, roomID, pair); err != nil {
		log.Printf("[matcher] publish match: %v", err)
	}

	metrics.MatchesTotal.Inc()
	metrics.MatchDuration.Observe(time.Since(pair.A.EnqueuedAt).Seconds())
	metrics.MatchDuration.Observe(time.Since(pair.B.EnqueuedAt).Seconds())
}

// handleTimeout removes a participant who waited past the search timeout.
// The dequeue is the atomic decision point: if the entry was already taken
// by a match or cancel, no timeout is sent.
func (s *Service) handleTimeout(ctx context.Context, participantID string) {
	removed, err := s.pool.Dequeue(ctx, participantID)
	if err != nil {
		log.Printf("[matcher] timeout dequeue %s: %v", participantID, err)
		return
	}
	if !removed {
		return
	}

	msg := MatchResult{Timeout: true}
	data, _ := json.Marshal(msg)
	if err := s.nats.PublishMatchFound(participantID, data); err != nil {
		log.Printf("[matcher] publish timeout for %s: %v", participantID, err)
	}

	log.Printf("[matcher] search timeout for %s (%s)", participantID, s.timeout)
}
