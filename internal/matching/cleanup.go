package matching

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sparkdate/video-app/internal/messaging"
	"github.com/sparkdate/video-app/internal/room"
	"github.com/sparkdate/video-app/internal/session"
)

const cleanupInterval = 5 * time.Second

// StartCleanup runs background sweeps that remove stale pool entries, time
// out rooms stuck in forming past their media-setup deadline, and
// force-close rooms stuck in ending past the release grace.
func StartCleanup(ctx context.Context, pool Pool, rdb *redis.Client, rooms *room.Store, nats *messaging.NATSClient) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	sessions := session.NewStoreWithClient(rdb, "")

	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			cleanStaleEntries(ctx, pool, sessions)
			sweepFormingRooms(ctx, rooms, nats)
			sweepEndingRooms(ctx, rooms)
		}
	}
}

// cleanStaleEntries removes pool entries whose participant session no longer
// exists in Redis (disconnected or expired). The pool's dequeue primitive is
// mutually exclusive with the take-pair scan, so a swept participant can
// never still be matched.
func cleanStaleEntries(ctx context.Context, pool Pool, sessions *session.Store) {
	entries, err := pool.Waiting(ctx)
	if err != nil {
		log.Printf("[matcher] cleanup: failed to read pool: %v", err)
		return
	}

	removed := 0
	for _, entry := range entries {
		exists, err := sessions.Exists(ctx, entry.ParticipantID)
		if err != nil {
			continue
		}
		if !exists {
			ok, err := pool.Dequeue(ctx, entry.ParticipantID)
			if err != nil {
				log.Printf("[matcher] cleanup: failed to dequeue %s: %v", entry.ParticipantID, err)
			} else if ok {
				removed++
			}
		}
	}

	if removed > 0 {
		log.Printf("[matcher] cleanup: removed %d stale entries", removed)
	}
}

// sweepFormingRooms terminates rooms that missed their media-setup deadline.
// Only the termination winner publishes, so both peers get exactly one
// match_ended even when a wsserver terminated the room concurrently.
func sweepFormingRooms(ctx context.Context, rooms *room.Store, nats *messaging.NATSClient) {
	roomIDs, err := rooms.ExpiredForming(ctx, time.Now())
	if err != nil {
		return
	}

	for _, roomID := range roomIDs {
		r, won, err := rooms.BeginTermination(ctx, roomID, room.ReasonMediaSetupTimeout)
		if err != nil {
			if err != room.ErrNotFound {
				log.Printf("[matcher] sweep: terminate %s: %v", roomID, err)
			}
			continue
		}
		if !won {
			continue
		}

		// Neither side is at fault on a setup timeout; requeue both.
		for _, pid := range []string{r.ParticipantA, r.ParticipantB} {
			notice, _ := json.Marshal(messaging.RoomNotice{
				Event:   messaging.NoticeMatchEnded,
				RoomID:  roomID,
				Reason:  room.ReasonMediaSetupTimeout,
				Requeue: true,
			})
			if err := nats.PublishRoomNotify(pid, notice); err != nil {
				log.Printf("[matcher] sweep: notify %s: %v", pid, err)
			}
		}

		log.Printf("[matcher] media-setup deadline expired for room=%s", roomID)
	}
}

// sweepEndingRooms force-closes rooms whose release grace expired. A hung
// media-service call on either side must not leave a room in ending forever.
func sweepEndingRooms(ctx context.Context, rooms *room.Store) {
	roomIDs, err := rooms.ExpiredEnding(ctx, time.Now())
	if err != nil {
		return
	}

	for _, roomID := range roomIDs {
		closed, err := rooms.Close(ctx, roomID)
		if err != nil && err != room.ErrNotFound {
			log.Printf("[matcher] sweep: close %s: %v", roomID, err)
			continue
		}
		if closed {
			log.Printf("[matcher] sweep: force-closed room=%s after release grace", roomID)
		}
	}
}
