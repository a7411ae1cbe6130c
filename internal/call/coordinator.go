// Package call coordinates room termination across signaling instances:
// claiming the end transition exactly once, releasing the local media
// handles, and fanning the outcome out to both participants wherever their
// connections live.
package call

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/sparkdate/video-app/internal/media"
	"github.com/sparkdate/video-app/internal/messaging"
	"github.com/sparkdate/video-app/internal/metrics"
	"github.com/sparkdate/video-app/internal/room"
)

// RoomStore is the room state the coordinator drives. *room.Store satisfies
// it.
type RoomStore interface {
	BeginTermination(ctx context.Context, roomID, reason string) (*room.Room, bool, error)
	ConfirmReleased(ctx context.Context, roomID, participantID string) (bool, error)
}

// SessionStore is the participant state the coordinator resets on room end.
// *session.Store satisfies it.
type SessionStore interface {
	ClearRoom(ctx context.Context, participantID string) error
}

// Notifier delivers room notices to participants across instances.
// *messaging.NATSClient satisfies it.
type Notifier interface {
	PublishRoomNotify(participantID string, data []byte) error
}

// Coordinator ends rooms. Any path that terminates a call (skip, stop,
// disconnect, report, media failure) goes through TerminateRoom so the
// end transition is claimed exactly once and every participant gets exactly
// one match_ended regardless of how many triggers fire.
type Coordinator struct {
	rooms         RoomStore
	sessions      SessionStore
	notifier      Notifier
	registry      *media.Registry
	requeueOnSkip bool
}

// NewCoordinator assembles a coordinator. requeueOnSkip controls whether a
// skipped participant is put straight back into the matching pool.
func NewCoordinator(rooms RoomStore, sessions SessionStore, notifier Notifier, registry *media.Registry, requeueOnSkip bool) *Coordinator {
	return &Coordinator{
		rooms:         rooms,
		sessions:      sessions,
		notifier:      notifier,
		registry:      registry,
		requeueOnSkip: requeueOnSkip,
	}
}

// TerminateRoom moves the room to ending and notifies both participants.
// initiatorID identifies who caused the end (the skipper, the stopper, the
// disconnected side, the reporter); it may be empty for sweeps. Safe to
// call repeatedly and concurrently: only the first caller publishes
// notices, every caller releases whatever local handles it owns.
func (c *Coordinator) TerminateRoom(ctx context.Context, roomID, initiatorID, reason string) error {
	r, won, err := c.rooms.BeginTermination(ctx, roomID, reason)
	if err != nil {
		if err == room.ErrNotFound {
			// Already expired from Redis; nothing left to unwind but local
			// handles.
			c.releaseOrphans(ctx, roomID)
			return nil
		}
		return err
	}

	// Local handle release happens on every call: the losing side of a
	// concurrent terminate still owns managers the winner cannot reach.
	c.ReleaseLocal(ctx, roomID, r.ParticipantA)
	c.ReleaseLocal(ctx, roomID, r.ParticipantB)

	if !won {
		return nil
	}

	log.Printf("[call] room %s ending, reason=%s initiator=%s", roomID, reason, initiatorID)

	wasActive := r.ReadyA && r.ReadyB
	if wasActive {
		metrics.ActiveRooms.Dec()
		if r.CreatedAt > 0 {
			metrics.RoomDuration.Observe(time.Since(time.Unix(r.CreatedAt, 0)).Seconds())
		}
	}
	metrics.RoomsEndedTotal.WithLabelValues(reason).Inc()

	for _, pid := range []string{r.ParticipantA, r.ParticipantB} {
		if err := c.sessions.ClearRoom(ctx, pid); err != nil {
			log.Printf("[call] room %s: clear session %s: %v", roomID, pid, err)
		}
		c.notifyEnded(pid, roomID, reason, c.shouldRequeue(pid, initiatorID, reason))
	}
	return nil
}

// shouldRequeue decides whether a participant goes straight back into the
// matching pool after this room ends.
func (c *Coordinator) shouldRequeue(participantID, initiatorID, reason string) bool {
	initiated := participantID == initiatorID
	switch reason {
	case room.ReasonStop:
		// The stopper asked to leave entirely; the other side keeps looking.
		return !initiated
	case room.ReasonSkip:
		// The skipper wants the next match. The skipped side is re-queued
		// unless the operator turned that off.
		if initiated {
			return true
		}
		return c.requeueOnSkip
	case room.ReasonDisconnect:
		// The survivor keeps looking; the vanished side has no connection
		// to search from.
		return !initiated
	case room.ReasonReport:
		// The reporter keeps looking; the reported participant does not get
		// fed the next person while moderation catches up.
		return initiated
	case room.ReasonMediaSetupTimeout, room.ReasonMediaUnavailable:
		// Neither side is at fault; try both again with new partners.
		return true
	}
	return false
}

func (c *Coordinator) notifyEnded(participantID, roomID, reason string, requeue bool) {
	notice := messaging.RoomNotice{
		Event:   messaging.NoticeMatchEnded,
		RoomID:  roomID,
		Reason:  reason,
		Requeue: requeue,
	}
	data, err := json.Marshal(notice)
	if err != nil {
		log.Printf("[call] marshal match_ended: %v", err)
		return
	}
	if err := c.notifier.PublishRoomNotify(participantID, data); err != nil {
		log.Printf("[call] notify %s about room %s: %v", participantID, roomID, err)
	}
}

// ReleaseLocal tears down the media handles this instance holds for the
// participant and confirms the release on the room. A no-op when the
// participant's manager lives on another instance; that instance releases
// on receipt of match_ended.
func (c *Coordinator) ReleaseLocal(ctx context.Context, roomID, participantID string) {
	mgr, ok := c.registry.Release(roomID, participantID)
	if !ok {
		return
	}

	// Teardown must finish even when the triggering request is gone.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), room.ReleaseGrace)
	defer cancel()

	if err := mgr.CloseAll(releaseCtx); err != nil {
		log.Printf("[call] room %s participant %s: handle teardown incomplete: %v", roomID, participantID, err)
	}
	if live := mgr.LiveHandles(); live != 0 {
		log.Printf("[call] room %s participant %s: %d handles still live after teardown", roomID, participantID, live)
	}

	closed, err := c.rooms.ConfirmReleased(releaseCtx, roomID, participantID)
	if err != nil && err != room.ErrNotFound {
		log.Printf("[call] room %s: confirm release for %s: %v", roomID, participantID, err)
		return
	}
	if closed {
		log.Printf("[call] room %s closed, both sides released", roomID)
	}
}

// releaseOrphans closes any managers still registered under a room that no
// longer exists in Redis.
func (c *Coordinator) releaseOrphans(ctx context.Context, roomID string) {
	for _, mgr := range c.registry.ReleaseRoom(roomID) {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), room.ReleaseGrace)
		if err := mgr.CloseAll(releaseCtx); err != nil {
			log.Printf("[call] room %s: orphan teardown: %v", roomID, err)
		}
		cancel()
	}
}
