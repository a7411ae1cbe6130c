package matching

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/sparkdate/video-app/internal/messaging"
	"github.com/sparkdate/video-app/internal/preference"
)

// MatchResult is the payload published via NATS when a pairing is made or a
// search times out. Each participant receives it on their
// match.found.<participant_id> subject.
type MatchResult struct {
	Timeout         bool     `json:"timeout,omitempty"`
	RoomID          string   `json:"room_id,omitempty"`
	PeerID          string   `json:"peer_id,omitempty"`
	SharedInterests []string `json:"shared_interests,omitempty"`
}

// PublishMatchFound publishes the pairing to both participants via NATS.
func PublishMatchFound(nats *messaging.NATSClient, roomID string, pair *Pair) error {
	shared := preference.SharedInterests(pair.A.Preferences, pair.B.Preferences)

	// Notify participant A (peer = B).
	msgA := MatchResult{
		RoomID:          roomID,
		PeerID:          pair.B.ParticipantID,
		SharedInterests: shared,
	}
	dataA, err := json.Marshal(msgA)
	if err != nil {
		return fmt.Errorf("matching: marshal result for A: %w", err)
	}
	if err := nats.PublishMatchFound(pair.A.ParticipantID, dataA); err != nil {
		return fmt.Errorf("matching: publish match.found for %s: %w", pair.A.ParticipantID, err)
	}

	// Notify participant B (peer = A).
	msgB := MatchResult{
		RoomID:          roomID,
		PeerID:          pair.A.ParticipantID,
		SharedInterests: shared,
	}
	dataB, err := json.Marshal(msgB)
	if err != nil {
		return fmt.Errorf("matching: marshal result for B: %w", err)
	}
	if err := nats.PublishMatchFound(pair.B.ParticipantID, dataB); err != nil {
		return fmt.Errorf("matching: publish match.found for %s: %w", pair.B.ParticipantID, err)
	}

	log.Printf("[matcher] match published: room=%s a=%s b=%s",
		roomID, pair.A.ParticipantID, pair.B.ParticipantID)
	return nil
}
