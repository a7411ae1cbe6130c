// Package room owns the per-pair call session: the room state machine
// (forming/active/ending/closed) and the mutual-like flow. All room state
// lives in a Redis hash; every state edge that must fire exactly once under
// concurrent callers (activation, the mutual-like event, termination, close)
// is a single Lua script.
package room

// Room statuses. A room is created forming, becomes active when both sides
// confirm a working media path, enters ending on any terminal event, and
// closes exactly once after all media handles are confirmed released.
const (
	StatusForming = "forming"
	StatusActive  = "active"
	StatusEnding  = "ending"
	StatusClosed  = "closed"
)

// Termination reasons surfaced to both peers via match_ended.
const (
	ReasonSkip              = "skip"
	ReasonStop              = "stop"
	ReasonDisconnect        = "disconnect"
	ReasonReport            = "report"
	ReasonMediaSetupTimeout = "media-setup-timeout"
	ReasonMediaUnavailable  = "media-unavailable"
)

// Room is a snapshot of one pair's session. ParticipantA/B are symmetric;
// nothing orders them.
type Room struct {
	ID           string
	ParticipantA string
	ParticipantB string
	Status       string
	CreatedAt    int64
	EndedAt      int64
	EndReason    string
	LikedA       bool
	LikedB       bool
	ReadyA       bool
	ReadyB       bool
}

// Partner returns the other participant's id, or "" if the given id is not
// part of this room.
func (r *Room) Partner(participantID string) string {
	if participantID == r.ParticipantA {
		return r.ParticipantB
	}
	if participantID == r.ParticipantB {
		return r.ParticipantA
	}
	return ""
}

// IsParticipant checks whether a participant belongs to this room.
func (r *Room) IsParticipant(participantID string) bool {
	return participantID == r.ParticipantA || participantID == r.ParticipantB
}

// Open reports whether the room is not yet closed.
func (r *Room) Open() bool {
	return r.Status != StatusClosed
}
