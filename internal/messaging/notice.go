package messaging

// Room notice events carried on room.notify.<participant_id>. The signaling
// server that owns the participant's connection translates each into the
// corresponding client message.
const (
	NoticeMatchEnded     = "match_ended"
	NoticeMutualMatch    = "mutual_match"
	NoticeNewProducer    = "new_producer"
	NoticeProducerClosed = "producer_closed"
)

// RoomNotice is the payload published on room.notify.<participant_id>.
// Fields beyond Event and RoomID are event-specific.
type RoomNotice struct {
	Event      string `json:"event"`
	RoomID     string `json:"room_id"`
	Reason     string `json:"reason,omitempty"`   // match_ended
	Requeue    bool   `json:"requeue,omitempty"`  // match_ended: put this peer back in the pool
	PeerID     string `json:"peer_id,omitempty"`  // new_producer
	ProducerID string `json:"producer_id,omitempty"` // new_producer, producer_closed
	Kind       string `json:"kind,omitempty"`     // new_producer
}
