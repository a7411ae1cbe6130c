// Package protocol defines the WebSocket message types and structures used for
// signaling between the client and server. All messages are serialized as JSON
// and follow a consistent envelope format with a type discriminator. Unknown
// or malformed messages are rejected at the boundary, never silently accepted.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStartSearching   = "start_searching"
	TypeStopSearching    = "stop_searching"
	TypeSkip             = "skip"
	TypeReportPeer       = "report_peer"
	TypeLike             = "like"
	TypeCreateTransport  = "create_transport"
	TypeConnectTransport = "connect_transport"
	TypeProduce          = "produce"
	TypeConsume          = "consume"
	TypeResumeConsumer   = "resume_consumer"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated   = "session_created"
	TypeSearchingStarted = "searching_started"
	TypeSearchTimeout    = "search_timeout"
	TypeMatchFound       = "match_found"
	TypeMatchEnded       = "match_ended"
	TypeTransportCreated = "transport_created"
	TypeProducerCreated  = "producer_created"
	TypeConsumerCreated  = "consumer_created"
	TypeNewProducer      = "new_producer"
	TypeProducerClosed   = "producer_closed"
	TypeMutualMatch      = "mutual_match"
	TypeRateLimited      = "rate_limited"
	TypeBanned           = "banned"
	TypeError            = "error"
	TypePong             = "pong"
)

// Transport directions accepted by create_transport.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// StartSearchingMsg is sent by the client to enter the matching pool. The
// preferences payload is the participant's profile-store snapshot; absent
// fields are treated as fully permissive.
type StartSearchingMsg struct {
	Type        string          `json:"type"`
	Preferences json.RawMessage `json:"preferences"`
}

// StopSearchingMsg is sent by the client to leave the matching pool.
type StopSearchingMsg struct {
	Type string `json:"type"`
}

// SkipMsg is sent by the client to end the current room and look for the
// next partner.
type SkipMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ReportPeerMsg reports the current room's peer for abusive behavior.
type ReportPeerMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

// LikeMsg records a like vote for the current room's peer.
type LikeMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// CreateTransportMsg requests a WebRTC transport from the media service.
// Direction is "send" or "recv".
type CreateTransportMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	Direction string `json:"direction"`
}

// ConnectTransportMsg completes the DTLS handshake for a transport.
type ConnectTransportMsg struct {
	Type           string          `json:"type"`
	TransportID    string          `json:"transport_id"`
	DtlsParameters json.RawMessage `json:"dtls_parameters"`
}

// ProduceMsg starts producing a media track on the send transport.
type ProduceMsg struct {
	Type          string          `json:"type"`
	TransportID   string          `json:"transport_id"`
	Kind          string          `json:"kind"` // audio | video | screen
	RtpParameters json.RawMessage `json:"rtp_parameters"`
}

// ConsumeMsg requests consumption of the peer's producer on the recv
// transport.
type ConsumeMsg struct {
	Type            string          `json:"type"`
	TransportID     string          `json:"transport_id"`
	ProducerID      string          `json:"producer_id"`
	RtpCapabilities json.RawMessage `json:"rtp_capabilities"`
}

// ResumeConsumerMsg resumes a consumer created in the paused state.
type ResumeConsumerMsg struct {
	Type       string `json:"type"`
	ConsumerID string `json:"consumer_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is
// established and a participant session exists.
type SessionCreatedMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// SearchingStartedMsg confirms the client entered the matching pool.
type SearchingStartedMsg struct {
	Type    string `json:"type"`
	Timeout int    `json:"timeout"` // seconds until search_timeout
}

// SearchTimeoutMsg is sent when no partner was found within the search
// window; the participant is back to idle.
type SearchTimeoutMsg struct {
	Type string `json:"type"`
}

// MatchFoundMsg is sent when a compatible partner has been found and a room
// has been formed.
type MatchFoundMsg struct {
	Type            string   `json:"type"`
	RoomID          string   `json:"room_id"`
	PeerID          string   `json:"peer_id"`
	SharedInterests []string `json:"shared_interests,omitempty"`
}

// MatchEndedMsg is sent exactly once per peer when a room terminates, with
// the termination reason.
type MatchEndedMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	Reason   string `json:"reason"`
	Requeued bool   `json:"requeued,omitempty"` // true if this peer was put back in the pool
}

// TransportCreatedMsg carries the media service's transport parameters back
// to the client.
type TransportCreatedMsg struct {
	Type           string          `json:"type"`
	TransportID    string          `json:"transport_id"`
	Direction      string          `json:"direction"`
	IceParameters  json.RawMessage `json:"ice_parameters,omitempty"`
	IceCandidates  json.RawMessage `json:"ice_candidates,omitempty"`
	DtlsParameters json.RawMessage `json:"dtls_parameters,omitempty"`
}

// ProducerCreatedMsg acknowledges a produce request.
type ProducerCreatedMsg struct {
	Type       string `json:"type"`
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
}

// ConsumerCreatedMsg carries the parameters of a newly created consumer.
// Consumers start paused; the client must send resume_consumer.
type ConsumerCreatedMsg struct {
	Type          string          `json:"type"`
	ConsumerID    string          `json:"consumer_id"`
	ProducerID    string          `json:"producer_id"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtp_parameters,omitempty"`
}

// NewProducerMsg tells the client its peer started producing a track it can
// now consume.
type NewProducerMsg struct {
	Type       string `json:"type"`
	ProducerID string `json:"producer_id"`
	PeerID     string `json:"peer_id"`
	Kind       string `json:"kind"`
}

// ProducerClosedMsg tells the client a peer producer went away (e.g. camera
// toggled off).
type ProducerClosedMsg struct {
	Type       string `json:"type"`
	ProducerID string `json:"producer_id"`
}

// MutualMatchMsg is sent to both participants when both have liked each
// other. It fires exactly once per room.
type MutualMatchMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent when the client has been banned from matching.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartSearching:
		var m StartSearchingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopSearching:
		var m StopSearchingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportPeer:
		var m ReportPeerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLike:
		var m LikeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateTransport:
		var m CreateTransportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConnectTransport:
		var m ConnectTransportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeProduce:
		var m ProduceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConsume:
		var m ConsumeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeResumeConsumer:
		var m ResumeConsumerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
