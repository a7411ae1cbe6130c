package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid start_searching message
// ---------------------------------------------------------------------------

func TestParseClientMessage_StartSearching(t *testing.T) {
	input := []byte(`{"type":"start_searching","preferences":{"gender":"male","looking_for":"female","age_min":20,"age_max":40}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeStartSearching {
		t.Fatalf("expected type %q, got %q", TypeStartSearching, msgType)
	}

	sm, ok := msg.(StartSearchingMsg)
	if !ok {
		t.Fatalf("expected StartSearchingMsg, got %T", msg)
	}

	var prefs map[string]interface{}
	if err := json.Unmarshal(sm.Preferences, &prefs); err != nil {
		t.Fatalf("preferences payload should be valid JSON: %v", err)
	}
	if prefs["looking_for"] != "female" {
		t.Errorf("expected looking_for %q, got %v", "female", prefs["looking_for"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing media signaling messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_CreateTransport(t *testing.T) {
	input := []byte(`{"type":"create_transport","room_id":"room-1","direction":"send"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCreateTransport {
		t.Fatalf("expected type %q, got %q", TypeCreateTransport, msgType)
	}

	ct, ok := msg.(CreateTransportMsg)
	if !ok {
		t.Fatalf("expected CreateTransportMsg, got %T", msg)
	}
	if ct.RoomID != "room-1" {
		t.Errorf("expected room_id %q, got %q", "room-1", ct.RoomID)
	}
	if ct.Direction != DirectionSend {
		t.Errorf("expected direction %q, got %q", DirectionSend, ct.Direction)
	}
}

func TestParseClientMessage_Consume(t *testing.T) {
	input := []byte(`{"type":"consume","transport_id":"t-2","producer_id":"p-9","rtp_capabilities":{"codecs":[]}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeConsume {
		t.Fatalf("expected type %q, got %q", TypeConsume, msgType)
	}

	cm, ok := msg.(ConsumeMsg)
	if !ok {
		t.Fatalf("expected ConsumeMsg, got %T", msg)
	}
	if cm.TransportID != "t-2" || cm.ProducerID != "p-9" {
		t.Errorf("unexpected ids: transport=%q producer=%q", cm.TransportID, cm.ProducerID)
	}
	if len(cm.RtpCapabilities) == 0 {
		t.Error("expected rtp_capabilities to be captured")
	}
}

func TestParseClientMessage_Like(t *testing.T) {
	input := []byte(`{"type":"like","room_id":"room-7"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeLike {
		t.Fatalf("expected type %q, got %q", TypeLike, msgType)
	}
	lm, ok := msg.(LikeMsg)
	if !ok {
		t.Fatalf("expected LikeMsg, got %T", msg)
	}
	if lm.RoomID != "room-7" {
		t.Errorf("expected room_id %q, got %q", "room-7", lm.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a match_found server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchFound(t *testing.T) {
	payload := MatchFoundMsg{
		RoomID:          "room-456",
		PeerID:          "peer-789",
		SharedInterests: []string{"music", "travel"},
	}

	data, err := NewServerMessage(TypeMatchFound, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMatchFound {
		t.Errorf("expected type %q, got %v", TypeMatchFound, result["type"])
	}
	if result["room_id"] != "room-456" {
		t.Errorf("expected room_id %q, got %v", "room-456", result["room_id"])
	}
	if result["peer_id"] != "peer-789" {
		t.Errorf("expected peer_id %q, got %v", "peer-789", result["peer_id"])
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a match_ended server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchEnded(t *testing.T) {
	data, err := NewServerMessage(TypeMatchEnded, MatchEndedMsg{
		RoomID:   "room-1",
		Reason:   "media-setup-timeout",
		Requeued: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["reason"] != "media-setup-timeout" {
		t.Errorf("expected reason %q, got %v", "media-setup-timeout", result["reason"])
	}
	if result["requeued"] != true {
		t.Errorf("expected requeued true, got %v", result["requeued"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"match_found","room_id":"r"}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected error for server-only message type")
	}

	input = []byte(`{"type":"definitely_not_a_thing"}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{}`),
		[]byte(`{"type":""}`),
		[]byte(`{"no_type":"here"}`),
	}

	for _, input := range cases {
		if _, _, err := ParseClientMessage(input); err == nil {
			t.Errorf("expected error for input %s", input)
		}
	}
}

func TestEnvelope_PreservesRaw(t *testing.T) {
	input := []byte(`{"type":"skip","room_id":"room-3"}`)

	var env Envelope
	if err := json.Unmarshal(input, &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeSkip {
		t.Errorf("expected type %q, got %q", TypeSkip, env.Type)
	}
	if string(env.Raw) != string(input) {
		t.Errorf("raw payload not preserved: %s", env.Raw)
	}
}
