package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sparkdate/video-app/internal/media"
	"github.com/sparkdate/video-app/internal/messaging"
	"github.com/sparkdate/video-app/internal/room"
)

type fakeRoomStore struct {
	mu       sync.Mutex
	room     *room.Room
	released map[string]bool
	missing  bool
}

func newFakeRoomStore(a, b string, active bool) *fakeRoomStore {
	return &fakeRoomStore{
		room: &room.Room{
			ID:           "room-1",
			ParticipantA: a,
			ParticipantB: b,
			Status:       room.StatusActive,
			ReadyA:       active,
			ReadyB:       active,
		},
		released: make(map[string]bool),
	}
}

func (f *fakeRoomStore) Get(ctx context.Context, roomID string) (*room.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return nil, room.ErrNotFound
	}
	snapshot := *f.room
	return &snapshot, nil
}

func (f *fakeRoomStore) BeginTermination(ctx context.Context, roomID, reason string) (*room.Room, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return nil, false, room.ErrNotFound
	}
	won := f.room.Status != room.StatusEnding && f.room.Status != room.StatusClosed
	if won {
		f.room.Status = room.StatusEnding
		f.room.EndReason = reason
	}
	snapshot := *f.room
	return &snapshot, won, nil
}

func (f *fakeRoomStore) ConfirmReleased(ctx context.Context, roomID, participantID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[participantID] = true
	if f.released[f.room.ParticipantA] && f.released[f.room.ParticipantB] {
		f.room.Status = room.StatusClosed
		return true, nil
	}
	return false, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeSessions) ClearRoom(ctx context.Context, participantID string) error {
	f.mu.Lock()
	f.cleared = append(f.cleared, participantID)
	f.mu.Unlock()
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices map[string][]messaging.RoomNotice
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notices: make(map[string][]messaging.RoomNotice)}
}

func (f *fakeNotifier) PublishRoomNotify(participantID string, data []byte) error {
	var n messaging.RoomNotice
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	f.mu.Lock()
	f.notices[participantID] = append(f.notices[participantID], n)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) count(participantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices[participantID])
}

func (f *fakeNotifier) last(participantID string) messaging.RoomNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.notices[participantID]
	return list[len(list)-1]
}

// nullMedia satisfies media.Service with no-op handles for registry tests.
type nullMedia struct{}

func (nullMedia) RouterCapabilities(ctx context.Context, roomID string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (nullMedia) CreateTransport(ctx context.Context, roomID, direction string) (*media.TransportInfo, error) {
	return &media.TransportInfo{ID: "t-" + direction}, nil
}
func (nullMedia) ConnectTransport(ctx context.Context, transportID string, dtls json.RawMessage) error {
	return nil
}
func (nullMedia) Produce(ctx context.Context, transportID, kind string, rtp json.RawMessage) (string, error) {
	return "p-" + kind, nil
}
func (nullMedia) Consume(ctx context.Context, transportID, producerID string, caps json.RawMessage) (*media.ConsumerInfo, error) {
	return &media.ConsumerInfo{ID: "c-" + producerID, ProducerID: producerID}, nil
}
func (nullMedia) ResumeConsumer(ctx context.Context, consumerID string) error { return nil }
func (nullMedia) CloseProducer(ctx context.Context, producerID string) error  { return nil }
func (nullMedia) CloseConsumer(ctx context.Context, consumerID string) error  { return nil }
func (nullMedia) CloseTransport(ctx context.Context, transportID string) error {
	return nil
}

func TestTerminatePublishesMatchEndedOncePerPeer(t *testing.T) {
	rooms := newFakeRoomStore("alice", "bob", true)
	sessions := &fakeSessions{}
	notifier := newFakeNotifier()
	c := NewCoordinator(rooms, sessions, notifier, media.NewRegistry(), true)

	if err := c.TerminateRoom(context.Background(), "room-1", "alice", room.ReasonSkip); err != nil {
		t.Fatalf("TerminateRoom failed: %v", err)
	}
	// A disconnect racing the skip must not produce a second match_ended.
	if err := c.TerminateRoom(context.Background(), "room-1", "bob", room.ReasonDisconnect); err != nil {
		t.Fatalf("second TerminateRoom failed: %v", err)
	}

	if got := notifier.count("alice"); got != 1 {
		t.Fatalf("alice got %d match_ended, want 1", got)
	}
	if got := notifier.count("bob"); got != 1 {
		t.Fatalf("bob got %d match_ended, want 1", got)
	}
	if reason := notifier.last("bob").Reason; reason != room.ReasonSkip {
		t.Fatalf("bob sees reason %q, want the winning skip", reason)
	}
}

func TestTerminateClearsBothSessions(t *testing.T) {
	rooms := newFakeRoomStore("alice", "bob", true)
	sessions := &fakeSessions{}
	c := NewCoordinator(rooms, sessions, newFakeNotifier(), media.NewRegistry(), true)

	if err := c.TerminateRoom(context.Background(), "room-1", "", room.ReasonMediaSetupTimeout); err != nil {
		t.Fatalf("TerminateRoom failed: %v", err)
	}
	if len(sessions.cleared) != 2 {
		t.Fatalf("cleared %d sessions, want 2", len(sessions.cleared))
	}
}

func TestRequeuePolicy(t *testing.T) {
	cases := []struct {
		name          string
		reason        string
		initiator     string
		requeueOnSkip bool
		wantAlice     bool
		wantBob       bool
	}{
		{"skip requeues both by default", room.ReasonSkip, "alice", true, true, true},
		{"skip leaves skipped peer out when disabled", room.ReasonSkip, "alice", false, true, false},
		{"stop requeues only the peer", room.ReasonStop, "alice", true, false, true},
		{"disconnect requeues the survivor", room.ReasonDisconnect, "bob", true, true, false},
		{"report requeues the reporter", room.ReasonReport, "alice", true, true, false},
		{"media timeout requeues both", room.ReasonMediaSetupTimeout, "", true, true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rooms := newFakeRoomStore("alice", "bob", true)
			notifier := newFakeNotifier()
			c := NewCoordinator(rooms, &fakeSessions{}, notifier, media.NewRegistry(), tc.requeueOnSkip)

			if err := c.TerminateRoom(context.Background(), "room-1", tc.initiator, tc.reason); err != nil {
				t.Fatalf("TerminateRoom failed: %v", err)
			}
			if got := notifier.last("alice").Requeue; got != tc.wantAlice {
				t.Errorf("alice requeue = %v, want %v", got, tc.wantAlice)
			}
			if got := notifier.last("bob").Requeue; got != tc.wantBob {
				t.Errorf("bob requeue = %v, want %v", got, tc.wantBob)
			}
		})
	}
}

func TestTerminateReleasesLocalHandles(t *testing.T) {
	rooms := newFakeRoomStore("alice", "bob", true)
	registry := media.NewRegistry()
	svc := nullMedia{}

	for _, pid := range []string{"alice", "bob"} {
		mgr := registry.Obtain(svc, "room-1", pid)
		if _, err := mgr.Handshake(context.Background()); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if _, err := mgr.CreateTransport(context.Background(), media.DirectionSend); err != nil {
			t.Fatalf("transport: %v", err)
		}
		if _, err := mgr.StartProducing(context.Background(), media.KindVideo, nil); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}

	c := NewCoordinator(rooms, &fakeSessions{}, newFakeNotifier(), registry, true)
	if err := c.TerminateRoom(context.Background(), "room-1", "alice", room.ReasonStop); err != nil {
		t.Fatalf("TerminateRoom failed: %v", err)
	}

	if _, ok := registry.Lookup("room-1", "alice"); ok {
		t.Fatal("alice's manager still registered after terminate")
	}
	if !rooms.released["alice"] || !rooms.released["bob"] {
		t.Fatalf("releases not confirmed: %v", rooms.released)
	}
	if rooms.room.Status != room.StatusClosed {
		t.Fatalf("room status %q, want closed after both confirmations", rooms.room.Status)
	}
}

func TestTerminateMissingRoomReleasesOrphans(t *testing.T) {
	rooms := newFakeRoomStore("alice", "bob", true)
	rooms.missing = true
	registry := media.NewRegistry()
	mgr := registry.Obtain(nullMedia{}, "room-1", "alice")
	if _, err := mgr.CreateTransport(context.Background(), media.DirectionRecv); err != nil {
		t.Fatalf("transport: %v", err)
	}

	c := NewCoordinator(rooms, &fakeSessions{}, newFakeNotifier(), registry, true)
	if err := c.TerminateRoom(context.Background(), "room-1", "", room.ReasonDisconnect); err != nil {
		t.Fatalf("TerminateRoom on missing room: %v", err)
	}
	if _, ok := registry.Lookup("room-1", "alice"); ok {
		t.Fatal("orphan manager still registered")
	}
	if mgr.LiveHandles() != 0 {
		t.Fatal("orphan handles not released")
	}
}
