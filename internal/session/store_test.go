package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewStoreWithClient(client, "ws-test")
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "p1", "device-abc"); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session, got nil")
	}
	if sess.Status != StatusIdle {
		t.Errorf("status = %q, want %q", sess.Status, StatusIdle)
	}
	if sess.Identity != "device-abc" {
		t.Errorf("identity = %q, want device-abc", sess.Identity)
	}
	if sess.Server != "ws-test" {
		t.Errorf("server = %q, want ws-test", sess.Server)
	}
	if sess.InRoom() {
		t.Error("fresh session should not be in a room")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil for missing session, got %+v", sess)
	}
}

func TestSearchToCallLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "p1", "dev1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.StartSearching(ctx, "p1", `{"gender":"any"}`); err != nil {
		t.Fatalf("start searching: %v", err)
	}
	sess, _ := s.Get(ctx, "p1")
	if sess.Status != StatusSearching {
		t.Fatalf("status = %q, want %q", sess.Status, StatusSearching)
	}
	if sess.Preferences != `{"gender":"any"}` {
		t.Errorf("preferences not stored: %q", sess.Preferences)
	}

	if err := s.SetMatched(ctx, "p1", "room1", "p2"); err != nil {
		t.Fatalf("set matched: %v", err)
	}
	sess, _ = s.Get(ctx, "p1")
	if sess.Status != StatusMatched || sess.RoomID != "room1" || sess.PeerID != "p2" {
		t.Fatalf("after match: %+v", sess)
	}
	if !sess.InRoom() {
		t.Error("matched session should be in a room")
	}

	if err := s.SetInCall(ctx, "p1"); err != nil {
		t.Fatalf("set in call: %v", err)
	}
	sess, _ = s.Get(ctx, "p1")
	if sess.Status != StatusInCall {
		t.Fatalf("status = %q, want %q", sess.Status, StatusInCall)
	}

	if err := s.ClearRoom(ctx, "p1"); err != nil {
		t.Fatalf("clear room: %v", err)
	}
	sess, _ = s.Get(ctx, "p1")
	if sess.Status != StatusIdle {
		t.Errorf("status after clear = %q, want %q", sess.Status, StatusIdle)
	}
	if sess.InRoom() {
		t.Errorf("room not cleared: room_id=%q peer_id=%q", sess.RoomID, sess.PeerID)
	}
	// Preferences survive the room teardown so a requeue can reuse them.
	if sess.Preferences == "" {
		t.Error("preferences lost on clear")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "p1", "dev1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	exists, err := s.Exists(ctx, "p1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Error("session still exists after delete")
	}
}
