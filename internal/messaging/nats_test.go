package messaging

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.Name = "sparkdate-test"
	config.MaxReconnects = 1
	client, err := NewNATSClient(config)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// waitFor polls until the counter reaches want or the deadline passes.
func waitFor(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("counter = %d, want %d", counter.Load(), want)
}

func TestRoomNotifyDelivery(t *testing.T) {
	client := newTestClient(t)

	var got atomic.Int32
	if err := client.SubscribeRoomNotify("p1", func(data []byte) {
		got.Add(1)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := client.PublishRoomNotify("p1", []byte(`{"event":"mutual_match"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, &got, 1)
}

func TestResubscribeReplacesOldSubscription(t *testing.T) {
	client := newTestClient(t)

	var old, current atomic.Int32
	if err := client.SubscribeRoomNotify("p1", func(data []byte) {
		old.Add(1)
	}); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := client.SubscribeRoomNotify("p1", func(data []byte) {
		current.Add(1)
	}); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if err := client.PublishRoomNotify("p1", []byte(`{"event":"new_producer"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, &current, 1)

	// The replaced subscription must be dead, not double-delivering.
	time.Sleep(100 * time.Millisecond)
	if n := old.Load(); n != 0 {
		t.Errorf("replaced handler received %d messages, want 0", n)
	}
}

// A participant whose room ends gets unsubscribed and, on requeue, a fresh
// subscription for the next room. Events for the new room must land on the
// new handler even though both use the same subject.
func TestUnsubscribeThenResubscribeKeepsNewRoomEvents(t *testing.T) {
	client := newTestClient(t)

	var firstRoom, secondRoom atomic.Int32
	if err := client.SubscribeRoomNotify("p1", func(data []byte) {
		firstRoom.Add(1)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := client.UnsubscribeRoomNotify("p1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := client.SubscribeRoomNotify("p1", func(data []byte) {
		secondRoom.Add(1)
	}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	if err := client.PublishRoomNotify("p1", []byte(`{"event":"match_ended"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, &secondRoom, 1)
	if n := firstRoom.Load(); n != 0 {
		t.Errorf("unsubscribed handler received %d messages, want 0", n)
	}
}

func TestUnsubscribeWithoutSubscription(t *testing.T) {
	client := newTestClient(t)

	if err := client.UnsubscribeRoomNotify("nobody"); err == nil {
		t.Error("expected an error for unknown subject")
	}
}
