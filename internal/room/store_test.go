package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to a local Redis (DB 15, flushed) and skips the test
// when none is running.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewStore(client)
}

func createTestRoom(t *testing.T, s *Store, roomID string) {
	t.Helper()
	if err := s.Create(context.Background(), roomID, "alice", "bob", DefaultFormingDeadline); err != nil {
		t.Fatalf("create room: %v", err)
	}
}

func activateTestRoom(t *testing.T, s *Store, roomID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.MarkMediaReady(ctx, roomID, "alice"); err != nil {
		t.Fatalf("mark alice ready: %v", err)
	}
	activated, err := s.MarkMediaReady(ctx, roomID, "bob")
	if err != nil {
		t.Fatalf("mark bob ready: %v", err)
	}
	if !activated {
		t.Fatal("second ready confirmation should activate the room")
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestRoom(t, s, "r1")

	r, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Status != StatusForming {
		t.Errorf("status = %q, want forming", r.Status)
	}
	if r.ParticipantA != "alice" || r.ParticipantB != "bob" {
		t.Errorf("participants = %s/%s", r.ParticipantA, r.ParticipantB)
	}
	if r.Partner("alice") != "bob" || r.Partner("bob") != "alice" {
		t.Error("Partner lookup broken")
	}

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestMediaReadyActivatesExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestRoom(t, s, "r1")

	activated, err := s.MarkMediaReady(ctx, "r1", "alice")
	if err != nil {
		t.Fatalf("first ready: %v", err)
	}
	if activated {
		t.Fatal("one-sided ready must not activate")
	}

	activateTestRoom(t, s, "r1")

	// A repeated confirmation after activation must not fire the edge again.
	activated, err = s.MarkMediaReady(ctx, "r1", "bob")
	if err != nil {
		t.Fatalf("repeated ready: %v", err)
	}
	if activated {
		t.Fatal("activation edge fired twice")
	}

	// The forming sweep must no longer see this room.
	expired, err := s.ExpiredForming(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpiredForming: %v", err)
	}
	for _, id := range expired {
		if id == "r1" {
			t.Fatal("active room still registered for the forming sweep")
		}
	}

	if _, err := s.MarkMediaReady(ctx, "r1", "mallory"); err != ErrNotParticipant {
		t.Errorf("outsider ready = %v, want ErrNotParticipant", err)
	}
}

func TestMutualLikeBothOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, order := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		roomID := "r-" + order[0]
		createTestRoom(t, s, roomID)
		activateTestRoom(t, s, roomID)

		mutual, err := s.RecordLike(ctx, roomID, order[0])
		if err != nil {
			t.Fatalf("first like: %v", err)
		}
		if mutual {
			t.Fatal("single like reported mutual")
		}
		// Repeated vote is idempotent.
		if mutual, _ := s.RecordLike(ctx, roomID, order[0]); mutual {
			t.Fatal("repeated like completed the pair")
		}

		mutual, err = s.RecordLike(ctx, roomID, order[1])
		if err != nil {
			t.Fatalf("second like: %v", err)
		}
		if !mutual {
			t.Fatalf("order %v: completing vote did not report mutual", order)
		}
		// The edge fires exactly once.
		if mutual, _ := s.RecordLike(ctx, roomID, order[1]); mutual {
			t.Fatal("mutual edge fired twice")
		}
	}
}

func TestLikeRejectedWhileForming(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestRoom(t, s, "r1")

	if _, err := s.RecordLike(ctx, "r1", "alice"); err != ErrNotActive {
		t.Errorf("like while forming = %v, want ErrNotActive", err)
	}
}

func TestLikeAcceptedWhileEnding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestRoom(t, s, "r1")
	activateTestRoom(t, s, "r1")

	if _, err := s.RecordLike(ctx, "r1", "alice"); err != nil {
		t.Fatalf("like while active: %v", err)
	}
	if _, _, err := s.BeginTermination(ctx, "r1", ReasonSkip); err != nil {
		t.Fatalf("begin termination: %v", err)
	}

	// A like that was in flight when the skip landed still counts.
	mutual, err := s.RecordLike(ctx, "r1", "bob")
	if err != nil {
		t.Fatalf("like while ending: %v", err)
	}
	if !mutual {
		t.Fatal("ending-phase like did not complete the pair")
	}
}

func TestBeginTerminationSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestRoom(t, s, "r1")
	activateTestRoom(t, s, "r1")

	var wg sync.WaitGroup
	wins := make(chan string, 2)
	for _, reason := range []string{ReasonSkip, ReasonDisconnect} {
		wg.Add(1)
		go func(reason string) {
			defer wg.Done()
			_, won, err := s.BeginTermination(ctx, "r1", reason)
			if err != nil {
				t.Errorf("BeginTermination(%s): %v", reason, err)
				return
			}
			if won {
				wins <- reason
			}
		}(reason)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("%d winners, want exactly 1", len(winners))
	}

	r, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != StatusEnding {
		t.Errorf("status = %q, want ending", r.Status)
	}
	if r.EndReason != winners[0] {
		t.Errorf("end reason %q does not match winner %q", r.EndReason, winners[0])
	}
}

func TestConfirmReleasedClosesAfterBoth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestRoom(t, s, "r1")
	activateTestRoom(t, s, "r1")
	if _, _, err := s.BeginTermination(ctx, "r1", ReasonStop); err != nil {
		t.Fatalf("begin termination: %v", err)
	}

	closed, err := s.ConfirmReleased(ctx, "r1", "alice")
	if err != nil {
		t.Fatalf("confirm alice: %v", err)
	}
	if closed {
		t.Fatal("closed after one release")
	}

	closed, err = s.ConfirmReleased(ctx, "r1", "bob")
	if err != nil {
		t.Fatalf("confirm bob: %v", err)
	}
	if !closed {
		t.Fatal("not closed after both releases")
	}

	r, _ := s.Get(ctx, "r1")
	if r.Status != StatusClosed {
		t.Errorf("status = %q, want closed", r.Status)
	}

	// Closed rooms reject new likes.
	if _, err := s.RecordLike(ctx, "r1", "alice"); err != ErrClosed {
		t.Errorf("like on closed room = %v, want ErrClosed", err)
	}
	// No longer subject to the ending sweep.
	expired, _ := s.ExpiredEnding(ctx, time.Now().Add(time.Hour))
	for _, id := range expired {
		if id == "r1" {
			t.Fatal("closed room still registered for the ending sweep")
		}
	}
}

func TestForceCloseAfterGrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestRoom(t, s, "r1")
	activateTestRoom(t, s, "r1")
	if _, _, err := s.BeginTermination(ctx, "r1", ReasonDisconnect); err != nil {
		t.Fatalf("begin termination: %v", err)
	}

	// Only one side ever confirms; the sweep finds the room after the
	// grace deadline and closes it anyway.
	if _, err := s.ConfirmReleased(ctx, "r1", "alice"); err != nil {
		t.Fatalf("confirm alice: %v", err)
	}

	expired, err := s.ExpiredEnding(ctx, time.Now().Add(ReleaseGrace+time.Second))
	if err != nil {
		t.Fatalf("ExpiredEnding: %v", err)
	}
	found := false
	for _, id := range expired {
		if id == "r1" {
			found = true
		}
	}
	if !found {
		t.Fatal("stuck ending room not visible to the sweep")
	}

	closed, err := s.Close(ctx, "r1")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed {
		t.Fatal("force close did not claim the transition")
	}
	if closed, _ := s.Close(ctx, "r1"); closed {
		t.Fatal("force close claimed twice")
	}
}

func TestFormingTimeoutVisibleToSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, "r1", "alice", "bob", time.Second); err != nil {
		t.Fatalf("create: %v", err)
	}

	expired, err := s.ExpiredForming(ctx, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("ExpiredForming: %v", err)
	}
	if len(expired) != 1 || expired[0] != "r1" {
		t.Fatalf("expired = %v, want [r1]", expired)
	}

	// The sweep terminates it; the claim removes it from the forming set.
	_, won, err := s.BeginTermination(ctx, "r1", ReasonMediaSetupTimeout)
	if err != nil {
		t.Fatalf("BeginTermination: %v", err)
	}
	if !won {
		t.Fatal("sweep lost an uncontested claim")
	}
	expired, _ = s.ExpiredForming(ctx, time.Now().Add(2*time.Second))
	if len(expired) != 0 {
		t.Fatalf("forming set still holds %v after termination", expired)
	}
}
