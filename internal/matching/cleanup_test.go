package matching

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/sparkdate/video-app/internal/session"
)

// TestCleanStaleEntries verifies the sweep drops pool entries whose
// participant session vanished and keeps entries with a live session.
func TestCleanStaleEntries(t *testing.T) {
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

	pool := NewRedisPool(client)
	sessions := session.NewStoreWithClient(client, "ws-test")

	// alive has a session; ghost disconnected and theirs expired.
	if err := sessions.Create(ctx, "alive", "dev1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := pool.Enqueue(ctx, entry("alive", anyone())); err != nil {
		t.Fatalf("enqueue alive: %v", err)
	}
	if err := pool.Enqueue(ctx, entry("ghost", anyone())); err != nil {
		t.Fatalf("enqueue ghost: %v", err)
	}

	cleanStaleEntries(ctx, pool, sessions)

	waiting, err := pool.Waiting(ctx)
	if err != nil {
		t.Fatalf("waiting: %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("pool size after sweep = %d, want 1", len(waiting))
	}
	if waiting[0].ParticipantID != "alive" {
		t.Errorf("survivor = %q, want alive", waiting[0].ParticipantID)
	}
}
