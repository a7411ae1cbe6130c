package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
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
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "alice", rule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d within limit was denied", i+1)
		}
	}

	allowed, err := l.Allow(ctx, "alice", rule)
	if err != nil {
		t.Fatalf("Allow over limit: %v", err)
	}
	if allowed {
		t.Fatal("request over limit was allowed")
	}
}

func TestLimitIsPerIdentifier(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	if allowed, _ := l.Allow(ctx, "alice", rule); !allowed {
		t.Fatal("alice's first request denied")
	}
	if allowed, _ := l.Allow(ctx, "alice", rule); allowed {
		t.Fatal("alice's second request allowed")
	}
	if allowed, _ := l.Allow(ctx, "bob", rule); !allowed {
		t.Fatal("bob throttled by alice's counter")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	if remaining, _ := l.Remaining(ctx, "alice", rule); remaining != 5 {
		t.Fatalf("fresh identifier remaining = %d, want 5", remaining)
	}

	l.Allow(ctx, "alice", rule)
	l.Allow(ctx, "alice", rule)

	if remaining, _ := l.Remaining(ctx, "alice", rule); remaining != 3 {
		t.Fatalf("remaining after 2 requests = %d, want 3", remaining)
	}

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "alice", rule)
	}
	if remaining, _ := l.Remaining(ctx, "alice", rule); remaining != 0 {
		t.Fatalf("remaining past the limit = %d, want 0", remaining)
	}
}

func TestWindowResets(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	if allowed, _ := l.Allow(ctx, "alice", rule); !allowed {
		t.Fatal("first request denied")
	}
	if allowed, _ := l.Allow(ctx, "alice", rule); allowed {
		t.Fatal("second request in window allowed")
	}

	time.Sleep(1100 * time.Millisecond)

	if allowed, _ := l.Allow(ctx, "alice", rule); !allowed {
		t.Fatal("request after window expiry denied")
	}
}
