package matching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sparkdate/video-app/internal/preference"
)

func entry(id string, prefs preference.Preferences) Entry {
	prefs.Normalize()
	return Entry{
		ParticipantID: id,
		Preferences:   prefs,
		EnqueuedAt:    time.Now(),
	}
}

func anyone() preference.Preferences {
	return preference.Preferences{Gender: "any", LookingFor: "any"}
}

func TestMemoryPoolMatchesCompatiblePair(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryPool()

	alice := entry("alice", preference.Preferences{
		Gender: "female", LookingFor: "male", AgeMin: 25, AgeMax: 35,
	})
	bob := entry("bob", preference.Preferences{
		Gender: "male", LookingFor: "female", AgeMin: 20, AgeMax: 40,
	})

	if err := pool.Enqueue(ctx, alice); err != nil {
		t.Fatalf("enqueue alice: %v", err)
	}
	if err := pool.Enqueue(ctx, bob); err != nil {
		t.Fatalf("enqueue bob: %v", err)
	}

	pair, err := pool.TryMatch(ctx)
	if err != nil {
		t.Fatalf("TryMatch failed: %v", err)
	}
	if pair == nil {
		t.Fatal("expected a pair")
	}
	if pair.A.ParticipantID == pair.B.ParticipantID {
		t.Fatal("pool matched a participant with itself")
	}

	if size, _ := pool.Size(ctx); size != 0 {
		t.Fatalf("pool size after match = %d, want 0", size)
	}
}

func TestMemoryPoolOneSidedInterestDoesNotMatch(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryPool()

	// Erin would take Carol, but Carol only wants men. Interest must be
	// mutual.
	carol := entry("carol", preference.Preferences{
		Gender: "female", LookingFor: "male", AgeMin: 18, AgeMax: 99,
	})
	erin := entry("erin", preference.Preferences{
		Gender: "female", LookingFor: "female", AgeMin: 18, AgeMax: 99,
	})

	pool.Enqueue(ctx, carol)
	pool.Enqueue(ctx, erin)

	pair, err := pool.TryMatch(ctx)
	if err != nil {
		t.Fatalf("TryMatch failed: %v", err)
	}
	if pair != nil {
		t.Fatalf("one-sided interest produced a pair: %v + %v", pair.A.ParticipantID, pair.B.ParticipantID)
	}

	if size, _ := pool.Size(ctx); size != 2 {
		t.Fatalf("pool size = %d, want both still waiting", size)
	}
}

func TestMemoryPoolPrefersEarlierEntries(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryPool()

	pool.Enqueue(ctx, entry("first", anyone()))
	pool.Enqueue(ctx, entry("second", anyone()))
	pool.Enqueue(ctx, entry("third", anyone()))

	pair, err := pool.TryMatch(ctx)
	if err != nil {
		t.Fatalf("TryMatch failed: %v", err)
	}
	if pair == nil {
		t.Fatal("expected a pair")
	}
	if pair.A.ParticipantID != "first" || pair.B.ParticipantID != "second" {
		t.Fatalf("expected first+second, got %s+%s", pair.A.ParticipantID, pair.B.ParticipantID)
	}
}

func TestMemoryPoolDequeueRemovesFromMatching(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryPool()

	pool.Enqueue(ctx, entry("alice", anyone()))
	pool.Enqueue(ctx, entry("bob", anyone()))

	removed, err := pool.Dequeue(ctx, "alice")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if !removed {
		t.Fatal("expected alice to be removed")
	}
	if removed, _ := pool.Dequeue(ctx, "alice"); removed {
		t.Fatal("second dequeue should find nothing")
	}

	pair, _ := pool.TryMatch(ctx)
	if pair != nil {
		t.Fatalf("matched with a dequeued participant: %s+%s", pair.A.ParticipantID, pair.B.ParticipantID)
	}
}

func TestMemoryPoolReEnqueueKeepsSingleEntry(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryPool()

	pool.Enqueue(ctx, entry("alice", anyone()))
	pool.Enqueue(ctx, entry("alice", anyone()))

	if size, _ := pool.Size(ctx); size != 1 {
		t.Fatalf("pool size = %d, want 1 after duplicate enqueue", size)
	}
	pair, _ := pool.TryMatch(ctx)
	if pair != nil {
		t.Fatal("a participant must never match themselves")
	}
}

func TestMemoryPoolConcurrentTryMatchNoOverlap(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryPool()

	const participants = 100
	for i := 0; i < participants; i++ {
		pool.Enqueue(ctx, entry(fmt.Sprintf("p%03d", i), anyone()))
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				pair, err := pool.TryMatch(ctx)
				if err != nil {
					t.Errorf("TryMatch failed: %v", err)
					return
				}
				if pair == nil {
					return
				}
				mu.Lock()
				seen[pair.A.ParticipantID]++
				seen[pair.B.ParticipantID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != participants {
		t.Fatalf("matched %d distinct participants, want %d", len(seen), participants)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("participant %s appeared in %d pairs", id, n)
		}
	}
}
