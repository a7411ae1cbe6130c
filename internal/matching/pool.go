// Package matching implements the matching pool and the background matcher
// service that pairs waiting participants whose preferences are mutually
// compatible. The pool is an injectable store behind the Pool interface: the
// in-memory implementation serves a single instance, the Redis implementation
// lets multiple matcher instances share one pool. In both, the take-pair step
// is atomic — no concurrent caller can observe or re-select a participant
// mid-transition.
package matching

import (
	"context"
	"errors"
	"time"

	"github.com/sparkdate/video-app/internal/preference"
)

// ErrPoolInvariant signals a violated pool invariant (a participant matched
// twice, a pair sharing a member). It indicates a concurrency bug: callers
// log it and drop the pair, never surface it to users.
var ErrPoolInvariant = errors.New("matching: pool invariant violation")

// Entry is one waiting participant in the pool. A participant has at most
// one entry at a time.
type Entry struct {
	ParticipantID string
	Preferences   preference.Preferences
	EnqueuedAt    time.Time
}

// Pair is the result of a successful take-pair. The two entries were removed
// from the pool as a single indivisible step.
type Pair struct {
	A Entry
	B Entry
}

// Pool is the set of participants currently waiting to be matched.
//
// Enqueue replaces any previous entry for the same participant. Dequeue
// reports whether an entry was actually removed, so callers racing with
// TryMatch (disconnects, timeouts) can tell whether they won; a false return
// is a no-op, not an error. TryMatch returns nil when no mutually compatible
// pair exists. Dequeue and the take-pair step are mutually exclusive: a
// dequeued participant is never returned by TryMatch.
type Pool interface {
	Enqueue(ctx context.Context, entry Entry) error
	Dequeue(ctx context.Context, participantID string) (bool, error)
	TryMatch(ctx context.Context) (*Pair, error)
	Waiting(ctx context.Context) ([]Entry, error)
	Size(ctx context.Context) (int, error)
}
