package matching

import (
	"context"
	"sync"

	"github.com/sparkdate/video-app/internal/preference"
)

// MemoryPool is the single-instance, in-process pool. One mutex guards the
// whole structure, so enqueue, dequeue and the take-pair scan are trivially
// mutually exclusive.
type MemoryPool struct {
	mu      sync.Mutex
	entries map[string]Entry
	order   []string // participant ids in enqueue order, may contain stale ids
}

// NewMemoryPool creates an empty in-memory pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		entries: make(map[string]Entry),
	}
}

// Enqueue adds or replaces the participant's entry.
func (p *MemoryPool) Enqueue(_ context.Context, entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[entry.ParticipantID]; !exists {
		p.order = append(p.order, entry.ParticipantID)
	}
	p.entries[entry.ParticipantID] = entry
	return nil
}

// Dequeue removes the participant's entry, reporting whether it was present.
func (p *MemoryPool) Dequeue(_ context.Context, participantID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[participantID]; !ok {
		return false, nil
	}
	delete(p.entries, participantID)
	return true, nil
}

// TryMatch scans entries in enqueue order and removes the first mutually
// compatible pair under the lock, so no concurrent caller can select either
// participant once they are taken.
func (p *MemoryPool) TryMatch(_ context.Context) (*Pair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.compactOrder()

	for i := 0; i < len(p.order); i++ {
		a, ok := p.entries[p.order[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(p.order); j++ {
			b, ok := p.entries[p.order[j]]
			if !ok {
				continue
			}
			if preference.Compatible(a.Preferences, b.Preferences) {
				delete(p.entries, a.ParticipantID)
				delete(p.entries, b.ParticipantID)
				return &Pair{A: a, B: b}, nil
			}
		}
	}
	return nil, nil
}

// Waiting returns a snapshot of all entries in enqueue order.
func (p *MemoryPool) Waiting(_ context.Context) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]Entry, 0, len(p.entries))
	for _, id := range p.order {
		if entry, ok := p.entries[id]; ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Size returns the number of waiting participants.
func (p *MemoryPool) Size(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), nil
}

// compactOrder drops order slots whose entry is gone. Called with the lock
// held.
func (p *MemoryPool) compactOrder() {
	if len(p.order) == len(p.entries) {
		return
	}
	live := p.order[:0]
	for _, id := range p.order {
		if _, ok := p.entries[id]; ok {
			live = append(live, id)
		}
	}
	p.order = live
}
