package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps audit events in process memory. It backs tests and
// deployments without DB_HOST, where the trail is lost on restart. A
// bounded repo drops its oldest events once full.
type MemoryRepo struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

// NewBoundedMemoryRepo keeps at most limit events.
func NewBoundedMemoryRepo(limit int) *MemoryRepo { return &MemoryRepo{limit: limit} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.events) >= r.limit {
		n := copy(r.events, r.events[len(r.events)-r.limit+1:])
		r.events = r.events[:n]
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns the retained events, oldest first.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
