package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps the outbox in process memory.
type MemoryRepository struct {
	mu     sync.Mutex
	events []Event
	index  map[uuid.UUID]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{index: make(map[uuid.UUID]int)}
}

func (r *MemoryRepository) InsertOutbox(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.index[event.ID]; dup {
		return fmt.Errorf("duplicate outbox event %s", event.ID)
	}
	r.index[event.ID] = len(r.events)
	r.events = append(r.events, event)
	return nil
}

func (r *MemoryRepository) FetchUnsentOutbox(ctx context.Context, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.SentAt != nil {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrEventNotFound)
	}
	e := r.events[i]
	return &e, nil
}

func (r *MemoryRepository) MarkOutboxSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrEventNotFound)
	}
	if r.events[i].SentAt == nil {
		r.events[i].SentAt = &at
	}
	return nil
}

func (r *MemoryRepository) CountPending(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.SentAt == nil {
			n++
		}
	}
	return n, nil
}

// Events returns a copy of every stored event in insertion order.
func (r *MemoryRepository) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
