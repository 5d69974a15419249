// internal/journal/memory.go
package journal

import (
	"context"
	"sync"
	"time"
)

// MemoryJournal keeps the most recent entries in a bounded ring.
type MemoryJournal struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
	nextID   int64
	closed   bool
}

func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryJournal{capacity: capacity, nextID: 1}
}

func (j *MemoryJournal) Append(ctx context.Context, e Entry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	e.ID = j.nextID
	j.nextID++
	e.Payload = safePayload(e.Payload)
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if len(j.entries) == j.capacity {
		copy(j.entries, j.entries[1:])
		j.entries = j.entries[:len(j.entries)-1]
	}
	j.entries = append(j.entries, e)
	return e.ID, nil
}

func (j *MemoryJournal) Stream(ctx context.Context, fromID int64, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	var out []Entry
	for _, e := range j.entries {
		if e.ID <= fromID {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (j *MemoryJournal) ForListing(ctx context.Context, listingID string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	var out []Entry
	for i := len(j.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if j.entries[i].ListingID == listingID {
			out = append(out, j.entries[i])
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}
