package audit

import (
	"context"
	"sync"
)

// MemoryLogger stores audit entries in memory for demo/testing.
type MemoryLogger struct {
	entries []*Entry
	mu      sync.RWMutex
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Record(ctx context.Context, entry *Entry) error {
	prepare(ctx, entry)

	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *entry
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryLogger) Query(_ context.Context, q Query) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	// Iterate in reverse for newest-first order
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if q.EntityType != "" && e.EntityType != q.EntityType {
			continue
		}
		if q.EntityID != "" && e.EntityID != q.EntityID {
			continue
		}
		if q.ActorID != "" && e.ActorID != q.ActorID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.CreatedAt.After(q.To) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}

var _ Logger = (*MemoryLogger)(nil)
