package evidence

import (
	"context"
	"sync"

	"github.com/trailpay/trailpay/internal/fault"
)

// MemoryStore is an in-memory Store for development and tests. Items are
// copied on the way in and out so callers cannot mutate stored state.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*Item
	byDispute map[string][]string
}

// NewMemoryStore creates an empty in-memory evidence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]*Item),
		byDispute: make(map[string][]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; exists {
		return fault.Conflict("evidence item %s already exists", item.ID)
	}
	cp := *item
	m.items[item.ID] = &cp
	m.byDispute[item.DisputeID] = append(m.byDispute[item.DisputeID], item.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		return nil, fault.NotFound("evidence item %s not found", id)
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; !ok {
		return fault.NotFound("evidence item %s not found", item.ID)
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

// ListByDispute returns items in submission order, oldest first.
func (m *MemoryStore) ListByDispute(_ context.Context, disputeID string) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byDispute[disputeID]
	out := make([]*Item, 0, len(ids))
	for _, id := range ids {
		cp := *m.items[id]
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
