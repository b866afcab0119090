package identity

import (
	"context"
	"sort"
	"sync"

	"github.com/trailpay/trailpay/internal/fault"
)

// MemoryStore is an in-memory Store for development and tests. Keys are
// copied on the way in and out so callers cannot mutate stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   map[string]*Key
	byHash map[string]string
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]*Key),
		byHash: make(map[string]string),
	}
}

func (m *MemoryStore) CreateKey(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[k.ID]; exists {
		return fault.Conflict("key %s already exists", k.ID)
	}
	if _, exists := m.byHash[k.Hash]; exists {
		return fault.Conflict("key hash already stored")
	}
	cp := *k
	m.keys[k.ID] = &cp
	m.byHash[k.Hash] = k.ID
	return nil
}

func (m *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, fault.NotFound("key not found")
	}
	cp := *m.keys[id]
	return &cp, nil
}

func (m *MemoryStore) ListKeysByActor(_ context.Context, actorID string) ([]*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Key
	for _, k := range m.keys {
		if k.ActorID == actorID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateKey(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[k.ID]; !ok {
		return fault.NotFound("key %s not found", k.ID)
	}
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
