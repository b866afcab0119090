package receipts

import (
	"context"
	"sort"
	"sync"

	"github.com/trailpay/trailpay/internal/fault"
)

// MemoryStore is an in-memory receipt store for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
	byEvent  map[string]string // event id -> receipt id
}

// NewMemoryStore creates an empty in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*Receipt),
		byEvent:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ID]; ok {
		return fault.Conflict("receipt %s already exists", r.ID)
	}
	if r.EventID != "" {
		if existing, ok := m.byEvent[r.EventID]; ok {
			return fault.Conflict("event %s already produced receipt %s", r.EventID, existing)
		}
		m.byEvent[r.EventID] = r.ID
	}
	cp := *r
	m.receipts[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, fault.NotFound("receipt %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByActor(_ context.Context, actorID string, limit int) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.Payer == actorID || r.Payee == actorID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByReference(_ context.Context, reference string) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.Reference == reference {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
