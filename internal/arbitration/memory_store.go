package arbitration

import (
	"context"
	"sync"

	"github.com/trailpay/trailpay/internal/fault"
)

// MemoryStore is an in-memory resolution and note store for development
// mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	resolutions map[string]*Resolution
	byDispute   map[string]string
	notes       map[string][]*Note
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resolutions: make(map[string]*Resolution),
		byDispute:   make(map[string]string),
		notes:       make(map[string][]*Note),
	}
}

func (m *MemoryStore) CreateResolution(_ context.Context, r *Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.resolutions[r.ID]; exists {
		return fault.Conflict("resolution %s already exists", r.ID)
	}
	if prior, exists := m.byDispute[r.DisputeID]; exists {
		return fault.Conflict("dispute %s already carries resolution %s", r.DisputeID, prior)
	}
	cp := *r
	m.resolutions[r.ID] = &cp
	m.byDispute[r.DisputeID] = r.ID
	return nil
}

func (m *MemoryStore) GetResolution(_ context.Context, id string) (*Resolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resolutions[id]
	if !ok {
		return nil, fault.NotFound("resolution %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetResolutionByDispute(_ context.Context, disputeID string) (*Resolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byDispute[disputeID]
	if !ok {
		return nil, fault.NotFound("dispute %s has no resolution", disputeID)
	}
	cp := *m.resolutions[id]
	return &cp, nil
}

func (m *MemoryStore) AddNote(_ context.Context, n *Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *n
	m.notes[n.DisputeID] = append(m.notes[n.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListNotes(_ context.Context, disputeID string) ([]*Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	notes := m.notes[disputeID]
	out := make([]*Note, 0, len(notes))
	for _, n := range notes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
