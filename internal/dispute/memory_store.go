package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trailpay/trailpay/internal/fault"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	history  map[string][]*HistoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		history:  make(map[string][]*HistoryEntry),
	}
}

// CreateDispute stores a new dispute.
func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.disputes[d.ID]; exists {
		return fault.Conflict("dispute %s already exists", d.ID)
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

// GetDispute retrieves a dispute by ID.
func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, fault.NotFound("dispute %s not found", id)
	}
	cp := *d
	return &cp, nil
}

// UpdateDispute writes d if the stored version matches expectedVersion.
func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return fault.NotFound("dispute %s not found", d.ID)
	}
	if current.Version != expectedVersion {
		return fault.Conflict("dispute %s is at version %d, expected %d", d.ID, current.Version, expectedVersion)
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

// GetOpenByPayment returns the payment's open dispute, if any.
func (m *MemoryStore) GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.PaymentID == paymentID && d.Open() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fault.NotFound("no open dispute for payment %s", paymentID)
}

// queueRank orders escalated cases ahead of everything else.
func queueRank(d *Dispute) int {
	if d.State == StateEscalated {
		return 1
	}
	return 0
}

// ListQueue returns disputes matching the filter in queue order:
// escalated first, then newest first.
func (m *MemoryStore) ListQueue(ctx context.Context, f QueueFilter) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if f.State != "" {
			if d.State != f.State {
				continue
			}
		} else if !d.Open() {
			continue
		}
		if f.EscalatedOnly && d.State != StateEscalated {
			continue
		}
		if f.AssignedAdminID != "" && d.AssignedAdminID != f.AssignedAdminID {
			continue
		}
		if f.Unassigned && d.AssignedAdminID != "" {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := queueRank(out[i]), queueRank(out[j])
		if ri != rj {
			return ri > rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if f.After != nil {
		cr := 0
		if f.After.Escalated {
			cr = 1
		}
		kept := out[:0]
		for _, d := range out {
			r := queueRank(d)
			after := r < cr ||
				(r == cr && d.CreatedAt.Before(f.After.CreatedAt)) ||
				(r == cr && d.CreatedAt.Equal(f.After.CreatedAt) && d.ID < f.After.ID)
			if after {
				kept = append(kept, d)
			}
		}
		out = kept
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListExpired returns open disputes whose case deadline has passed, oldest
// deadline first.
func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if !d.Open() || d.CaseDeadline.After(before) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CaseDeadline.Before(out[j].CaseDeadline)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddHistory appends an entry to the dispute's timeline.
func (m *MemoryStore) AddHistory(ctx context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.history[entry.DisputeID] = append(m.history[entry.DisputeID], &cp)
	return nil
}

// ListHistory returns the dispute's timeline in insertion order.
func (m *MemoryStore) ListHistory(ctx context.Context, disputeID string) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[disputeID]
	out := make([]*HistoryEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
