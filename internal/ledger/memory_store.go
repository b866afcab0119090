package ledger

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
	payments map[string]*Payment
	byIdem   map[string]string
	requests map[string]*RefundRequest
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		byIdem:   make(map[string]string),
		requests: make(map[string]*RefundRequest),
	}
}

// CreatePayment stores a new payment.
func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.ID]; exists {
		return fault.Conflict("payment %s already exists", p.ID)
	}
	if p.IdempotencyKey != "" {
		if _, exists := m.byIdem[p.IdempotencyKey]; exists {
			return fault.Conflict("idempotency key %s already used", p.IdempotencyKey)
		}
		m.byIdem[p.IdempotencyKey] = p.ID
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

// GetPayment retrieves a payment by ID.
func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, fault.NotFound("payment %s not found", id)
	}
	cp := *p
	return &cp, nil
}

// GetPaymentByIdempotencyKey retrieves a payment by its idempotency key.
func (m *MemoryStore) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIdem[key]
	if !ok {
		return nil, fault.NotFound("no payment for idempotency key %s", key)
	}
	cp := *m.payments[id]
	return &cp, nil
}

// UpdatePayment writes p if the stored version matches expectedVersion.
func (m *MemoryStore) UpdatePayment(ctx context.Context, p *Payment, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[p.ID]
	if !ok {
		return fault.NotFound("payment %s not found", p.ID)
	}
	if current.Version != expectedVersion {
		return fault.Conflict("payment %s is at version %d, expected %d", p.ID, current.Version, expectedVersion)
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

// ListPaymentsByBooking returns payments for a booking, newest first.
func (m *MemoryStore) ListPaymentsByBooking(ctx context.Context, bookingID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListDueForRelease returns uncontested escrowed payments whose scheduled
// release time has passed, oldest first.
func (m *MemoryStore) ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.State != StateInEscrow || p.ContestedBy != "" {
			continue
		}
		if p.ScheduledReleaseAt == nil || p.ScheduledReleaseAt.After(before) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledReleaseAt.Before(*out[j].ScheduledReleaseAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListContested returns payments with an active dispute hold, oldest payment
// first.
func (m *MemoryStore) ListContested(ctx context.Context, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.ContestedBy == "" {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOverRefunded returns payments whose refunded total exceeds the gross
// charge.
func (m *MemoryStore) ListOverRefunded(ctx context.Context, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.RefundedAmount <= p.GrossAmount {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SumEscrowExposure totals the net amounts currently held in escrow.
func (m *MemoryStore) SumEscrowExposure(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, p := range m.payments {
		if p.State == StateInEscrow {
			sum += p.NetAmount
		}
	}
	return sum, nil
}

// CreateRefundRequest stores a new refund request.
func (m *MemoryStore) CreateRefundRequest(ctx context.Context, r *RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[r.ID]; exists {
		return fault.Conflict("refund request %s already exists", r.ID)
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

// GetRefundRequest retrieves a refund request by ID.
func (m *MemoryStore) GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, fault.NotFound("refund request %s not found", id)
	}
	cp := *r
	return &cp, nil
}

// UpdateRefundRequest overwrites an existing refund request.
func (m *MemoryStore) UpdateRefundRequest(ctx context.Context, r *RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; !ok {
		return fault.NotFound("refund request %s not found", r.ID)
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

// ListRefundRequestsByPayment returns refund requests for a payment, oldest
// first.
func (m *MemoryStore) ListRefundRequestsByPayment(ctx context.Context, paymentID string) ([]*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RefundRequest
	for _, r := range m.requests {
		if r.PaymentID == paymentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
