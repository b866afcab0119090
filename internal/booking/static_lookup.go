package booking

import (
	"context"
	"sync"

	"github.com/trailpay/trailpay/internal/fault"
)

// StaticLookup serves bookings from a fixed in-memory set. Development mode
// and tests use it in place of the trips service.
type StaticLookup struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
}

// NewStaticLookup creates a lookup pre-loaded with the given bookings.
func NewStaticLookup(bookings ...*Booking) *StaticLookup {
	l := &StaticLookup{bookings: make(map[string]*Booking)}
	for _, b := range bookings {
		l.Add(b)
	}
	return l
}

// Add registers or replaces a booking.
func (l *StaticLookup) Add(b *Booking) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *b
	l.bookings[b.ID] = &cp
}

func (l *StaticLookup) GetBooking(_ context.Context, bookingID string) (*Booking, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.bookings[bookingID]
	if !ok {
		return nil, fault.NotFound("booking %s not found", bookingID)
	}
	cp := *b
	return &cp, nil
}

var _ Lookup = (*StaticLookup)(nil)
