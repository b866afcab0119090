package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically releases escrowed payments whose hold has expired.
// Contested payments are excluded at the query level and re-checked by
// Release, so a dispute opened mid-sweep still blocks the payout.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow release timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReleaseDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReleaseDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in release timer", "panic", fmt.Sprint(r))
		}
	}()
	t.ReleaseDue(ctx)
}

// ReleaseDue runs one sweep over due escrows. Exported so tests and admin
// tooling can trigger a sweep without running the loop.
func (t *Timer) ReleaseDue(ctx context.Context) {
	due, err := t.store.ListDueForRelease(ctx, time.Now(), t.batch)
	if err != nil {
		t.logger.Warn("failed to list payments due for release", "error", err)
		return
	}

	for _, p := range due {
		// Version 0: the sweep takes whatever version is current; the
		// contested re-check inside Release is the guard that matters.
		if _, err := t.service.Release(ctx, p.ID, 0, "scheduled", "escrow hold expired"); err != nil {
			t.logger.Warn("failed to release escrowed payment",
				"paymentId", p.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("released escrowed payment",
			"paymentId", p.ID,
			"bookingId", p.BookingID,
			"agentId", p.AgentID,
			"netAmount", p.NetAmount,
		)
	}
}
