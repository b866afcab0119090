package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically closes open disputes whose case deadline has passed.
// Expiry re-checks the deadline inside Expire, so a case resolved mid-sweep
// is left alone.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new case expiry timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 5 * time.Minute,
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

// Start begins the expiry loop. Call in a goroutine.
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
			t.safeExpireDue(ctx)
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

func (t *Timer) safeExpireDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in dispute expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.ExpireDue(ctx)
}

// ExpireDue runs one sweep over overdue cases. Exported so tests and admin
// tooling can trigger a sweep without running the loop.
func (t *Timer) ExpireDue(ctx context.Context) {
	overdue, err := t.store.ListExpired(ctx, time.Now(), t.batch)
	if err != nil {
		t.logger.Warn("failed to list overdue disputes", "error", err)
		return
	}

	for _, d := range overdue {
		if _, err := t.service.Expire(ctx, d.ID); err != nil {
			t.logger.Warn("failed to expire dispute",
				"disputeId", d.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("expired dispute",
			"disputeId", d.ID,
			"paymentId", d.PaymentID,
			"state", string(d.State),
		)
	}
}
