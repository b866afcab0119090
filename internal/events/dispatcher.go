package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/trailpay/trailpay/internal/metrics"
)

// Dispatcher drains the outbox on an interval and delivers due events to its
// targets. Delivery is at-least-once: an event is marked delivered only after
// every target accepts it, and a crash between delivery and the mark causes
// redelivery.
type Dispatcher struct {
	outbox   Outbox
	targets  []Publisher
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDispatcher creates an outbox dispatcher delivering to targets.
func NewDispatcher(outbox Outbox, logger *slog.Logger, targets ...Publisher) *Dispatcher {
	return &Dispatcher{
		outbox:   outbox,
		targets:  targets,
		interval: 5 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the dispatch interval.
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// Running reports whether the dispatch loop is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start begins the dispatch loop. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDispatch(ctx)
		}
	}
}

// Stop signals the dispatcher to stop.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) safeDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in outbox dispatcher", "panic", fmt.Sprint(r))
		}
	}()
	d.DispatchDue(ctx)
}

// DispatchDue delivers every due event once. Exposed so tests and admin
// tooling can drain the outbox without running the loop.
func (d *Dispatcher) DispatchDue(ctx context.Context) {
	now := time.Now()

	due, err := d.outbox.ListDue(ctx, now, d.batch)
	if err != nil {
		d.logger.Warn("failed to list due events", "error", err)
		return
	}

	for _, se := range due {
		evt := se.Event
		if err := d.deliver(ctx, &evt); err != nil {
			next := now.Add(redeliveryDelay(se.Attempts))
			if rerr := d.outbox.Reschedule(ctx, evt.ID, next, err.Error()); rerr != nil {
				d.logger.Warn("failed to reschedule event", "eventId", evt.ID, "error", rerr)
			}
			metrics.EventsPublishedTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("event delivery failed",
				"eventId", evt.ID,
				"type", string(evt.Type),
				"attempts", se.Attempts+1,
				"nextAttemptAt", next,
				"error", err,
			)
			continue
		}

		if err := d.outbox.MarkDelivered(ctx, evt.ID, time.Now()); err != nil {
			d.logger.Warn("failed to mark event delivered", "eventId", evt.ID, "error", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues("delivered").Inc()
	}

	if n, err := d.outbox.CountPending(ctx); err == nil {
		metrics.OutboxPending.Set(float64(n))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e *Event) error {
	var errs []error
	for _, t := range d.targets {
		if err := t.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// redeliveryDelay backs off exponentially from 5s, capped at 10 minutes.
func redeliveryDelay(attempts int) time.Duration {
	const (
		base = 5 * time.Second
		max  = 10 * time.Minute
	)
	if attempts > 7 {
		return max
	}
	d := base << uint(attempts)
	if d > max {
		return max
	}
	return d
}
