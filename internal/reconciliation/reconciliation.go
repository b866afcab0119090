// Package reconciliation cross-checks the payment ledger against the
// dispute docket and reports rows that violate settlement invariants.
//
// The sweep is read-only. It never repairs anything: every finding is a bug
// in a write path or a half-applied resolution, and repairs belong to
// whoever reads the report. Findings surface three ways: in the returned
// Report, in the reconciliation gauges, and in the log.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trailpay/trailpay/internal/dispute"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/ledger"
)

// Default sweep tuning.
const (
	// DefaultScanLimit bounds every store scan in a single run.
	DefaultScanLimit = 500
	// DefaultOverdueGrace is how long past its scheduled release an
	// uncontested escrow may sit before the sweep calls the release timer
	// stalled.
	DefaultOverdueGrace = 30 * time.Minute
	// reportIDCap bounds the ids listed per check. Counts are exact over
	// the scanned window; the id list is a sample to start digging from.
	reportIDCap = 20
)

// PaymentScanner is the slice of the payment store the sweep reads.
type PaymentScanner interface {
	GetPayment(ctx context.Context, id string) (*ledger.Payment, error)
	ListContested(ctx context.Context, limit int) ([]*ledger.Payment, error)
	ListOverRefunded(ctx context.Context, limit int) ([]*ledger.Payment, error)
	ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*ledger.Payment, error)
}

// DisputeReader is the slice of the dispute store the sweep reads.
type DisputeReader interface {
	GetDispute(ctx context.Context, id string) (*dispute.Dispute, error)
	ListQueue(ctx context.Context, f dispute.QueueFilter) ([]*dispute.Dispute, error)
}

// Check is one consistency check's findings. Count is exact over the
// scanned window; IDs holds at most a sample of the offending rows.
type Check struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids,omitempty"`
}

// Report is the outcome of one full sweep.
type Report struct {
	// OverRefunded lists payments whose refunded total exceeds the gross
	// charge. No transition produces one; any hit is ledger corruption.
	OverRefunded Check `json:"overRefunded"`
	// UnsettledResolutions lists resolved disputes whose payment is still
	// mid refund chain, meaning the resolution half-applied.
	UnsettledResolutions Check `json:"unsettledResolutions"`
	// OverdueEscrows lists uncontested escrows past their scheduled release
	// beyond the grace period, meaning the release timer is stalled.
	OverdueEscrows Check `json:"overdueEscrows"`
	// OrphanedHolds lists payments held by a dispute that is already closed
	// or missing, so nothing will ever lift the hold.
	OrphanedHolds Check `json:"orphanedHolds"`

	Healthy    bool      `json:"healthy"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// Runner executes consistency sweeps over the payment and dispute stores.
type Runner struct {
	payments     PaymentScanner
	disputes     DisputeReader
	logger       *slog.Logger
	scanLimit    int
	overdueGrace time.Duration
	idCap        int
}

// NewRunner creates a sweep runner with default tuning.
func NewRunner(payments PaymentScanner, disputes DisputeReader, logger *slog.Logger) *Runner {
	return &Runner{
		payments:     payments,
		disputes:     disputes,
		logger:       logger,
		scanLimit:    DefaultScanLimit,
		overdueGrace: DefaultOverdueGrace,
		idCap:        reportIDCap,
	}
}

// WithOverdueGrace overrides how long a due escrow may wait for the release
// timer before it counts as stalled.
func (r *Runner) WithOverdueGrace(d time.Duration) *Runner {
	if d > 0 {
		r.overdueGrace = d
	}
	return r
}

// WithScanLimit overrides the per-scan row bound.
func (r *Runner) WithScanLimit(n int) *Runner {
	if n > 0 {
		r.scanLimit = n
	}
	return r
}

// RunAll executes every consistency check and returns the combined report.
// Gauges reflect the latest completed run; a failed run leaves them alone.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Timestamp: start.UTC()}

	var err error
	if report.OverRefunded, err = r.checkOverRefunded(ctx); err != nil {
		return r.fail(start, err)
	}
	if report.UnsettledResolutions, err = r.checkUnsettledResolutions(ctx); err != nil {
		return r.fail(start, err)
	}
	if report.OverdueEscrows, err = r.checkOverdueEscrows(ctx); err != nil {
		return r.fail(start, err)
	}
	if report.OrphanedHolds, err = r.checkOrphanedHolds(ctx); err != nil {
		return r.fail(start, err)
	}

	report.Healthy = report.OverRefunded.Count == 0 &&
		report.UnsettledResolutions.Count == 0 &&
		report.OverdueEscrows.Count == 0 &&
		report.OrphanedHolds.Count == 0
	report.DurationMs = time.Since(start).Milliseconds()

	overRefundedGauge.Set(float64(report.OverRefunded.Count))
	unsettledResolutionsGauge.Set(float64(report.UnsettledResolutions.Count))
	overdueEscrowsGauge.Set(float64(report.OverdueEscrows.Count))
	orphanedHoldsGauge.Set(float64(report.OrphanedHolds.Count))
	runDuration.Observe(time.Since(start).Seconds())

	if report.Healthy {
		r.logger.Debug("consistency sweep clean", "durationMs", report.DurationMs)
	} else {
		r.logger.Warn("consistency sweep found violations",
			"overRefunded", report.OverRefunded.Count,
			"unsettledResolutions", report.UnsettledResolutions.Count,
			"overdueEscrows", report.OverdueEscrows.Count,
			"orphanedHolds", report.OrphanedHolds.Count,
			"durationMs", report.DurationMs,
		)
	}
	return report, nil
}

func (r *Runner) fail(start time.Time, err error) (*Report, error) {
	runErrors.Inc()
	runDuration.Observe(time.Since(start).Seconds())
	return nil, err
}

func (r *Runner) checkOverRefunded(ctx context.Context) (Check, error) {
	payments, err := r.payments.ListOverRefunded(ctx, r.scanLimit)
	if err != nil {
		return Check{}, fmt.Errorf("list over-refunded payments: %w", err)
	}
	c := Check{Count: len(payments)}
	for _, p := range payments {
		c.IDs = r.sample(c.IDs, p.ID)
	}
	return c, nil
}

// resolvedStates are the dispute outcomes that must leave the payment fully
// settled: refund decisions end in REFUNDED or PARTIALLY_REFUNDED, denials
// in REFUND_DENIED or untouched escrow.
var resolvedStates = []dispute.State{
	dispute.StateResolvedRefund,
	dispute.StateResolvedPartial,
	dispute.StateResolvedDenied,
}

// checkUnsettledResolutions flags resolved disputes whose payment sits in
// REFUND_REQUESTED or REFUND_APPROVED. Resolution applies the whole refund
// chain in one transaction, so a mid-chain payment means it half-applied.
// The window is the newest scanLimit disputes per resolved state.
func (r *Runner) checkUnsettledResolutions(ctx context.Context) (Check, error) {
	var c Check
	for _, st := range resolvedStates {
		disputes, err := r.disputes.ListQueue(ctx, dispute.QueueFilter{State: st, Limit: r.scanLimit})
		if err != nil {
			return Check{}, fmt.Errorf("list %s disputes: %w", st, err)
		}
		for _, d := range disputes {
			p, err := r.payments.GetPayment(ctx, d.PaymentID)
			if err != nil {
				if errors.Is(err, fault.ErrNotFound) {
					// A resolution pointing at a missing payment cannot
					// have settled anything.
					c.Count++
					c.IDs = r.sample(c.IDs, d.ID)
					continue
				}
				return Check{}, fmt.Errorf("load payment %s for dispute %s: %w", d.PaymentID, d.ID, err)
			}
			if p.State == ledger.StateRefundRequested || p.State == ledger.StateRefundApproved {
				c.Count++
				c.IDs = r.sample(c.IDs, d.ID)
			}
		}
	}
	return c, nil
}

func (r *Runner) checkOverdueEscrows(ctx context.Context) (Check, error) {
	cutoff := time.Now().Add(-r.overdueGrace)
	payments, err := r.payments.ListDueForRelease(ctx, cutoff, r.scanLimit)
	if err != nil {
		return Check{}, fmt.Errorf("list overdue escrows: %w", err)
	}
	c := Check{Count: len(payments)}
	for _, p := range payments {
		c.IDs = r.sample(c.IDs, p.ID)
	}
	return c, nil
}

// checkOrphanedHolds flags contested payments whose dispute is terminal or
// gone. Every resolution and closure path lifts the hold in the same
// transaction, so a surviving hold will block release forever.
func (r *Runner) checkOrphanedHolds(ctx context.Context) (Check, error) {
	payments, err := r.payments.ListContested(ctx, r.scanLimit)
	if err != nil {
		return Check{}, fmt.Errorf("list contested payments: %w", err)
	}
	var c Check
	for _, p := range payments {
		d, err := r.disputes.GetDispute(ctx, p.ContestedBy)
		if err != nil {
			if errors.Is(err, fault.ErrNotFound) {
				c.Count++
				c.IDs = r.sample(c.IDs, p.ID)
				continue
			}
			return Check{}, fmt.Errorf("load dispute %s for payment %s: %w", p.ContestedBy, p.ID, err)
		}
		if d.State.IsTerminal() {
			c.Count++
			c.IDs = r.sample(c.IDs, p.ID)
		}
	}
	return c, nil
}

func (r *Runner) sample(ids []string, id string) []string {
	if len(ids) >= r.idCap {
		return ids
	}
	return append(ids, id)
}
