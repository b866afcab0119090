package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trailpay/trailpay/internal/events"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/ledger"
)

// PaymentReader is the slice of the ledger store the issuer needs to fill
// in the parties and amounts the event payloads omit.
type PaymentReader interface {
	GetPayment(ctx context.Context, id string) (*ledger.Payment, error)
}

// Issuer turns terminal settlement events into signed receipts. It sits in
// the dispatcher fan-out next to the webhook sink and the live feed, so
// issuance happens after the settlement committed. Delivery is
// at-least-once: the store's event-id uniqueness absorbs redeliveries.
//
// The paths mirror the ledger's settlement states one to one: RELEASED,
// REFUNDED, PARTIALLY_REFUNDED, and REFUND_DENIED. A dispute denial that
// merely lifts a contested hold settles nothing and produces no receipt;
// the eventual release does.
type Issuer struct {
	service  *Service
	payments PaymentReader
	logger   *slog.Logger
}

// NewIssuer creates a receipt issuer over the given service and ledger
// reader.
func NewIssuer(service *Service, payments PaymentReader, logger *slog.Logger) *Issuer {
	return &Issuer{
		service:  service,
		payments: payments,
		logger:   logger,
	}
}

// settlementEvent is the slice of the payment and refund event payloads the
// issuer reads. Release events carry only the payment id.
type settlementEvent struct {
	PaymentID       string `json:"paymentId"`
	RefundRequestID string `json:"refundRequestId"`
	Amount          int64  `json:"amount"`
	State           string `json:"state"`
}

// Publish implements events.Publisher. Unrelated event types pass through
// untouched.
func (i *Issuer) Publish(ctx context.Context, e *events.Event) error {
	switch e.Type {
	case events.EventPaymentReleased, events.EventRefundProcessed, events.EventRefundDenied:
	default:
		return nil
	}

	var evt settlementEvent
	if err := json.Unmarshal(e.Payload, &evt); err != nil {
		return fmt.Errorf("receipts: decode %s payload: %w", e.Type, err)
	}
	if evt.PaymentID == "" {
		// Malformed payloads never become deliverable; drop instead of
		// poisoning the redelivery loop.
		i.logger.Warn("settlement event without payment id, skipping receipt",
			"eventId", e.ID, "type", string(e.Type))
		return nil
	}

	p, err := i.payments.GetPayment(ctx, evt.PaymentID)
	if err != nil {
		return fmt.Errorf("receipts: load payment %s: %w", evt.PaymentID, err)
	}

	req := IssueRequest{
		Reference: p.ID,
		BookingID: p.BookingID,
		Currency:  p.Currency,
		EventID:   e.ID,
	}
	switch e.Type {
	case events.EventPaymentReleased:
		req.Path = PathRelease
		req.Payer = p.TravelerID
		req.Payee = p.AgentID
		req.Amount = p.NetAmount
		req.Status = StatusSettled
	case events.EventRefundProcessed:
		req.Path = PathRefund
		if ledger.State(evt.State) == ledger.StatePartiallyRefunded {
			req.Path = PathPartialRefund
		}
		req.Payer = p.AgentID
		req.Payee = p.TravelerID
		req.Amount = evt.Amount
		req.Status = StatusSettled
		req.Metadata = evt.RefundRequestID
	case events.EventRefundDenied:
		req.Path = PathDenial
		req.Payer = p.AgentID
		req.Payee = p.TravelerID
		req.Amount = evt.Amount
		req.Status = StatusDenied
		req.Metadata = evt.RefundRequestID
	}

	r, err := i.service.IssueReceipt(ctx, req)
	if err != nil {
		if errors.Is(err, fault.ErrConflict) {
			// Redelivery; the receipt is already on file.
			return nil
		}
		return err
	}
	if r != nil {
		i.logger.Info("settlement receipt issued",
			"receiptId", r.ID, "path", string(r.Path),
			"paymentId", p.ID, "eventId", e.ID)
	}
	return nil
}

var _ events.Publisher = (*Issuer)(nil)
