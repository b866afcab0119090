// Package payproc implements the money-moving side of the ledger. The
// production processor drives Stripe PaymentIntents and Refunds; the fake
// settles instantly in memory for development and local runs.
package payproc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/ledger"
	"github.com/trailpay/trailpay/internal/refundpolicy"
)

// StripeProcessor charges and refunds through Stripe. Charges open
// PaymentIntents that the traveler's checkout flow confirms; the webhook
// pipeline reports the outcome back into the ledger.
type StripeProcessor struct {
	api *client.API
}

// NewStripeProcessor creates a processor authenticated with apiKey.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProcessor{api: api}
}

// NewStripeProcessorWithClient wires a preconfigured API client. Tests use
// it to point at a stub backend.
func NewStripeProcessorWithClient(api *client.API) *StripeProcessor {
	return &StripeProcessor{api: api}
}

// Charge opens a PaymentIntent for the payment's gross amount. The intent id
// becomes the payment's provider reference. Stripe dedupes on the
// idempotency key, so a resubmitted charge returns the original intent.
func (s *StripeProcessor) Charge(ctx context.Context, params ledger.ChargeParams) (*ledger.ChargeResult, error) {
	piParams := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(params.Amount),
		Currency: stripe.String(strings.ToLower(params.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	piParams.Context = ctx
	piParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	piParams.AddMetadata("payment_id", params.PaymentID)
	if params.Description != "" {
		piParams.Description = stripe.String(params.Description)
	}

	intent, err := s.api.PaymentIntents.New(piParams)
	if err != nil {
		return nil, classify("charge", params.PaymentID, err)
	}
	return &ledger.ChargeResult{ProviderRef: intent.ID}, nil
}

// Refund returns money against the payment's original intent. Stripe accepts
// only three refund reasons; the ledger's reason rides along in metadata.
func (s *StripeProcessor) Refund(ctx context.Context, params ledger.RefundParams) (*ledger.RefundResult, error) {
	if params.ProviderRef == "" {
		return nil, fmt.Errorf("payment %s has no provider reference to refund against", params.PaymentID)
	}

	rParams := &stripe.RefundParams{
		PaymentIntent: stripe.String(params.ProviderRef),
		Amount:        stripe.Int64(params.Amount),
		Reason:        stripe.String(string(stripeRefundReason(params.Reason))),
	}
	rParams.Context = ctx
	rParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	rParams.AddMetadata("payment_id", params.PaymentID)
	rParams.AddMetadata("reason", params.Reason)

	ref, err := s.api.Refunds.New(rParams)
	if err != nil {
		return nil, classify("refund", params.PaymentID, err)
	}
	return &ledger.RefundResult{ProviderRef: ref.ID}, nil
}

func stripeRefundReason(reason string) stripe.RefundReason {
	if reason == string(refundpolicy.ReasonDuplicateCharge) {
		return stripe.RefundReasonDuplicate
	}
	return stripe.RefundReasonRequestedByCustomer
}

// classify maps a Stripe failure onto the ledger's retry contract: upstream
// means the outcome is unknown and the same idempotency key may be retried;
// everything else is a definitive rejection.
func classify(op, paymentID string, err error) error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return fault.Upstream(err, "stripe %s for %s", op, paymentID)
	}
	switch {
	case sErr.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%s declined: %s", op, stripeDetail(sErr))
	case sErr.Type == stripe.ErrorTypeAPI,
		sErr.HTTPStatusCode == http.StatusTooManyRequests,
		sErr.HTTPStatusCode >= http.StatusInternalServerError:
		return fault.Upstream(err, "stripe %s for %s", op, paymentID)
	default:
		return fmt.Errorf("stripe rejected the %s: %s", op, stripeDetail(sErr))
	}
}

func stripeDetail(sErr *stripe.Error) string {
	switch {
	case sErr.DeclineCode != "":
		return fmt.Sprintf("%s (%s)", sErr.Msg, sErr.DeclineCode)
	case sErr.Code != "":
		return fmt.Sprintf("%s (%s)", sErr.Msg, sErr.Code)
	default:
		return sErr.Msg
	}
}

var _ ledger.PaymentProcessor = (*StripeProcessor)(nil)
