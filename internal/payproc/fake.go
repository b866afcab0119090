package payproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/trailpay/trailpay/internal/idgen"
	"github.com/trailpay/trailpay/internal/ledger"
)

// FakeProcessor settles charges and refunds instantly in memory. It honors
// idempotency keys the way a real processor does: replaying a key returns
// the original reference without moving money twice. Development use.
type FakeProcessor struct {
	mu      sync.Mutex
	charges map[string]string
	refunds map[string]string
}

// NewFakeProcessor creates an empty fake processor.
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{
		charges: make(map[string]string),
		refunds: make(map[string]string),
	}
}

func (f *FakeProcessor) Charge(ctx context.Context, params ledger.ChargeParams) (*ledger.ChargeResult, error) {
	if params.Amount <= 0 {
		return nil, fmt.Errorf("charge amount must be positive, got %d", params.Amount)
	}
	if params.IdempotencyKey == "" {
		return nil, fmt.Errorf("charge for %s carries no idempotency key", params.PaymentID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.charges[params.IdempotencyKey]
	if !ok {
		ref = idgen.WithPrefix("ch_")
		f.charges[params.IdempotencyKey] = ref
	}
	return &ledger.ChargeResult{ProviderRef: ref}, nil
}

func (f *FakeProcessor) Refund(ctx context.Context, params ledger.RefundParams) (*ledger.RefundResult, error) {
	if params.Amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %d", params.Amount)
	}
	if params.ProviderRef == "" {
		return nil, fmt.Errorf("payment %s has no provider reference to refund against", params.PaymentID)
	}
	if params.IdempotencyKey == "" {
		return nil, fmt.Errorf("refund for %s carries no idempotency key", params.PaymentID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refunds[params.IdempotencyKey]
	if !ok {
		ref = idgen.WithPrefix("re_")
		f.refunds[params.IdempotencyKey] = ref
	}
	return &ledger.RefundResult{ProviderRef: ref}, nil
}

var _ ledger.PaymentProcessor = (*FakeProcessor)(nil)
