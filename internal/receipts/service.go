package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/idgen"
	"github.com/trailpay/trailpay/internal/metrics"
)

// Service signs, persists, and verifies settlement receipts.
type Service struct {
	store  Store
	signer *Signer
}

// NewService creates a receipt service. A nil signer disables issuance;
// lookups and verification still answer, with Verify reporting the disabled
// state.
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
	}
}

// IssueReceipt signs and persists a receipt. Nil-safe: returns (nil, nil)
// when the service or signer is nil, so settlement paths do not need to
// care whether receipts are configured.
func (s *Service) IssueReceipt(ctx context.Context, req IssueRequest) (*Receipt, error) {
	if s == nil || s.signer == nil {
		return nil, nil
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	r := &Receipt{
		ID:        idgen.WithPrefix("rcp_"),
		Path:      req.Path,
		Reference: req.Reference,
		BookingID: req.BookingID,
		Payer:     req.Payer,
		Payee:     req.Payee,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    req.Status,
		EventID:   req.EventID,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
	}

	payload := payloadOf(r)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: marshal payload: %w", err)
	}
	hash := sha256.Sum256(data)
	r.PayloadHash = fmt.Sprintf("%x", hash)

	sig, issuedAt, expiresAt, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: sign payload: %w", err)
	}
	r.Signature = sig
	r.IssuedAt = issuedAt
	r.ExpiresAt = expiresAt

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	metrics.ReceiptsIssuedTotal.WithLabelValues(string(r.Path)).Inc()
	return r, nil
}

// Get returns a receipt by id.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByActor returns receipts where the actor is payer or payee, newest
// first.
func (s *Service) ListByActor(ctx context.Context, actorID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByActor(ctx, actorID, limit)
}

// ListByReference returns every receipt issued against a ledger record,
// newest first. A payment with several partial refunds accumulates one
// receipt per settlement.
func (s *Service) ListByReference(ctx context.Context, reference string) ([]*Receipt, error) {
	return s.store.ListByReference(ctx, reference)
}

// Verify recomputes the signature over the stored receipt and reports
// whether it still checks out. An unknown id or disabled signer yields an
// invalid report rather than an error.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResult, error) {
	if s == nil || s.signer == nil {
		return &VerifyResult{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrSigningDisabled.Error(),
		}, nil
	}

	r, err := s.store.Get(ctx, receiptID)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			return &VerifyResult{
				Valid:     false,
				ReceiptID: receiptID,
				Error:     "receipt not found",
			}, nil
		}
		return nil, err
	}

	result := &VerifyResult{
		ReceiptID: receiptID,
		Valid:     s.signer.Verify(payloadOf(r), r.Signature),
	}
	if !result.Valid {
		result.Error = "signature verification failed"
	}
	if result.Valid && time.Now().After(r.ExpiresAt) {
		result.Expired = true
	}
	return result, nil
}

func (req IssueRequest) validate() error {
	switch req.Path {
	case PathRelease, PathRefund, PathPartialRefund, PathDenial:
	default:
		return fault.Validation("unknown settlement path %q", req.Path)
	}
	switch req.Status {
	case StatusSettled, StatusDenied:
	default:
		return fault.Validation("unknown receipt status %q", req.Status)
	}
	if req.Reference == "" {
		return fault.Validation("a settlement reference is required")
	}
	if req.Amount < 0 {
		return fault.Validation("receipt amount cannot be negative")
	}
	return nil
}
