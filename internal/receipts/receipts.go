// Package receipts issues signed settlement receipts for terminal ledger
// outcomes.
//
// Every settlement the engine finalizes (escrow release, full or partial
// refund, refund denial) produces an HMAC-SHA256-signed receipt that either
// party can fetch and independently verify later, long after the case
// closed.
package receipts

import (
	"context"
	"errors"
	"time"
)

// ErrSigningDisabled is reported by Verify when no signing secret is
// configured.
var ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")

// SettlementPath identifies which settlement outcome the receipt documents.
type SettlementPath string

const (
	PathRelease       SettlementPath = "release"
	PathRefund        SettlementPath = "refund"
	PathPartialRefund SettlementPath = "partial_refund"
	PathDenial        SettlementPath = "denial"
)

// Receipt statuses. Denial receipts document a claim that did not move
// money; everything else documents settled funds.
const (
	StatusSettled = "settled"
	StatusDenied  = "denied"
)

// Receipt is a cryptographically signed record of a settlement outcome.
type Receipt struct {
	ID          string         `json:"id"`
	Path        SettlementPath `json:"path"`
	Reference   string         `json:"reference"` // ledger record the settlement closed over
	BookingID   string         `json:"bookingId"`
	Payer       string         `json:"payer"`
	Payee       string         `json:"payee"`
	Amount      int64          `json:"amount"` // minor currency units
	Currency    string         `json:"currency"`
	Status      string         `json:"status"`
	PayloadHash string         `json:"payloadHash"` // SHA-256 of the canonical payload
	Signature   string         `json:"signature"`   // HMAC-SHA256 over the canonical payload
	IssuedAt    time.Time      `json:"issuedAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	EventID     string         `json:"eventId,omitempty"` // domain event that triggered issuance
	Metadata    string         `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// IssueRequest is the input for issuing a receipt.
type IssueRequest struct {
	Path      SettlementPath
	Reference string
	BookingID string
	Payer     string
	Payee     string
	Amount    int64
	Currency  string
	Status    string
	EventID   string
	Metadata  string
}

// VerifyResult reports the outcome of a signature check. An unknown receipt
// id is an invalid result, not an error.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts. Create conflicts when the receipt id or the
// issuing event id was already recorded; the event uniqueness is what makes
// at-least-once issuance safe.
type Store interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Receipt, error)
	ListByReference(ctx context.Context, reference string) ([]*Receipt, error)
}

// receiptPayload is the canonical struct signed by HMAC. Field order must
// stay deterministic (JSON marshalling of a struct follows field order), so
// fields are kept alphabetical by key.
type receiptPayload struct {
	Amount    int64  `json:"amount"`
	BookingID string `json:"bookingId"`
	Currency  string `json:"currency"`
	Path      string `json:"path"`
	Payee     string `json:"payee"`
	Payer     string `json:"payer"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// payloadOf derives the canonical payload from a receipt. Issue and Verify
// must agree on this mapping or no signature will ever check out.
func payloadOf(r *Receipt) receiptPayload {
	return receiptPayload{
		Amount:    r.Amount,
		BookingID: r.BookingID,
		Currency:  r.Currency,
		Path:      string(r.Path),
		Payee:     r.Payee,
		Payer:     r.Payer,
		Reference: r.Reference,
		Status:    r.Status,
	}
}
