// Package evidence stores the proof parties attach to disputes: photos,
// receipts, message transcripts, anything a traveler or agent submits to
// back their side of a case. Items are append-only. Nothing is edited or
// deleted after submission; a party that wants to correct the record submits
// a newer item, and admins mark credibility by verifying items rather than
// touching their content.
package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/trailpay/trailpay/internal/audit"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/idgen"
	"github.com/trailpay/trailpay/internal/metrics"
)

// Type classifies what kind of artifact an item is.
type Type string

const (
	TypeText             Type = "text"
	TypeImage            Type = "image"
	TypeDocument         Type = "document"
	TypeReceipt          Type = "receipt"
	TypeCommunicationLog Type = "communication_log"
)

// Valid reports whether t is a known evidence type.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeDocument, TypeReceipt, TypeCommunicationLog:
		return true
	}
	return false
}

// Source identifies which side of the dispute submitted an item.
type Source string

const (
	SourceTraveler Source = "traveler"
	SourceAgent    Source = "agent"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceTraveler || s == SourceAgent
}

// Inline content beyond this belongs in object storage behind a file ref.
const maxInlineContent = 64 * 1024

// Item is a single piece of submitted evidence.
type Item struct {
	ID          string     `json:"id"`
	DisputeID   string     `json:"disputeId"`
	Type        Type       `json:"type"`
	Source      Source     `json:"source"`
	SubmittedBy string     `json:"submittedBy"`
	Content     string     `json:"content,omitempty"`
	FileRef     string     `json:"fileRef,omitempty"`
	Description string     `json:"description,omitempty"`
	Verified    bool       `json:"verified"`
	VerifiedBy  string     `json:"verifiedBy,omitempty"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
}

// Stats are per-dispute submission counts. They are derived from the items
// on every read, never stored.
type Stats struct {
	Total        int `json:"total"`
	Verified     int `json:"verified"`
	FromTraveler int `json:"fromTraveler"`
	FromAgent    int `json:"fromAgent"`
}

// ComputeStats derives submission stats from a list of items.
func ComputeStats(items []*Item) Stats {
	st := Stats{Total: len(items)}
	for _, it := range items {
		if it.Verified {
			st.Verified++
		}
		switch it.Source {
		case SourceTraveler:
			st.FromTraveler++
		case SourceAgent:
			st.FromAgent++
		}
	}
	return st
}

// Store persists evidence items.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	Update(ctx context.Context, item *Item) error
	ListByDispute(ctx context.Context, disputeID string) ([]*Item, error)
}

// Gate reports whether a dispute may accept new evidence. The dispute
// service implements it; a submission against a missing or terminal dispute
// is rejected before anything is written.
type Gate interface {
	AcceptsEvidence(ctx context.Context, disputeID string) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, disputeID string) error

func (f GateFunc) AcceptsEvidence(ctx context.Context, disputeID string) error {
	return f(ctx, disputeID)
}

// Service owns evidence submission and admin verification.
type Service struct {
	store   Store
	gate    Gate
	auditor audit.Logger
}

// NewService builds an evidence service. Collaborators are attached with the
// With* builders.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithGate attaches the dispute gate consulted before every submission.
func (s *Service) WithGate(g Gate) *Service {
	s.gate = g
	return s
}

// WithAudit attaches an audit logger.
func (s *Service) WithAudit(l audit.Logger) *Service {
	s.auditor = l
	return s
}

// SubmitInput describes a new evidence item.
type SubmitInput struct {
	DisputeID   string
	Type        Type
	Source      Source
	SubmittedBy string
	Content     string
	FileRef     string
	Description string
}

// Submit appends an item to a dispute's evidence. Items need either inline
// content or a file reference. The gate rejects submissions against
// disputes that can no longer accept evidence.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Item, error) {
	if in.DisputeID == "" {
		return nil, fault.Validation("dispute id is required")
	}
	if !in.Type.Valid() {
		return nil, fault.Validation("unknown evidence type %q", in.Type)
	}
	if !in.Source.Valid() {
		return nil, fault.Validation("unknown evidence source %q", in.Source)
	}
	if in.Content == "" && in.FileRef == "" {
		return nil, fault.Validation("evidence needs inline content or a file reference")
	}
	if len(in.Content) > maxInlineContent {
		return nil, fault.Validation("inline content exceeds %d bytes, upload the file and submit a reference instead", maxInlineContent)
	}
	if s.gate != nil {
		if err := s.gate.AcceptsEvidence(ctx, in.DisputeID); err != nil {
			return nil, err
		}
	}

	item := &Item{
		ID:          idgen.WithPrefix("evd_"),
		DisputeID:   in.DisputeID,
		Type:        in.Type,
		Source:      in.Source,
		SubmittedBy: in.SubmittedBy,
		Content:     in.Content,
		FileRef:     in.FileRef,
		Description: in.Description,
		SubmittedAt: time.Now(),
	}
	if err := s.store.Create(ctx, item); err != nil {
		return nil, err
	}

	metrics.EvidenceSubmittedTotal.WithLabelValues(string(item.Source)).Inc()
	s.record(ctx, &audit.Entry{
		Action:     "evidence.submit",
		EntityType: audit.EntityEvidence,
		EntityID:   item.ID,
		Detail:     fmt.Sprintf("dispute %s, %s from %s", item.DisputeID, item.Type, item.Source),
	})
	return item, nil
}

// Verify sets or clears the admin verification flag on an item. Setting the
// flag to the value it already has is a no-op: same state, no extra audit
// entry.
func (s *Service) Verify(ctx context.Context, id string, verified bool, actor, reason string) (*Item, error) {
	if actor == "" {
		return nil, fault.Validation("verifying actor is required")
	}
	if reason == "" {
		return nil, fault.Validation("a reason is required")
	}
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Verified == verified {
		return item, nil
	}

	item.Verified = verified
	if verified {
		now := time.Now()
		item.VerifiedBy = actor
		item.VerifiedAt = &now
	} else {
		item.VerifiedBy = ""
		item.VerifiedAt = nil
	}
	if err := s.store.Update(ctx, item); err != nil {
		return nil, err
	}

	s.record(ctx, &audit.Entry{
		Action:     "evidence.verify",
		EntityType: audit.EntityEvidence,
		EntityID:   item.ID,
		Reason:     reason,
		Detail:     fmt.Sprintf("verified=%t by %s", verified, actor),
	})
	return item, nil
}

// Get returns a single item by id.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.store.Get(ctx, id)
}

// ListByDispute returns a dispute's evidence oldest-first with derived
// stats.
func (s *Service) ListByDispute(ctx context.Context, disputeID string) ([]*Item, Stats, error) {
	items, err := s.store.ListByDispute(ctx, disputeID)
	if err != nil {
		return nil, Stats{}, err
	}
	return items, ComputeStats(items), nil
}

func (s *Service) record(ctx context.Context, entry *audit.Entry) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Record(ctx, entry)
}
