package arbitration

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/trailpay/trailpay/internal/fault"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx, so resolution writes can
// join the unit of work that decides them.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists resolutions and case notes in PostgreSQL.
type PostgresStore struct {
	db dbtx
}

// NewPostgresStore creates a new PostgreSQL-backed resolution store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx returns a store view that runs every statement on tx.
func (p *PostgresStore) WithTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{db: tx}
}

func (p *PostgresStore) CreateResolution(ctx context.Context, r *Resolution) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO resolutions (
			id, dispute_id, type, refund_amount, refund_percentage, currency,
			reasoning, internal_notes, admin_reason, resolved_by,
			refund_request_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12
		)`,
		r.ID, r.DisputeID, string(r.Type), r.RefundAmount, r.RefundPercentage, r.Currency,
		r.Reasoning, nullString(r.InternalNotes), nullString(r.AdminReason), r.ResolvedBy,
		nullString(r.RefundRequestID), r.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("dispute %s already carries a resolution", r.DisputeID)
		}
		return err
	}
	return nil
}

const resolutionColumns = `id, dispute_id, type, refund_amount, refund_percentage, currency,
			       reasoning, internal_notes, admin_reason, resolved_by,
			       refund_request_id, created_at`

func (p *PostgresStore) GetResolution(ctx context.Context, id string) (*Resolution, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+resolutionColumns+` FROM resolutions WHERE id = $1`, id)

	r, err := scanResolution(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("resolution %s not found", id)
	}
	return r, err
}

func (p *PostgresStore) GetResolutionByDispute(ctx context.Context, disputeID string) (*Resolution, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+resolutionColumns+` FROM resolutions WHERE dispute_id = $1`, disputeID)

	r, err := scanResolution(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("dispute %s has no resolution", disputeID)
	}
	return r, err
}

func (p *PostgresStore) AddNote(ctx context.Context, n *Note) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitration_notes (id, dispute_id, author_id, body, is_internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.DisputeID, n.AuthorID, n.Body, n.IsInternal, n.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("note %s already exists", n.ID)
		}
		return err
	}
	return nil
}

func (p *PostgresStore) ListNotes(ctx context.Context, disputeID string) ([]*Note, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, author_id, body, is_internal, created_at
		FROM arbitration_notes
		WHERE dispute_id = $1
		ORDER BY created_at ASC, id ASC`,
		disputeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		n := &Note{}
		if err := rows.Scan(&n.ID, &n.DisputeID, &n.AuthorID, &n.Body, &n.IsInternal, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResolution(s scanner) (*Resolution, error) {
	r := &Resolution{}
	var (
		resType         string
		internalNotes   sql.NullString
		adminReason     sql.NullString
		refundRequestID sql.NullString
	)

	err := s.Scan(
		&r.ID, &r.DisputeID, &resType, &r.RefundAmount, &r.RefundPercentage, &r.Currency,
		&r.Reasoning, &internalNotes, &adminReason, &r.ResolvedBy,
		&refundRequestID, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Type = ResolutionType(resType)
	r.InternalNotes = internalNotes.String
	r.AdminReason = adminReason.String
	r.RefundRequestID = refundRequestID.String

	return r, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
