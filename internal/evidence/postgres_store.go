package evidence

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/trailpay/trailpay/internal/fault"
)

// PostgresStore persists evidence items in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed evidence store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, item *Item) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evidence_items (
			id, dispute_id, type, source, submitted_by,
			content, file_ref, description,
			verified, verified_by, verified_at, submitted_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12
		)`,
		item.ID, item.DisputeID, string(item.Type), string(item.Source), item.SubmittedBy,
		nullString(item.Content), nullString(item.FileRef), nullString(item.Description),
		item.Verified, nullString(item.VerifiedBy), nullTime(item.VerifiedAt), item.SubmittedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("evidence item %s already exists", item.ID)
		}
		return err
	}
	return nil
}

const evidenceColumns = `id, dispute_id, type, source, submitted_by,
		       content, file_ref, description,
		       verified, verified_by, verified_at, submitted_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_items WHERE id = $1`, id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("evidence item %s not found", id)
	}
	return item, err
}

func (p *PostgresStore) Update(ctx context.Context, item *Item) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE evidence_items
		SET verified = $1, verified_by = $2, verified_at = $3
		WHERE id = $4`,
		item.Verified, nullString(item.VerifiedBy), nullTime(item.VerifiedAt), item.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.NotFound("evidence item %s not found", item.ID)
	}
	return nil
}

func (p *PostgresStore) ListByDispute(ctx context.Context, disputeID string) ([]*Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence_items
		WHERE dispute_id = $1
		ORDER BY submitted_at ASC, id ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(s scanner) (*Item, error) {
	item := &Item{}
	var (
		itemType    string
		source      string
		content     sql.NullString
		fileRef     sql.NullString
		description sql.NullString
		verifiedBy  sql.NullString
		verifiedAt  sql.NullTime
	)
	err := s.Scan(
		&item.ID, &item.DisputeID, &itemType, &source, &item.SubmittedBy,
		&content, &fileRef, &description,
		&item.Verified, &verifiedBy, &verifiedAt, &item.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Type = Type(itemType)
	item.Source = Source(source)
	item.Content = content.String
	item.FileRef = fileRef.String
	item.Description = description.String
	item.VerifiedBy = verifiedBy.String
	if verifiedAt.Valid {
		item.VerifiedAt = &verifiedAt.Time
	}
	return item, nil
}

// nullString converts a string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
