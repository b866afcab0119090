package receipts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/trailpay/trailpay/internal/fault"
)

// PostgresStore persists receipts in PostgreSQL. Schema lives in
// migrations/0007_receipts.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, path, reference, booking_id, payer, payee,
	amount, currency, status, payload_hash, signature,
	issued_at, expires_at, event_id, metadata, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (
			id, path, reference, booking_id, payer, payee,
			amount, currency, status, payload_hash, signature,
			issued_at, expires_at, event_id, metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		r.ID, string(r.Path), r.Reference, r.BookingID, r.Payer, r.Payee,
		r.Amount, r.Currency, r.Status, r.PayloadHash, r.Signature,
		r.IssuedAt, r.ExpiresAt, nullString(r.EventID), nullString(r.Metadata), r.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("receipt %s already recorded", r.ID)
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts WHERE id = $1`, id)

	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("receipt %s not found", id)
	}
	return r, err
}

func (p *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts
		WHERE payer = $1 OR payee = $1
		ORDER BY created_at DESC
		LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

func (p *PostgresStore) ListByReference(ctx context.Context, reference string) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM receipts
		WHERE reference = $1
		ORDER BY created_at DESC`, reference)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		path     string
		eventID  sql.NullString
		metadata sql.NullString
	)

	err := sc.Scan(
		&r.ID, &path, &r.Reference, &r.BookingID, &r.Payer, &r.Payee,
		&r.Amount, &r.Currency, &r.Status, &r.PayloadHash, &r.Signature,
		&r.IssuedAt, &r.ExpiresAt, &eventID, &metadata, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Path = SettlementPath(path)
	r.EventID = eventID.String
	r.Metadata = metadata.String
	return r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
