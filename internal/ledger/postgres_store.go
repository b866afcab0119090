package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/refundpolicy"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx, so ledger writes can join
// the transaction of the arbitration decision that drives them.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists payments and refund requests in PostgreSQL.
type PostgresStore struct {
	db dbtx
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx returns a store view that runs every statement on tx.
func (p *PostgresStore) WithTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{db: tx}
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, booking_id, traveler_id, agent_id, state,
			gross_amount, commission_amount, processing_fee, net_amount, refunded_amount,
			currency, contested_by, provider_ref,
			escrow_started_at, scheduled_release_at, released_at,
			idempotency_key, idempotency_expires_at,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16,
			$17, $18,
			$19, $20, $21
		)`,
		pay.ID, pay.BookingID, pay.TravelerID, pay.AgentID, string(pay.State),
		pay.GrossAmount, pay.CommissionAmount, pay.ProcessingFee, pay.NetAmount, pay.RefundedAmount,
		pay.Currency, nullString(pay.ContestedBy), nullString(pay.ProviderRef),
		nullTime(pay.EscrowStartedAt), nullTime(pay.ScheduledReleaseAt), nullTime(pay.ReleasedAt),
		nullString(pay.IdempotencyKey), nullTime(pay.IdempotencyExpiresAt),
		pay.Version, pay.CreatedAt, pay.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("payment %s already exists", pay.ID)
		}
		return err
	}
	return nil
}

const paymentColumns = `id, booking_id, traveler_id, agent_id, state,
		       gross_amount, commission_amount, processing_fee, net_amount, refunded_amount,
		       currency, contested_by, provider_ref,
		       escrow_started_at, scheduled_release_at, released_at,
		       idempotency_key, idempotency_expires_at,
		       version, created_at, updated_at`

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)

	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("payment %s not found", id)
	}
	return pay, err
}

func (p *PostgresStore) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key)

	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("no payment for idempotency key %s", key)
	}
	return pay, err
}

// UpdatePayment writes pay only where the stored row still carries
// expectedVersion. Zero rows affected means either a missing row or a
// version race; a follow-up read tells them apart.
func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			state = $1, refunded_amount = $2, contested_by = $3, provider_ref = $4,
			escrow_started_at = $5, scheduled_release_at = $6, released_at = $7,
			version = $8, updated_at = $9
		WHERE id = $10 AND version = $11`,
		string(pay.State), pay.RefundedAmount, nullString(pay.ContestedBy), nullString(pay.ProviderRef),
		nullTime(pay.EscrowStartedAt), nullTime(pay.ScheduledReleaseAt), nullTime(pay.ReleasedAt),
		pay.Version, pay.UpdatedAt,
		pay.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var current int64
		err := p.db.QueryRowContext(ctx, `SELECT version FROM payments WHERE id = $1`, pay.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return fault.NotFound("payment %s not found", pay.ID)
		}
		if err != nil {
			return err
		}
		return fault.Conflict("payment %s is at version %d, expected %d", pay.ID, current, expectedVersion)
	}
	return nil
}

func (p *PostgresStore) ListPaymentsByBooking(ctx context.Context, bookingID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE booking_id = $1
		ORDER BY created_at DESC`, bookingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE state = 'IN_ESCROW'
		  AND contested_by IS NULL
		  AND scheduled_release_at < $1
		ORDER BY scheduled_release_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListContested(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE contested_by IS NOT NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListOverRefunded(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE refunded_amount > gross_amount
		ORDER BY id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) SumEscrowExposure(ctx context.Context) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(net_amount), 0)
		FROM payments
		WHERE state = 'IN_ESCROW'`).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) CreateRefundRequest(ctx context.Context, r *RefundRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refund_requests (
			id, payment_id, requested_by, requested_by_role, reason, detail, amount,
			requires_admin_approval,
			approved_by, approved_at, denied_by, denied_at, denial_reason, processed_at,
			idempotency_key, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8,
			$9, $10, $11, $12, $13, $14,
			$15, $16
		)`,
		r.ID, r.PaymentID, r.RequestedBy, r.RequestedByRole, string(r.Reason), nullString(r.Detail), r.Amount,
		r.RequiresAdminApproval,
		nullString(r.ApprovedBy), nullTime(r.ApprovedAt), nullString(r.DeniedBy), nullTime(r.DeniedAt),
		nullString(r.DenialReason), nullTime(r.ProcessedAt),
		r.IdempotencyKey, r.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("refund request %s already exists", r.ID)
		}
		return err
	}
	return nil
}

const refundRequestColumns = `id, payment_id, requested_by, requested_by_role, reason, detail, amount,
		       requires_admin_approval,
		       approved_by, approved_at, denied_by, denied_at, denial_reason, processed_at,
		       idempotency_key, created_at`

func (p *PostgresStore) GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+refundRequestColumns+` FROM refund_requests WHERE id = $1`, id)

	r, err := scanRefundRequest(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("refund request %s not found", id)
	}
	return r, err
}

func (p *PostgresStore) UpdateRefundRequest(ctx context.Context, r *RefundRequest) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refund_requests SET
			approved_by = $1, approved_at = $2,
			denied_by = $3, denied_at = $4, denial_reason = $5,
			processed_at = $6
		WHERE id = $7`,
		nullString(r.ApprovedBy), nullTime(r.ApprovedAt),
		nullString(r.DeniedBy), nullTime(r.DeniedAt), nullString(r.DenialReason),
		nullTime(r.ProcessedAt),
		r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.NotFound("refund request %s not found", r.ID)
	}
	return nil
}

func (p *PostgresStore) ListRefundRequestsByPayment(ctx context.Context, paymentID string) ([]*RefundRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundRequestColumns+`
		FROM refund_requests
		WHERE payment_id = $1
		ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRefundRequests(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		state                string
		contestedBy          sql.NullString
		providerRef          sql.NullString
		escrowStartedAt      sql.NullTime
		scheduledReleaseAt   sql.NullTime
		releasedAt           sql.NullTime
		idempotencyKey       sql.NullString
		idempotencyExpiresAt sql.NullTime
	)

	err := s.Scan(
		&pay.ID, &pay.BookingID, &pay.TravelerID, &pay.AgentID, &state,
		&pay.GrossAmount, &pay.CommissionAmount, &pay.ProcessingFee, &pay.NetAmount, &pay.RefundedAmount,
		&pay.Currency, &contestedBy, &providerRef,
		&escrowStartedAt, &scheduledReleaseAt, &releasedAt,
		&idempotencyKey, &idempotencyExpiresAt,
		&pay.Version, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pay.State = State(state)
	pay.ContestedBy = contestedBy.String
	pay.ProviderRef = providerRef.String
	pay.IdempotencyKey = idempotencyKey.String
	if escrowStartedAt.Valid {
		pay.EscrowStartedAt = &escrowStartedAt.Time
	}
	if scheduledReleaseAt.Valid {
		pay.ScheduledReleaseAt = &scheduledReleaseAt.Time
	}
	if releasedAt.Valid {
		pay.ReleasedAt = &releasedAt.Time
	}
	if idempotencyExpiresAt.Valid {
		pay.IdempotencyExpiresAt = &idempotencyExpiresAt.Time
	}

	return pay, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func scanRefundRequest(s scanner) (*RefundRequest, error) {
	r := &RefundRequest{}
	var (
		reason       string
		detail       sql.NullString
		approvedBy   sql.NullString
		approvedAt   sql.NullTime
		deniedBy     sql.NullString
		deniedAt     sql.NullTime
		denialReason sql.NullString
		processedAt  sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.PaymentID, &r.RequestedBy, &r.RequestedByRole, &reason, &detail, &r.Amount,
		&r.RequiresAdminApproval,
		&approvedBy, &approvedAt, &deniedBy, &deniedAt, &denialReason, &processedAt,
		&r.IdempotencyKey, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Reason = refundpolicy.Reason(reason)
	r.Detail = detail.String
	r.ApprovedBy = approvedBy.String
	r.DeniedBy = deniedBy.String
	r.DenialReason = denialReason.String
	if approvedAt.Valid {
		r.ApprovedAt = &approvedAt.Time
	}
	if deniedAt.Valid {
		r.DeniedAt = &deniedAt.Time
	}
	if processedAt.Valid {
		r.ProcessedAt = &processedAt.Time
	}

	return r, nil
}

func scanRefundRequests(rows *sql.Rows) ([]*RefundRequest, error) {
	var result []*RefundRequest
	for rows.Next() {
		r, err := scanRefundRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
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
