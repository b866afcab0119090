package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/refundpolicy"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx, so dispute writes can join
// the transaction of the arbitration decision they belong to.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists disputes and their history in PostgreSQL.
type PostgresStore struct {
	db dbtx
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx returns a store view that runs every statement on tx.
func (p *PostgresStore) WithTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{db: tx}
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, booking_id, payment_id, traveler_id, agent_id,
			filed_by, filed_by_role, category, title, description,
			requested_refund_amount, currency, state, is_subjective_complaint,
			agent_response_deadline, case_deadline,
			assigned_admin_id, assigned_at, resolution_id,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16,
			$17, $18, $19,
			$20, $21, $22
		)`,
		d.ID, d.BookingID, d.PaymentID, d.TravelerID, d.AgentID,
		d.FiledBy, d.FiledByRole, string(d.Category), d.Title, nullString(d.Description),
		d.RequestedRefundAmount, d.Currency, string(d.State), d.IsSubjectiveComplaint,
		d.AgentResponseDeadline, d.CaseDeadline,
		nullString(d.AssignedAdminID), nullTime(d.AssignedAt), nullString(d.ResolutionID),
		d.Version, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("dispute %s already exists", d.ID)
		}
		return err
	}
	return nil
}

const disputeColumns = `id, booking_id, payment_id, traveler_id, agent_id,
		       filed_by, filed_by_role, category, title, description,
		       requested_refund_amount, currency, state, is_subjective_complaint,
		       agent_response_deadline, case_deadline,
		       assigned_admin_id, assigned_at, resolution_id,
		       version, created_at, updated_at`

// terminalStates is the SQL fragment matching every closed dispute.
const terminalStates = `('resolved_refund', 'resolved_partial', 'resolved_denied', 'closed_withdrawn', 'closed_expired')`

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("dispute %s not found", id)
	}
	return d, err
}

// UpdateDispute writes d only where the stored row still carries
// expectedVersion. Zero rows affected means either a missing row or a
// version race; a follow-up read tells them apart.
func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			state = $1, assigned_admin_id = $2, assigned_at = $3, resolution_id = $4,
			version = $5, updated_at = $6
		WHERE id = $7 AND version = $8`,
		string(d.State), nullString(d.AssignedAdminID), nullTime(d.AssignedAt), nullString(d.ResolutionID),
		d.Version, d.UpdatedAt,
		d.ID, expectedVersion,
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
		err := p.db.QueryRowContext(ctx, `SELECT version FROM disputes WHERE id = $1`, d.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return fault.NotFound("dispute %s not found", d.ID)
		}
		if err != nil {
			return err
		}
		return fault.Conflict("dispute %s is at version %d, expected %d", d.ID, current, expectedVersion)
	}
	return nil
}

func (p *PostgresStore) GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE payment_id = $1 AND state NOT IN `+terminalStates+`
		ORDER BY created_at DESC
		LIMIT 1`, paymentID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("no open dispute for payment %s", paymentID)
	}
	return d, err
}

// ListQueue returns disputes in queue order: escalated first, then newest
// first. The cursor resumes on the (rank, created_at, id) row-value tuple.
func (p *PostgresStore) ListQueue(ctx context.Context, f QueueFilter) ([]*Dispute, error) {
	const rank = `CASE WHEN state = 'escalated' THEN 1 ELSE 0 END`

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.State != "" {
		add("state = $%d", string(f.State))
	} else {
		conds = append(conds, "state NOT IN "+terminalStates)
	}
	if f.EscalatedOnly {
		conds = append(conds, "state = 'escalated'")
	}
	if f.AssignedAdminID != "" {
		add("assigned_admin_id = $%d", f.AssignedAdminID)
	}
	if f.Unassigned {
		conds = append(conds, "assigned_admin_id IS NULL")
	}
	if f.After != nil {
		cr := 0
		if f.After.Escalated {
			cr = 1
		}
		args = append(args, cr, f.After.CreatedAt, f.After.ID)
		conds = append(conds, fmt.Sprintf("(%s, created_at, id) < ($%d, $%d, $%d)",
			rank, len(args)-2, len(args)-1, len(args)))
	}

	query := `SELECT ` + disputeColumns + ` FROM disputes`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY ` + rank + ` DESC, created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE state NOT IN `+terminalStates+`
		  AND case_deadline <= $1
		ORDER BY case_deadline ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) AddHistory(ctx context.Context, entry *HistoryEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_history (
			id, dispute_id, action, actor_id, actor_role,
			from_state, to_state, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.DisputeID, entry.Action, nullString(entry.ActorID), entry.ActorRole,
		nullString(string(entry.FromState)), nullString(string(entry.ToState)),
		nullString(entry.Reason), entry.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("history entry %s already exists", entry.ID)
		}
		return err
	}
	return nil
}

func (p *PostgresStore) ListHistory(ctx context.Context, disputeID string) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, action, COALESCE(actor_id, ''), actor_role,
		       COALESCE(from_state, ''), COALESCE(to_state, ''), COALESCE(reason, ''), created_at
		FROM dispute_history
		WHERE dispute_id = $1
		ORDER BY created_at ASC, id ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var from, to string
		if err := rows.Scan(
			&e.ID, &e.DisputeID, &e.Action, &e.ActorID, &e.ActorRole,
			&from, &to, &e.Reason, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.FromState = State(from)
		e.ToState = State(to)
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		category        string
		description     sql.NullString
		state           string
		assignedAdminID sql.NullString
		assignedAt      sql.NullTime
		resolutionID    sql.NullString
	)

	err := s.Scan(
		&d.ID, &d.BookingID, &d.PaymentID, &d.TravelerID, &d.AgentID,
		&d.FiledBy, &d.FiledByRole, &category, &d.Title, &description,
		&d.RequestedRefundAmount, &d.Currency, &state, &d.IsSubjectiveComplaint,
		&d.AgentResponseDeadline, &d.CaseDeadline,
		&assignedAdminID, &assignedAt, &resolutionID,
		&d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Category = refundpolicy.Reason(category)
	d.Description = description.String
	d.State = State(state)
	d.AssignedAdminID = assignedAdminID.String
	d.ResolutionID = resolutionID.String
	if assignedAt.Valid {
		d.AssignedAt = &assignedAt.Time
	}

	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
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
