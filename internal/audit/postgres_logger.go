package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by both *sql.DB and *sql.Tx, so entries can be written
// inside the transaction of the mutation they describe.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// PostgresLogger writes audit entries to PostgreSQL.
type PostgresLogger struct {
	db execer
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

// WithTx returns a logger bound to tx.
func (l *PostgresLogger) WithTx(tx *sql.Tx) *PostgresLogger {
	return &PostgresLogger{db: tx}
}

func (l *PostgresLogger) Record(ctx context.Context, entry *Entry) error {
	prepare(ctx, entry)

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, actor_type, actor_id, action, entity_type, entity_id,
			outcome, from_state, to_state, reason, detail,
			request_id, ip_address, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.ActorType, nullString(entry.ActorID), entry.Action,
		entry.EntityType, entry.EntityID, entry.Outcome,
		nullString(entry.FromState), nullString(entry.ToState),
		nullString(entry.Reason), nullString(entry.Detail),
		nullString(entry.RequestID), nullString(entry.IPAddress), entry.CreatedAt,
	)
	return err
}

func (l *PostgresLogger) Query(ctx context.Context, q Query) ([]*Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.EntityType != "" {
		add("entity_type = $%d", q.EntityType)
	}
	if q.EntityID != "" {
		add("entity_id = $%d", q.EntityID)
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at <= $%d", q.To)
	}

	query := `SELECT id, actor_type, COALESCE(actor_id, ''), action, entity_type, entity_id,
		outcome, COALESCE(from_state, ''), COALESCE(to_state, ''),
		COALESCE(reason, ''), COALESCE(detail, ''),
		COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
		FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.ActorType, &e.ActorID, &e.Action,
			&e.EntityType, &e.EntityID, &e.Outcome, &e.FromState, &e.ToState,
			&e.Reason, &e.Detail, &e.RequestID, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Logger = (*PostgresLogger)(nil)
