package events

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEventNotFound is returned when an outbox row does not exist.
var ErrEventNotFound = errors.New("event not found")

// StagedEvent is an event sitting in the outbox with its delivery state.
type StagedEvent struct {
	Event
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
}

// Outbox persists staged events until the dispatcher delivers them.
type Outbox interface {
	Stage(ctx context.Context, e *Event) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*StagedEvent, error)
	MarkDelivered(ctx context.Context, eventID string, at time.Time) error
	Reschedule(ctx context.Context, eventID string, next time.Time, cause string) error
	CountPending(ctx context.Context) (int, error)
}

// MemoryOutbox is an in-memory outbox for demo/development mode.
type MemoryOutbox struct {
	staged map[string]*StagedEvent
	mu     sync.RWMutex
}

// NewMemoryOutbox creates a new in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{staged: make(map[string]*StagedEvent)}
}

func (m *MemoryOutbox) Stage(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.staged[e.ID] = &StagedEvent{Event: *e, NextAttemptAt: e.OccurredAt}
	return nil
}

func (m *MemoryOutbox) ListDue(_ context.Context, now time.Time, limit int) ([]*StagedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*StagedEvent
	for _, se := range m.staged {
		if se.DeliveredAt == nil && !se.NextAttemptAt.After(now) {
			cp := *se
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].OccurredAt.Before(due[j].OccurredAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	se, ok := m.staged[eventID]
	if !ok {
		return ErrEventNotFound
	}
	se.DeliveredAt = &at
	se.LastError = ""
	return nil
}

func (m *MemoryOutbox) Reschedule(_ context.Context, eventID string, next time.Time, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	se, ok := m.staged[eventID]
	if !ok {
		return ErrEventNotFound
	}
	se.Attempts++
	se.NextAttemptAt = next
	se.LastError = cause
	return nil
}

func (m *MemoryOutbox) CountPending(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, se := range m.staged {
		if se.DeliveredAt == nil {
			n++
		}
	}
	return n, nil
}

var _ Outbox = (*MemoryOutbox)(nil)

// execer is satisfied by both *sql.DB and *sql.Tx, so the same store code can
// stage events inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresOutbox persists staged events in PostgreSQL.
type PostgresOutbox struct {
	db execer
}

// NewPostgresOutbox creates a new PostgreSQL-backed outbox.
func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

// WithTx returns an outbox bound to tx, so events stage in the same commit
// as the mutation that produced them.
func (p *PostgresOutbox) WithTx(tx *sql.Tx) *PostgresOutbox {
	return &PostgresOutbox{db: tx}
}

func (p *PostgresOutbox) Stage(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO event_outbox (id, type, occurred_at, payload, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, 0, $3)`,
		e.ID, string(e.Type), e.OccurredAt, []byte(e.Payload),
	)
	return err
}

func (p *PostgresOutbox) ListDue(ctx context.Context, now time.Time, limit int) ([]*StagedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, occurred_at, payload, attempts, COALESCE(last_error, ''), next_attempt_at
		FROM event_outbox
		WHERE delivered_at IS NULL AND next_attempt_at <= $1
		ORDER BY occurred_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []*StagedEvent
	for rows.Next() {
		se := &StagedEvent{}
		var typ string
		var payload []byte
		if err := rows.Scan(&se.ID, &typ, &se.OccurredAt, &payload, &se.Attempts, &se.LastError, &se.NextAttemptAt); err != nil {
			return nil, err
		}
		se.Type = EventType(typ)
		se.Payload = payload
		due = append(due, se)
	}
	return due, rows.Err()
}

func (p *PostgresOutbox) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE event_outbox SET delivered_at = $1, last_error = NULL
		WHERE id = $2 AND delivered_at IS NULL`, at, eventID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresOutbox) Reschedule(ctx context.Context, eventID string, next time.Time, cause string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE event_outbox SET attempts = attempts + 1, next_attempt_at = $1, last_error = $2
		WHERE id = $3 AND delivered_at IS NULL`, next, cause, eventID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresOutbox) CountPending(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_outbox WHERE delivered_at IS NULL`).Scan(&n)
	return n, err
}

var _ Outbox = (*PostgresOutbox)(nil)
