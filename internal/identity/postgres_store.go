package identity

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/trailpay/trailpay/internal/fault"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateKey(ctx context.Context, k *Key) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, actor_id, role, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.Hash, k.ActorID, string(k.Role), k.Name, k.CreatedAt, k.ExpiresAt, k.Revoked,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fault.Conflict("key %s already exists", k.ID)
		}
		return err
	}
	return nil
}

const keyColumns = `id, hash, actor_id, role, name, created_at, last_used, expires_at, revoked`

func (p *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*Key, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash)

	k, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("key not found")
	}
	return k, err
}

func (p *PostgresStore) ListKeysByActor(ctx context.Context, actorID string) ([]*Key, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE actor_id = $1
		ORDER BY created_at DESC`,
		actorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) UpdateKey(ctx context.Context, k *Key) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = $2 WHERE id = $3`,
		nullTime(k.LastUsed), k.Revoked, k.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fault.NotFound("key %s not found", k.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(s scanner) (*Key, error) {
	k := &Key{}
	var (
		role      string
		lastUsed  sql.NullTime
		expiresAt sql.NullTime
	)

	err := s.Scan(&k.ID, &k.Hash, &k.ActorID, &role, &k.Name, &k.CreatedAt, &lastUsed, &expiresAt, &k.Revoked)
	if err != nil {
		return nil, err
	}

	k.Role = Role(role)
	if lastUsed.Valid {
		k.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	return k, nil
}

// nullTime converts a zero time to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
