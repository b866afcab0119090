package arbitration

import (
	"context"
	"database/sql"
	"sync"

	"github.com/trailpay/trailpay/internal/audit"
	"github.com/trailpay/trailpay/internal/dispute"
	"github.com/trailpay/trailpay/internal/events"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/ledger"
)

// TxStores is the store set bound to one atomic scope. Resolve runs every
// write through these so the resolution row, the dispute transition, the
// ledger chain, and their audit and outbox rows commit together. Audit and
// Outbox may be nil; the unit then skips those writes.
type TxStores struct {
	Disputes    dispute.Store
	Payments    ledger.Store
	Resolutions Store
	Audit       audit.Logger
	Outbox      events.Outbox
}

// UnitOfWork runs fn against one atomic scope. An error from fn discards
// every write made through the TxStores it was handed.
type UnitOfWork interface {
	Run(ctx context.Context, fn func(tx TxStores) error) error
}

// PostgresUnitOfWork opens one transaction per run and binds every store to
// it. This is the production unit.
type PostgresUnitOfWork struct {
	db          *sql.DB
	disputes    *dispute.PostgresStore
	payments    *ledger.PostgresStore
	resolutions *PostgresStore
	auditor     *audit.PostgresLogger
	outbox      *events.PostgresOutbox
}

// NewPostgresUnitOfWork creates a unit of work over db.
func NewPostgresUnitOfWork(db *sql.DB) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{
		db:          db,
		disputes:    dispute.NewPostgresStore(db),
		payments:    ledger.NewPostgresStore(db),
		resolutions: NewPostgresStore(db),
	}
}

// WithAudit includes audit writes in the unit's transaction.
func (u *PostgresUnitOfWork) WithAudit(l *audit.PostgresLogger) *PostgresUnitOfWork {
	u.auditor = l
	return u
}

// WithOutbox stages the unit's events in the same transaction.
func (u *PostgresUnitOfWork) WithOutbox(o *events.PostgresOutbox) *PostgresUnitOfWork {
	u.outbox = o
	return u
}

func (u *PostgresUnitOfWork) Run(ctx context.Context, fn func(tx TxStores) error) error {
	sqlTx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Upstream(err, "begin resolution transaction")
	}
	stores := TxStores{
		Disputes:    u.disputes.WithTx(sqlTx),
		Payments:    u.payments.WithTx(sqlTx),
		Resolutions: u.resolutions.WithTx(sqlTx),
	}
	if u.auditor != nil {
		stores.Audit = u.auditor.WithTx(sqlTx)
	}
	if u.outbox != nil {
		stores.Outbox = u.outbox.WithTx(sqlTx)
	}
	if err := fn(stores); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fault.Upstream(err, "commit resolution transaction")
	}
	return nil
}

// MemoryUnitOfWork serializes units behind one mutex and applies writes
// directly to the shared in-memory stores. There is no rollback: Resolve
// puts the dispute version check ahead of every other write, so a unit that
// loses a race aborts before touching anything. Units do not serialize
// against direct service writers; development and test use.
type MemoryUnitOfWork struct {
	mu     sync.Mutex
	stores TxStores
}

// NewMemoryUnitOfWork creates a unit of work over a fixed store set.
func NewMemoryUnitOfWork(stores TxStores) *MemoryUnitOfWork {
	return &MemoryUnitOfWork{stores: stores}
}

func (u *MemoryUnitOfWork) Run(ctx context.Context, fn func(tx TxStores) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fn(u.stores)
}

var (
	_ UnitOfWork = (*PostgresUnitOfWork)(nil)
	_ UnitOfWork = (*MemoryUnitOfWork)(nil)
)
