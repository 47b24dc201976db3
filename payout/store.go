/*
store.go - Persistence interface for rates, ledger rows and runs

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks SQL; it runs its logic against a Store handed to it inside a
  transaction.

KEY INTERFACES:
  Store:   Record-level reads and writes
  TxStore: Store plus transactions and scoped exclusive locks

LOCKING:
  WithLock runs fn in a transaction that also holds an exclusive lock on
  every key. Keys come from Period.LockKeys (one per calendar month) or from
  a rate bucket. Implementations acquire keys in the order given; callers
  pass them sorted.

IMPLEMENTATIONS:
  - payout/store/memory.go: In-memory, for tests
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL with advisory locks

SEE ALSO:
  - runs.go: The only caller of WithLock for ledger mutations
*/
package payout

import (
	"context"
	"time"
)

// Store persists the three payout record types.
type Store interface {
	// InsertRate stores a new rate and sets its ID and CreatedAt.
	InsertRate(ctx context.Context, rate *PayRate) error

	// CloseRate sets effective_to on a rate. The only update rates ever get.
	CloseRate(ctx context.Context, id RateID, effectiveTo time.Time) error

	// GetRate returns ErrRateNotFound when missing.
	GetRate(ctx context.Context, id RateID) (*PayRate, error)

	// ListRates returns rates ordered by duration, membership, effective_from.
	ListRates(ctx context.Context, activeOnly bool) ([]PayRate, error)

	// InsertLedgerRow stores a new row and sets its ID and CreatedAt.
	InsertLedgerRow(ctx context.Context, row *LedgerRow) error

	// GetLedgerRow returns ErrLedgerRowNotFound when missing.
	GetLedgerRow(ctx context.Context, id LedgerRowID) (*LedgerRow, error)

	// FindLedgerRow looks a row up by booking and athlete. Returns nil, nil when absent.
	FindLedgerRow(ctx context.Context, bookingID, athleteID int64) (*LedgerRow, error)

	// LedgerRows returns rows whose session date is in p, ordered by date then id.
	LedgerRows(ctx context.Context, p Period) ([]LedgerRow, error)

	// UpdatePricing writes the pricing and override columns of a row.
	UpdatePricing(ctx context.Context, row LedgerRow) error

	// GetRun returns ErrRunNotFound when missing.
	GetRun(ctx context.Context, id RunID) (*PayoutRun, error)

	// FindRun returns the run for the exact period, or nil, nil.
	FindRun(ctx context.Context, p Period) (*PayoutRun, error)

	// LockedRunsOverlapping returns locked runs sharing at least one day with p.
	LockedRunsOverlapping(ctx context.Context, p Period) ([]PayoutRun, error)

	// SaveRun inserts or updates the run keyed by its exact period and sets its ID.
	SaveRun(ctx context.Context, run *PayoutRun) error

	// DeleteRun returns ErrRunNotFound when missing.
	DeleteRun(ctx context.Context, id RunID) error

	// ListRuns returns runs newest period first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]PayoutRun, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// WithLock is WithTx holding exclusive locks on keys until commit or rollback.
	WithLock(ctx context.Context, keys []string, fn func(Store) error) error
}
