/*
Package sqlite provides a SQLite-backed implementation of payout.TxStore.

KEY TABLES:
  pay_rates:   Effective-dated rates. Only effective_to is ever updated.
  ledger_rows: One row per (booking, athlete) with its priced amounts.
  payout_runs: One row per exact (period_start, period_end).

INDEXES:
  - idx_pay_rates_one_active: partial unique index, one active rate per bucket
  - idx_ledger_rows_booking_athlete: one ledger row per session-athlete pair
  - idx_ledger_rows_session_date: period scans (hot path)
  - idx_payout_runs_period: upsert key for runs

CONCURRENCY:
  SQLite has a single writer. The pool is capped at one connection and
  transactions begin IMMEDIATE, so WithTx and WithLock serialize every
  writer regardless of the lock keys. Period locks need nothing more.

DATES:
  Days are stored as YYYY-MM-DD text, timestamps as fixed-width UTC text, so
  string comparison in SQL matches chronological order.

USAGE:
  store, err := sqlite.New("./data/payouts.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := payout.NewEngine(store, logger)

SEE ALSO:
  - payout/store.go: Interface definitions
  - payout/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/payout-engine/payout"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Store implements payout.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes transactions
	repo
}

var _ payout.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, repo: repo{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pay_rates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		duration_minutes INTEGER NOT NULL CHECK (duration_minutes IN (30, 60)),
		is_member BOOLEAN NOT NULL,
		rate_cents INTEGER NOT NULL CHECK (rate_cents > 0),
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one active rate per bucket
	CREATE UNIQUE INDEX IF NOT EXISTS idx_pay_rates_one_active
		ON pay_rates(duration_minutes, is_member) WHERE effective_to IS NULL;

	CREATE INDEX IF NOT EXISTS idx_pay_rates_bucket
		ON pay_rates(duration_minutes, is_member, effective_from);

	CREATE TABLE IF NOT EXISTS ledger_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		booking_id INTEGER NOT NULL,
		athlete_id INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL,
		is_member_at_booking BOOLEAN NOT NULL,
		attendance_state TEXT NOT NULL DEFAULT 'completed',
		session_date TEXT NOT NULL,
		applied_rate_cents INTEGER,
		owed_cents INTEGER,
		computed_at TEXT,
		override_cents INTEGER,
		override_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		CHECK ((applied_rate_cents IS NULL) = (owed_cents IS NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_rows_booking_athlete
		ON ledger_rows(booking_id, athlete_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_rows_session_date
		ON ledger_rows(session_date);

	CREATE TABLE IF NOT EXISTS payout_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		total_sessions INTEGER NOT NULL DEFAULT 0,
		priced_sessions INTEGER NOT NULL DEFAULT 0,
		unresolved_sessions INTEGER NOT NULL DEFAULT 0,
		total_owed_cents INTEGER NOT NULL DEFAULT 0,
		generated_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		locked_at TEXT,
		CHECK (period_start <= period_end)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payout_runs_period
		ON payout_runs(period_start, period_end);
	CREATE INDEX IF NOT EXISTS idx_payout_runs_status
		ON payout_runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"ledger_rows", "payout_runs", "pay_rates"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (payout.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store payout.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&repo{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithLock is WithTx: an IMMEDIATE transaction already excludes other writers.
func (s *Store) WithLock(ctx context.Context, _ []string, fn func(store payout.Store) error) error {
	return s.WithTx(ctx, fn)
}

// =============================================================================
// REPO - Queries shared by the store and its transactions
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo runs queries against the pool or, inside WithTx, the open transaction.
type repo struct {
	q queryer
}

// =============================================================================
// RATES
// =============================================================================

const rateColumns = `id, duration_minutes, is_member, rate_cents, effective_from, effective_to, created_at`

func (r *repo) InsertRate(ctx context.Context, rate *payout.PayRate) error {
	createdAt := time.Now().UTC()
	var to any
	if rate.EffectiveTo != nil {
		to = formatTimestamp(*rate.EffectiveTo)
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO pay_rates (duration_minutes, is_member, rate_cents, effective_from, effective_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rate.DurationMinutes, rate.IsMember, rate.RateCents,
		formatTimestamp(rate.EffectiveFrom), to, formatTimestamp(createdAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("bucket %s: %w", rate.Bucket(), payout.ErrActiveRateExists)
		}
		return fmt.Errorf("failed to insert pay rate: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rate.ID = payout.RateID(id)
	rate.CreatedAt = createdAt
	return nil
}

func (r *repo) CloseRate(ctx context.Context, id payout.RateID, effectiveTo time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE pay_rates SET effective_to = ? WHERE id = ?`,
		formatTimestamp(effectiveTo), id)
	if err != nil {
		return fmt.Errorf("failed to close pay rate %d: %w", id, err)
	}
	return requireAffected(res, payout.ErrRateNotFound)
}

func (r *repo) GetRate(ctx context.Context, id payout.RateID) (*payout.PayRate, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+rateColumns+` FROM pay_rates WHERE id = ?`, id)
	rate, err := scanRate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payout.ErrRateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

func (r *repo) ListRates(ctx context.Context, activeOnly bool) ([]payout.PayRate, error) {
	query := `SELECT ` + rateColumns + ` FROM pay_rates`
	if activeOnly {
		query += ` WHERE effective_to IS NULL`
	}
	query += ` ORDER BY duration_minutes ASC, is_member ASC, effective_from ASC, id ASC`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []payout.PayRate
	for rows.Next() {
		rate, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		rates = append(rates, rate)
	}
	return rates, rows.Err()
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

const ledgerColumns = `id, booking_id, athlete_id, duration_minutes, is_member_at_booking, attendance_state,
	session_date, applied_rate_cents, owed_cents, computed_at, override_cents, override_reason, created_at`

func (r *repo) InsertLedgerRow(ctx context.Context, row *payout.LedgerRow) error {
	createdAt := time.Now().UTC()
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO ledger_rows (booking_id, athlete_id, duration_minutes, is_member_at_booking,
			attendance_state, session_date, applied_rate_cents, owed_cents, computed_at,
			override_cents, override_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.BookingID, row.AthleteID, row.DurationMinutes, row.IsMemberAtBooking,
		string(row.AttendanceState), row.SessionDate.Format(payout.DateLayout),
		nullInt(row.AppliedRateCents), nullInt(row.OwedCents), nullTimestamp(row.ComputedAt),
		nullInt(row.OverrideCents), row.OverrideReason, formatTimestamp(createdAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("booking %d athlete %d: %w", row.BookingID, row.AthleteID, payout.ErrDuplicateSession)
		}
		return fmt.Errorf("failed to insert ledger row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	row.ID = payout.LedgerRowID(id)
	row.CreatedAt = createdAt
	return nil
}

func (r *repo) GetLedgerRow(ctx context.Context, id payout.LedgerRowID) (*payout.LedgerRow, error) {
	row, err := scanLedgerRow(r.q.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_rows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payout.ErrLedgerRowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) FindLedgerRow(ctx context.Context, bookingID, athleteID int64) (*payout.LedgerRow, error) {
	row, err := scanLedgerRow(r.q.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_rows WHERE booking_id = ? AND athlete_id = ?`, bookingID, athleteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) LedgerRows(ctx context.Context, p payout.Period) ([]payout.LedgerRow, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_rows
		WHERE session_date >= ? AND session_date <= ?
		ORDER BY session_date ASC, id ASC`,
		p.Start.Format(payout.DateLayout), p.End.Format(payout.DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payout.LedgerRow
	for rows.Next() {
		row, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *repo) UpdatePricing(ctx context.Context, row payout.LedgerRow) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE ledger_rows
		SET applied_rate_cents = ?, owed_cents = ?, computed_at = ?, override_cents = ?, override_reason = ?
		WHERE id = ?`,
		nullInt(row.AppliedRateCents), nullInt(row.OwedCents), nullTimestamp(row.ComputedAt),
		nullInt(row.OverrideCents), row.OverrideReason, row.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger row %d: %w", row.ID, err)
	}
	return requireAffected(res, payout.ErrLedgerRowNotFound)
}

// =============================================================================
// PAYOUT RUNS
// =============================================================================

const runColumns = `id, period_start, period_end, status, total_sessions, priced_sessions,
	unresolved_sessions, total_owed_cents, generated_at, updated_at, locked_at`

func (r *repo) GetRun(ctx context.Context, id payout.RunID) (*payout.PayoutRun, error) {
	run, err := scanRun(r.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM payout_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payout.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *repo) FindRun(ctx context.Context, p payout.Period) (*payout.PayoutRun, error) {
	run, err := scanRun(r.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM payout_runs WHERE period_start = ? AND period_end = ?`,
		p.Start.Format(payout.DateLayout), p.End.Format(payout.DateLayout)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *repo) LockedRunsOverlapping(ctx context.Context, p payout.Period) ([]payout.PayoutRun, error) {
	return r.queryRuns(ctx, `
		SELECT `+runColumns+` FROM payout_runs
		WHERE status = 'locked' AND period_start <= ? AND period_end >= ?
		ORDER BY period_start ASC, id ASC`,
		p.End.Format(payout.DateLayout), p.Start.Format(payout.DateLayout))
}

func (r *repo) SaveRun(ctx context.Context, run *payout.PayoutRun) error {
	var id int64
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO payout_runs (period_start, period_end, status, total_sessions, priced_sessions,
			unresolved_sessions, total_owed_cents, generated_at, updated_at, locked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(period_start, period_end) DO UPDATE SET
			status = excluded.status,
			total_sessions = excluded.total_sessions,
			priced_sessions = excluded.priced_sessions,
			unresolved_sessions = excluded.unresolved_sessions,
			total_owed_cents = excluded.total_owed_cents,
			updated_at = excluded.updated_at,
			locked_at = excluded.locked_at
		RETURNING id`,
		run.Period.Start.Format(payout.DateLayout), run.Period.End.Format(payout.DateLayout),
		string(run.Status), run.TotalSessions, run.PricedSessions, run.UnresolvedSessions,
		run.TotalOwedCents, formatTimestamp(run.GeneratedAt), formatTimestamp(run.UpdatedAt),
		nullTimestamp(run.LockedAt),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to save payout run %s: %w", run.Period, err)
	}
	run.ID = payout.RunID(id)
	return nil
}

func (r *repo) DeleteRun(ctx context.Context, id payout.RunID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM payout_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payout run %d: %w", id, err)
	}
	return requireAffected(res, payout.ErrRunNotFound)
}

func (r *repo) ListRuns(ctx context.Context, limit int) ([]payout.PayoutRun, error) {
	query := `SELECT ` + runColumns + ` FROM payout_runs ORDER BY period_start DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryRuns(ctx, query, args...)
}

func (r *repo) queryRuns(ctx context.Context, query string, args ...any) ([]payout.PayoutRun, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []payout.PayoutRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRate(sc scanner) (payout.PayRate, error) {
	var rate payout.PayRate
	var from, createdAt string
	var to sql.NullString
	if err := sc.Scan(&rate.ID, &rate.DurationMinutes, &rate.IsMember, &rate.RateCents, &from, &to, &createdAt); err != nil {
		return rate, err
	}
	var err error
	if rate.EffectiveFrom, err = parseTimestamp(from); err != nil {
		return rate, err
	}
	if rate.EffectiveTo, err = parseNullTimestamp(to); err != nil {
		return rate, err
	}
	rate.CreatedAt, err = parseTimestamp(createdAt)
	return rate, err
}

func scanLedgerRow(sc scanner) (payout.LedgerRow, error) {
	var row payout.LedgerRow
	var state, sessionDate, createdAt string
	var applied, owed, override sql.NullInt64
	var computedAt sql.NullString
	if err := sc.Scan(
		&row.ID, &row.BookingID, &row.AthleteID, &row.DurationMinutes, &row.IsMemberAtBooking, &state,
		&sessionDate, &applied, &owed, &computedAt, &override, &row.OverrideReason, &createdAt,
	); err != nil {
		return row, err
	}
	row.AttendanceState = payout.AttendanceState(state)
	row.AppliedRateCents = intPtr(applied)
	row.OwedCents = intPtr(owed)
	row.OverrideCents = intPtr(override)

	var err error
	if row.SessionDate, err = time.Parse(payout.DateLayout, sessionDate); err != nil {
		return row, err
	}
	if row.ComputedAt, err = parseNullTimestamp(computedAt); err != nil {
		return row, err
	}
	row.CreatedAt, err = parseTimestamp(createdAt)
	return row, err
}

func scanRun(sc scanner) (payout.PayoutRun, error) {
	var run payout.PayoutRun
	var start, end, status, generatedAt, updatedAt string
	var lockedAt sql.NullString
	if err := sc.Scan(
		&run.ID, &start, &end, &status, &run.TotalSessions, &run.PricedSessions,
		&run.UnresolvedSessions, &run.TotalOwedCents, &generatedAt, &updatedAt, &lockedAt,
	); err != nil {
		return run, err
	}
	run.Status = payout.RunStatus(status)

	var err error
	if run.Period.Start, err = time.Parse(payout.DateLayout, start); err != nil {
		return run, err
	}
	if run.Period.End, err = time.Parse(payout.DateLayout, end); err != nil {
		return run, err
	}
	if run.GeneratedAt, err = parseTimestamp(generatedAt); err != nil {
		return run, err
	}
	if run.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return run, err
	}
	run.LockedAt, err = parseNullTimestamp(lockedAt)
	return run, err
}

// Helper functions

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTimestamp(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTimestamp(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTimestamp(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTimestamp(*t), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
