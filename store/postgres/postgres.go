/*
Package postgres provides a PostgreSQL-backed implementation of payout.TxStore.

SCHEMA:
  Managed by goose; see migrations/. Days are DATE columns, audit
  timestamps are TIMESTAMPTZ. The tables mirror store/sqlite.

CONCURRENCY:
  Unlike SQLite, writers really run in parallel here. WithLock takes a
  transaction-scoped advisory lock per key:

    SELECT pg_advisory_xact_lock(hashtextextended('payout:2025-01', 0))

  Keys arrive sorted, so two transactions needing overlapping months
  always acquire them in the same order. Locks release on commit or
  rollback.

USAGE:
  pool, err := postgres.Connect(ctx, databaseURL)
  if err := postgres.Migrate(ctx, pool); err != nil { ... }
  store := postgres.New(pool)

SEE ALSO:
  - payout/store.go: Interface definitions
  - store/sqlite: Single-writer implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/payout-engine/payout"
)

const uniqueViolation = "23505"

// DBTX is satisfied by both the pool and an open transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements payout.TxStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	repo
}

var _ payout.TxStore = (*Store)(nil)

// Connect opens a pool and checks it is reachable.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// New wraps an already migrated pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, repo: repo{db: pool}}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE ledger_rows, payout_runs, pay_rates RESTART IDENTITY`)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (payout.TxStore interface)
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(store payout.Store) error) error {
	return s.WithLock(ctx, nil, fn)
}

func (s *Store) WithLock(ctx context.Context, keys []string, fn func(store payout.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, key := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
	}

	if err := fn(&repo{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// REPO
// =============================================================================

type repo struct {
	db DBTX
}

// Rates

const rateColumns = `id, duration_minutes, is_member, rate_cents, effective_from, effective_to, created_at`

func (r *repo) InsertRate(ctx context.Context, rate *payout.PayRate) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO pay_rates (duration_minutes, is_member, rate_cents, effective_from, effective_to)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		rate.DurationMinutes, rate.IsMember, rate.RateCents, rate.EffectiveFrom, rate.EffectiveTo,
	).Scan(&rate.ID, &rate.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bucket %s: %w", rate.Bucket(), payout.ErrActiveRateExists)
		}
		return fmt.Errorf("insert pay rate: %w", err)
	}
	rate.CreatedAt = rate.CreatedAt.UTC()
	return nil
}

func (r *repo) CloseRate(ctx context.Context, id payout.RateID, effectiveTo time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE pay_rates SET effective_to = $1 WHERE id = $2`, effectiveTo, id)
	if err != nil {
		return fmt.Errorf("close pay rate %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return payout.ErrRateNotFound
	}
	return nil
}

func (r *repo) GetRate(ctx context.Context, id payout.RateID) (*payout.PayRate, error) {
	rate, err := scanRate(r.db.QueryRow(ctx, `SELECT `+rateColumns+` FROM pay_rates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payout.ErrRateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pay rate %d: %w", id, err)
	}
	return &rate, nil
}

func (r *repo) ListRates(ctx context.Context, activeOnly bool) ([]payout.PayRate, error) {
	query := `SELECT ` + rateColumns + ` FROM pay_rates`
	if activeOnly {
		query += ` WHERE effective_to IS NULL`
	}
	query += ` ORDER BY duration_minutes, is_member, effective_from, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pay rates: %w", err)
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

// Ledger rows

const ledgerColumns = `id, booking_id, athlete_id, duration_minutes, is_member_at_booking, attendance_state,
	session_date, applied_rate_cents, owed_cents, computed_at, override_cents, override_reason, created_at`

func (r *repo) InsertLedgerRow(ctx context.Context, row *payout.LedgerRow) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO ledger_rows (booking_id, athlete_id, duration_minutes, is_member_at_booking,
			attendance_state, session_date, applied_rate_cents, owed_cents, computed_at,
			override_cents, override_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		row.BookingID, row.AthleteID, row.DurationMinutes, row.IsMemberAtBooking,
		string(row.AttendanceState), row.SessionDate, row.AppliedRateCents, row.OwedCents,
		row.ComputedAt, row.OverrideCents, row.OverrideReason,
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("booking %d athlete %d: %w", row.BookingID, row.AthleteID, payout.ErrDuplicateSession)
		}
		return fmt.Errorf("insert ledger row: %w", err)
	}
	row.CreatedAt = row.CreatedAt.UTC()
	return nil
}

func (r *repo) GetLedgerRow(ctx context.Context, id payout.LedgerRowID) (*payout.LedgerRow, error) {
	row, err := scanLedgerRow(r.db.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_rows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payout.ErrLedgerRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger row %d: %w", id, err)
	}
	return &row, nil
}

func (r *repo) FindLedgerRow(ctx context.Context, bookingID, athleteID int64) (*payout.LedgerRow, error) {
	row, err := scanLedgerRow(r.db.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_rows WHERE booking_id = $1 AND athlete_id = $2`, bookingID, athleteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger row: %w", err)
	}
	return &row, nil
}

func (r *repo) LedgerRows(ctx context.Context, p payout.Period) ([]payout.LedgerRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_rows
		WHERE session_date BETWEEN $1 AND $2
		ORDER BY session_date, id`,
		p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
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
	tag, err := r.db.Exec(ctx, `
		UPDATE ledger_rows
		SET applied_rate_cents = $1, owed_cents = $2, computed_at = $3, override_cents = $4, override_reason = $5
		WHERE id = $6`,
		row.AppliedRateCents, row.OwedCents, row.ComputedAt, row.OverrideCents, row.OverrideReason, row.ID)
	if err != nil {
		return fmt.Errorf("update ledger row %d: %w", row.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return payout.ErrLedgerRowNotFound
	}
	return nil
}

// Runs

const runColumns = `id, period_start, period_end, status, total_sessions, priced_sessions,
	unresolved_sessions, total_owed_cents, generated_at, updated_at, locked_at`

func (r *repo) GetRun(ctx context.Context, id payout.RunID) (*payout.PayoutRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM payout_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payout.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payout run %d: %w", id, err)
	}
	return &run, nil
}

func (r *repo) FindRun(ctx context.Context, p payout.Period) (*payout.PayoutRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM payout_runs WHERE period_start = $1 AND period_end = $2`, p.Start, p.End))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payout run: %w", err)
	}
	return &run, nil
}

func (r *repo) LockedRunsOverlapping(ctx context.Context, p payout.Period) ([]payout.PayoutRun, error) {
	return r.queryRuns(ctx, `
		SELECT `+runColumns+` FROM payout_runs
		WHERE status = 'locked' AND period_start <= $1 AND period_end >= $2
		ORDER BY period_start, id`,
		p.End, p.Start)
}

func (r *repo) SaveRun(ctx context.Context, run *payout.PayoutRun) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO payout_runs (period_start, period_end, status, total_sessions, priced_sessions,
			unresolved_sessions, total_owed_cents, generated_at, updated_at, locked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (period_start, period_end) DO UPDATE SET
			status = EXCLUDED.status,
			total_sessions = EXCLUDED.total_sessions,
			priced_sessions = EXCLUDED.priced_sessions,
			unresolved_sessions = EXCLUDED.unresolved_sessions,
			total_owed_cents = EXCLUDED.total_owed_cents,
			updated_at = EXCLUDED.updated_at,
			locked_at = EXCLUDED.locked_at
		RETURNING id`,
		run.Period.Start, run.Period.End, string(run.Status), run.TotalSessions, run.PricedSessions,
		run.UnresolvedSessions, run.TotalOwedCents, run.GeneratedAt, run.UpdatedAt, run.LockedAt,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("save payout run %s: %w", run.Period, err)
	}
	return nil
}

func (r *repo) DeleteRun(ctx context.Context, id payout.RunID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM payout_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete payout run %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return payout.ErrRunNotFound
	}
	return nil
}

func (r *repo) ListRuns(ctx context.Context, limit int) ([]payout.PayoutRun, error) {
	query := `SELECT ` + runColumns + ` FROM payout_runs ORDER BY period_start DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return r.queryRuns(ctx, query, args...)
}

func (r *repo) queryRuns(ctx context.Context, query string, args ...any) ([]payout.PayoutRun, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payout runs: %w", err)
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

func scanRate(row pgx.Row) (payout.PayRate, error) {
	var rate payout.PayRate
	err := row.Scan(&rate.ID, &rate.DurationMinutes, &rate.IsMember, &rate.RateCents,
		&rate.EffectiveFrom, &rate.EffectiveTo, &rate.CreatedAt)
	rate.EffectiveFrom = rate.EffectiveFrom.UTC()
	rate.EffectiveTo = utcPtr(rate.EffectiveTo)
	rate.CreatedAt = rate.CreatedAt.UTC()
	return rate, err
}

func scanLedgerRow(row pgx.Row) (payout.LedgerRow, error) {
	var lr payout.LedgerRow
	var state string
	err := row.Scan(&lr.ID, &lr.BookingID, &lr.AthleteID, &lr.DurationMinutes, &lr.IsMemberAtBooking, &state,
		&lr.SessionDate, &lr.AppliedRateCents, &lr.OwedCents, &lr.ComputedAt, &lr.OverrideCents,
		&lr.OverrideReason, &lr.CreatedAt)
	lr.AttendanceState = payout.AttendanceState(state)
	lr.SessionDate = payout.Day(lr.SessionDate)
	lr.ComputedAt = utcPtr(lr.ComputedAt)
	lr.CreatedAt = lr.CreatedAt.UTC()
	return lr, err
}

func scanRun(row pgx.Row) (payout.PayoutRun, error) {
	var run payout.PayoutRun
	var status string
	err := row.Scan(&run.ID, &run.Period.Start, &run.Period.End, &status, &run.TotalSessions,
		&run.PricedSessions, &run.UnresolvedSessions, &run.TotalOwedCents,
		&run.GeneratedAt, &run.UpdatedAt, &run.LockedAt)
	run.Status = payout.RunStatus(status)
	run.Period.Start = payout.Day(run.Period.Start)
	run.Period.End = payout.Day(run.Period.End)
	run.GeneratedAt = run.GeneratedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.LockedAt = utcPtr(run.LockedAt)
	return run, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
