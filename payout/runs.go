/*
runs.go - Payout run lifecycle

STATES:
  draft -> locked (terminal)

OPERATIONS:
  Generate:  price unpriced rows in the period, upsert the draft run
  Backfill:  reprice every row in the period (after a rate correction)
  Clear:     reset every row in the period to unpriced
  Lock:      freeze the run; its period's ledger rows become immutable
  DeleteRun: remove a draft run

SERIALIZATION:
  Every operation runs inside WithLock over the period's month keys and
  checks the lock gate there. A Lock on January cannot interleave with an
  in-flight January backfill: one of them waits for the other to commit.

ALL-OR-NOTHING:
  A pass over a period is one transaction. If any write fails, nothing in
  the period changes.
*/
package payout

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// GenerateResult reports a Generate call.
type GenerateResult struct {
	Run        PayoutRun
	Priced     int // rows priced by this call
	Unresolved int // rows still without a rate
}

// BackfillResult reports a Backfill call.
type BackfillResult struct {
	Updated    int // rows whose applied or owed value changed
	Total      int // rows examined
	Unresolved int
}

// ClearResult reports a ClearPayouts call.
type ClearResult struct {
	Updated int // rows that were priced and are now cleared
}

// Generate prices the unpriced rows of a period and creates or refreshes its
// draft run. Rows that already carry a value are never touched.
func (e *Engine) Generate(ctx context.Context, p Period) (*GenerateResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var result GenerateResult
	err := e.withPeriodLock(ctx, p, func(s Store) error {
		if err := ensureUnlocked(ctx, s, p); err != nil {
			return err
		}
		rows, priced, err := e.computePass(ctx, s, p, false)
		if err != nil {
			return err
		}
		run, err := e.upsertRun(ctx, s, p, rows, true)
		if err != nil {
			return err
		}
		result.Run = *run
		result.Priced = priced
		result.Unresolved = run.UnresolvedSessions
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx)
	e.log().Info("payout run generated",
		zap.Int64("run_id", int64(result.Run.ID)),
		zap.Stringer("period", p),
		zap.Int("sessions", result.Run.TotalSessions),
		zap.Int("priced", result.Priced),
		zap.Int("unresolved", result.Unresolved),
		zap.Int64("total_owed_cents", result.Run.TotalOwedCents))
	e.publish(ctx, EventRunGenerated, result.Run)
	return &result, nil
}

// Backfill reprices every row of a period, including rows already priced.
func (e *Engine) Backfill(ctx context.Context, p Period) (*BackfillResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var result BackfillResult
	err := e.withPeriodLock(ctx, p, func(s Store) error {
		if err := ensureUnlocked(ctx, s, p); err != nil {
			return err
		}
		rows, updated, err := e.computePass(ctx, s, p, true)
		if err != nil {
			return err
		}
		totals := Aggregate(rows)
		result = BackfillResult{Updated: updated, Total: totals.Sessions, Unresolved: totals.Unresolved}
		_, err = e.upsertRun(ctx, s, p, rows, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx)
	e.log().Info("payout backfill complete",
		zap.Stringer("period", p),
		zap.Int("updated", result.Updated),
		zap.Int("total", result.Total),
		zap.Int("unresolved", result.Unresolved))
	return &result, nil
}

// ClearPayouts resets applied and owed amounts of every row in the period.
func (e *Engine) ClearPayouts(ctx context.Context, p Period) (*ClearResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var result ClearResult
	err := e.withPeriodLock(ctx, p, func(s Store) error {
		if err := ensureUnlocked(ctx, s, p); err != nil {
			return err
		}
		rows, err := s.LedgerRows(ctx, p)
		if err != nil {
			return err
		}
		for i, r := range rows {
			if !r.IsPriced() {
				continue
			}
			r.AppliedRateCents = nil
			r.OwedCents = nil
			r.ComputedAt = nil
			if err := s.UpdatePricing(ctx, r); err != nil {
				return err
			}
			rows[i] = r
			result.Updated++
		}
		_, err = e.upsertRun(ctx, s, p, rows, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx)
	e.log().Info("payouts cleared", zap.Stringer("period", p), zap.Int("updated", result.Updated))
	return &result, nil
}

// computePass prices the period's rows and writes the ones that changed.
// It returns every row in the period (post-pass) and the number written.
func (e *Engine) computePass(ctx context.Context, s Store, p Period, force bool) ([]LedgerRow, int, error) {
	snap, err := loadSnapshot(ctx, s)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.LedgerRows(ctx, p)
	if err != nil {
		return nil, 0, err
	}

	now := e.now()
	written := 0
	for i := range rows {
		out := ComputeLedgerRow(rows[i], snap, force, now)
		if out.Ambiguous {
			e.warnAmbiguous(rows[i].Bucket(), rows[i].SessionDate, snap.Resolve(rows[i].Bucket(), rows[i].SessionDate))
		}
		if !out.Changed {
			continue
		}
		if err := s.UpdatePricing(ctx, out.Row); err != nil {
			return nil, 0, err
		}
		rows[i] = out.Row
		written++
	}
	return rows, written, nil
}

// upsertRun stores the period's totals on its run. When create is false an
// absent run is left absent (backfill and clear only refresh).
func (e *Engine) upsertRun(ctx context.Context, s Store, p Period, rows []LedgerRow, create bool) (*PayoutRun, error) {
	run, err := s.FindRun(ctx, p)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if run == nil {
		if !create {
			return nil, nil
		}
		run = &PayoutRun{Period: p, Status: RunStatusDraft, GeneratedAt: now}
	}
	run.apply(Aggregate(rows))
	run.UpdatedAt = now
	if err := s.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Lock freezes a draft run. Totals are refreshed from the ledger inside the
// same transaction, so the locked totals match the rows they describe.
func (e *Engine) Lock(ctx context.Context, id RunID) (*PayoutRun, error) {
	current, err := e.Store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	var run *PayoutRun
	err = e.withPeriodLock(ctx, current.Period, func(s Store) error {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if r.IsLocked() {
			return &RunStateError{RunID: r.ID, Period: r.Period, Err: ErrAlreadyLocked}
		}
		rows, err := s.LedgerRows(ctx, r.Period)
		if err != nil {
			return err
		}
		now := e.now()
		r.apply(Aggregate(rows))
		r.Status = RunStatusLocked
		r.LockedAt = timePtr(now)
		r.UpdatedAt = now
		run = r
		return s.SaveRun(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx)
	e.log().Info("payout run locked",
		zap.Int64("run_id", int64(run.ID)),
		zap.Stringer("period", run.Period),
		zap.Int64("total_owed_cents", run.TotalOwedCents))
	e.publish(ctx, EventRunLocked, *run)
	return run, nil
}

// DeleteRun removes a draft run. Ledger rows are not affected.
func (e *Engine) DeleteRun(ctx context.Context, id RunID) error {
	current, err := e.Store.GetRun(ctx, id)
	if err != nil {
		return err
	}

	var deleted PayoutRun
	err = e.withPeriodLock(ctx, current.Period, func(s Store) error {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if r.IsLocked() {
			return &RunStateError{RunID: r.ID, Period: r.Period, Err: ErrCannotDeleteLocked}
		}
		deleted = *r
		return s.DeleteRun(ctx, id)
	})
	if err != nil {
		return err
	}

	e.invalidate(ctx)
	e.log().Info("payout run deleted", zap.Int64("run_id", int64(id)), zap.Stringer("period", deleted.Period))
	e.publish(ctx, EventRunDeleted, deleted)
	return nil
}

// GetRun returns a single run.
func (e *Engine) GetRun(ctx context.Context, id RunID) (*PayoutRun, error) {
	return e.Store.GetRun(ctx, id)
}

// ListRuns returns the most recent runs, newest period first.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]PayoutRun, error) {
	return e.Store.ListRuns(ctx, limit)
}

// CurrentMonth is the calendar month containing the engine clock's today.
func (e *Engine) CurrentMonth() Period {
	now := e.now()
	return MonthPeriod(now.Year(), now.Month())
}

// Today is the engine clock's current day.
func (e *Engine) Today() time.Time {
	return Day(e.now())
}
