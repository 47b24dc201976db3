/*
ledger.go - Session ledger and the compute pass

PURPOSE:
  One ledger row per billable session-athlete pairing. The booking system
  records a row when attendance is final; a compute pass later fills in
  the rate and the amount owed.

CRITICAL INVARIANTS:
  1. PAIRED: AppliedRateCents and OwedCents are nil together or set together.
  2. SNAPSHOT: The resolved rate value is copied onto the row. Changing the
     rate table later does not change a priced row; only a backfill does.
  3. MEMBERSHIP AT BOOKING: IsMemberAtBooking is captured when the row is
     recorded and never looked up again.

GENERATE vs BACKFILL:
  Generate prices unpriced rows only. Backfill (force) reprices every row,
  used after a rate correction. Both resolve against the session date, so
  a rate that starts in February never reprices a January session.

SEE ALSO:
  - resolver.go: RateSnapshot used by ComputeLedgerRow
  - runs.go: Passes over a whole period
*/
package payout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// COMPUTE - Pure pricing of a single row
// =============================================================================

// Computation is the result of pricing one row.
type Computation struct {
	Row       LedgerRow
	Changed   bool // applied or owed value differs from before
	Resolved  bool // a rate covered the session
	Ambiguous bool // more than one rate covered the session
}

// ComputeLedgerRow prices a row against the snapshot.
//
// An already priced row is left alone unless force is set. A forced row with
// no covering rate is cleared back to unpriced.
func ComputeLedgerRow(row LedgerRow, rates *RateSnapshot, force bool, now time.Time) Computation {
	if row.IsPriced() && !force {
		return Computation{Row: row, Resolved: true}
	}

	res := rates.Resolve(row.Bucket(), row.SessionDate)
	if !res.Found {
		out := Computation{Row: row}
		if row.IsPriced() {
			out.Row.AppliedRateCents = nil
			out.Row.OwedCents = nil
			out.Row.ComputedAt = nil
			out.Changed = true
		}
		return out
	}

	applied := res.Rate.RateCents
	owed := applied
	if row.OverrideCents != nil {
		owed = *row.OverrideCents
	}

	out := Computation{Row: row, Resolved: true, Ambiguous: res.Ambiguous()}
	if equalCents(row.AppliedRateCents, &applied) && equalCents(row.OwedCents, &owed) {
		return out
	}
	out.Row.AppliedRateCents = int64Ptr(applied)
	out.Row.OwedCents = int64Ptr(owed)
	out.Row.ComputedAt = timePtr(now)
	out.Changed = true
	return out
}

// =============================================================================
// RECORDING - Inbound from the attendance system
// =============================================================================

// SessionInput is what the attendance system supplies for a finalized session.
type SessionInput struct {
	BookingID         int64
	AthleteID         int64
	DurationMinutes   int
	IsMemberAtBooking bool
	SessionDate       time.Time
	AttendanceState   AttendanceState // empty = completed
}

func (in *SessionInput) validate() error {
	if in.BookingID <= 0 {
		return &InputError{Field: "booking_id", Message: "must be positive"}
	}
	if in.AthleteID <= 0 {
		return &InputError{Field: "athlete_id", Message: "must be positive"}
	}
	if err := (Bucket{DurationMinutes: in.DurationMinutes}).Validate(); err != nil {
		return err
	}
	if in.SessionDate.IsZero() {
		return &InputError{Field: "session_date", Message: "is required"}
	}
	if in.AttendanceState == "" {
		in.AttendanceState = AttendanceCompleted
	}
	if !in.AttendanceState.Valid() {
		return &InputError{Field: "attendance_state", Message: fmt.Sprintf("unknown state %q", in.AttendanceState)}
	}
	return nil
}

// RecordSession adds a ledger row for a session. Recording the same
// (booking, athlete) pair again returns the existing row unchanged.
// Fails with ErrRunLocked when the session date is inside a locked run.
func (e *Engine) RecordSession(ctx context.Context, in SessionInput) (*LedgerRow, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	day := DayPeriod(in.SessionDate)

	var row *LedgerRow
	err := e.withPeriodLock(ctx, day, func(s Store) error {
		existing, err := s.FindLedgerRow(ctx, in.BookingID, in.AthleteID)
		if err != nil {
			return err
		}
		if existing != nil {
			row = existing
			return nil
		}
		if err := ensureUnlocked(ctx, s, day); err != nil {
			return err
		}
		row = &LedgerRow{
			BookingID:         in.BookingID,
			AthleteID:         in.AthleteID,
			DurationMinutes:   in.DurationMinutes,
			IsMemberAtBooking: in.IsMemberAtBooking,
			AttendanceState:   in.AttendanceState,
			SessionDate:       day.Start,
		}
		return s.InsertLedgerRow(ctx, row)
	})
	if err != nil {
		return nil, err
	}
	e.invalidate(ctx)
	return row, nil
}

// GetLedgerRow returns a single row.
func (e *Engine) GetLedgerRow(ctx context.Context, id LedgerRowID) (*LedgerRow, error) {
	return e.Store.GetLedgerRow(ctx, id)
}

// =============================================================================
// OVERRIDES - Admin adjustment of a single row
// =============================================================================

// SetOverride sets (cents != nil) or removes (cents == nil) the admin override
// on a row. A priced row's owed amount follows immediately; an unpriced row
// picks it up on its next compute pass.
func (e *Engine) SetOverride(ctx context.Context, id LedgerRowID, cents *int64, reason string) (*LedgerRow, error) {
	if cents != nil && *cents < 0 {
		return nil, &InputError{Field: "override_cents", Message: "must not be negative"}
	}
	if cents != nil && reason == "" {
		return nil, &InputError{Field: "override_reason", Message: "is required when overriding"}
	}

	current, err := e.Store.GetLedgerRow(ctx, id)
	if err != nil {
		return nil, err
	}
	day := DayPeriod(current.SessionDate)

	var row *LedgerRow
	err = e.withPeriodLock(ctx, day, func(s Store) error {
		r, err := s.GetLedgerRow(ctx, id)
		if err != nil {
			return err
		}
		if err := ensureUnlocked(ctx, s, day); err != nil {
			return err
		}
		r.OverrideCents = cents
		r.OverrideReason = reason
		if cents == nil {
			r.OverrideReason = ""
		}
		if r.IsPriced() {
			owed := *r.AppliedRateCents
			if cents != nil {
				owed = *cents
			}
			r.OwedCents = int64Ptr(owed)
			r.ComputedAt = timePtr(e.now())
		}
		row = r
		return s.UpdatePricing(ctx, *r)
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx)
	e.log().Info("ledger override updated",
		zap.Int64("row_id", int64(id)),
		zap.Bool("cleared", cents == nil))
	return row, nil
}
