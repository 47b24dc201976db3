/*
Package payout provides the coach payout calculation engine.

PURPOSE:
  A gym owner pays a coach per attended session. The amount owed for each
  session depends on the session length, whether the athlete was a gym
  member when the session was booked, and the pay rate in force on the
  session date. This package keeps the rate history, prices each session
  onto a ledger row, and rolls the ledger up into lockable payout runs.

KEY CONCEPTS IN THIS FILE (types.go):
  - Bucket: (duration, membership) pair a rate applies to
  - PayRate: an effective-dated rate for one bucket
  - LedgerRow: one billable session-athlete pairing with its priced amount
  - PayoutRun: a period's aggregated totals, draft or locked

DESIGN PRINCIPLES:
  1. Integer cents everywhere. No floats touch money.
  2. Snapshot, not reference: a ledger row stores the rate value it was
     priced with, so a later rate change never rewrites history.
  3. Locked periods are immutable. The lock is checked where ledger rows
     are written, not by callers.

USAGE:
  engine := payout.NewEngine(store, logger)
  engine.CreateRate(ctx, payout.NewRate{DurationMinutes: 30, IsMember: true, RateCents: 5000})
  engine.RecordSession(ctx, payout.SessionInput{...})
  result, _ := engine.Generate(ctx, payout.MonthPeriod(2025, time.January))

SEE ALSO:
  - rates.go: Rate table operations
  - resolver.go: Effective-dated rate resolution
  - ledger.go: Session recording and the compute pass
  - runs.go: Run lifecycle (generate, backfill, clear, lock, delete)
*/
package payout

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RateID int64
type LedgerRowID int64
type RunID int64

// =============================================================================
// BUCKET - What a rate applies to
// =============================================================================

// AllowedDurations lists the session lengths that can carry a rate.
var AllowedDurations = []int{30, 60}

// Bucket is the combination of session duration and membership status.
type Bucket struct {
	DurationMinutes int
	IsMember        bool
}

// Validate rejects durations outside AllowedDurations.
func (b Bucket) Validate() error {
	for _, d := range AllowedDurations {
		if b.DurationMinutes == d {
			return nil
		}
	}
	return &InputError{Field: "duration_minutes", Message: fmt.Sprintf("duration must be one of %v, got %d", AllowedDurations, b.DurationMinutes)}
}

func (b Bucket) String() string {
	if b.IsMember {
		return fmt.Sprintf("%dmin/member", b.DurationMinutes)
	}
	return fmt.Sprintf("%dmin/non-member", b.DurationMinutes)
}

// =============================================================================
// PAY RATE - Effective-dated price per session
// =============================================================================

// PayRate is the amount owed per session for one bucket over a time range.
// EffectiveTo is nil while the rate is active.
type PayRate struct {
	ID              RateID
	DurationMinutes int
	IsMember        bool
	RateCents       int64
	EffectiveFrom   time.Time
	EffectiveTo     *time.Time
	CreatedAt       time.Time
}

func (r PayRate) Bucket() Bucket {
	return Bucket{DurationMinutes: r.DurationMinutes, IsMember: r.IsMember}
}

// IsActive reports whether the rate has not been closed out.
func (r PayRate) IsActive() bool { return r.EffectiveTo == nil }

// Covers reports whether the rate applies on the given day:
// effectiveFrom <= day < effectiveTo, compared at day granularity.
func (r PayRate) Covers(on time.Time) bool {
	d := Day(on)
	if d.Before(Day(r.EffectiveFrom)) {
		return false
	}
	if r.EffectiveTo != nil && !d.Before(Day(*r.EffectiveTo)) {
		return false
	}
	return true
}

// =============================================================================
// LEDGER ROW - One billable session-athlete pairing
// =============================================================================

// AttendanceState is the booking state captured when the session was recorded.
type AttendanceState string

const (
	AttendancePending   AttendanceState = "pending"
	AttendanceConfirmed AttendanceState = "confirmed"
	AttendanceCompleted AttendanceState = "completed"
	AttendanceCancelled AttendanceState = "cancelled"
	AttendanceNoShow    AttendanceState = "no-show"
	AttendanceManual    AttendanceState = "manual"
)

func (s AttendanceState) Valid() bool {
	switch s {
	case AttendancePending, AttendanceConfirmed, AttendanceCompleted,
		AttendanceCancelled, AttendanceNoShow, AttendanceManual:
		return true
	}
	return false
}

// LedgerRow records a session and, once priced, the rate and amount owed.
//
// INVARIANT: AppliedRateCents == nil iff OwedCents == nil. Both are set by a
// compute pass and cleared together. ComputedAt follows the same rule.
type LedgerRow struct {
	ID                LedgerRowID
	BookingID         int64
	AthleteID         int64
	DurationMinutes   int
	IsMemberAtBooking bool
	AttendanceState   AttendanceState
	SessionDate       time.Time

	AppliedRateCents *int64
	OwedCents        *int64
	ComputedAt       *time.Time

	// Admin adjustment. When set, a priced row owes this instead of the rate.
	OverrideCents  *int64
	OverrideReason string

	CreatedAt time.Time
}

func (r LedgerRow) Bucket() Bucket {
	return Bucket{DurationMinutes: r.DurationMinutes, IsMember: r.IsMemberAtBooking}
}

// IsPriced reports whether a compute pass has filled in the amounts.
func (r LedgerRow) IsPriced() bool { return r.AppliedRateCents != nil }

// =============================================================================
// PAYOUT RUN - Aggregated totals for a period
// =============================================================================

type RunStatus string

const (
	RunStatusDraft  RunStatus = "draft"
	RunStatusLocked RunStatus = "locked"
)

// PayoutRun is the persisted summary of a period. At most one run exists per
// exact period; generating again updates it in place.
type PayoutRun struct {
	ID                 RunID
	Period             Period
	Status             RunStatus
	TotalSessions      int
	PricedSessions     int
	UnresolvedSessions int
	TotalOwedCents     int64
	GeneratedAt        time.Time
	UpdatedAt          time.Time
	LockedAt           *time.Time
}

func (r PayoutRun) IsLocked() bool { return r.Status == RunStatusLocked }

// apply copies aggregated totals onto the run.
func (r *PayoutRun) apply(t Totals) {
	r.TotalSessions = t.Sessions
	r.PricedSessions = t.Priced
	r.UnresolvedSessions = t.Unresolved
	r.TotalOwedCents = t.OwedCents
}

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func equalCents(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
