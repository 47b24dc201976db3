package payout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// MembershipFilter selects rows by membership at booking.
type MembershipFilter string

const (
	MembershipAll       MembershipFilter = "all"
	MembershipMember    MembershipFilter = "member"
	MembershipNonMember MembershipFilter = "non-member"
)

// StateAll matches every attendance state.
const StateAll AttendanceState = "all"

// Filter selects ledger rows for List and Summary. Both apply the same
// Match predicate to the same rows, so their results always agree.
type Filter struct {
	Period          Period
	Membership      MembershipFilter // empty = all
	AthleteID       *int64
	State           AttendanceState // empty or StateAll = any
	DurationMinutes int             // 0 = any
}

// Validate checks the period and the enumerated fields.
func (f Filter) Validate() error {
	if err := f.Period.Validate(); err != nil {
		return err
	}
	switch f.Membership {
	case "", MembershipAll, MembershipMember, MembershipNonMember:
	default:
		return &InputError{Field: "membership", Message: fmt.Sprintf("unknown membership filter %q", f.Membership)}
	}
	if f.State != "" && f.State != StateAll && !f.State.Valid() {
		return &InputError{Field: "state", Message: fmt.Sprintf("unknown attendance state %q", f.State)}
	}
	if f.DurationMinutes != 0 {
		if err := (Bucket{DurationMinutes: f.DurationMinutes}).Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Match is the single predicate behind List and Summary.
func (f Filter) Match(r LedgerRow) bool {
	if !f.Period.Contains(r.SessionDate) {
		return false
	}
	switch f.Membership {
	case MembershipMember:
		if !r.IsMemberAtBooking {
			return false
		}
	case MembershipNonMember:
		if r.IsMemberAtBooking {
			return false
		}
	}
	if f.AthleteID != nil && r.AthleteID != *f.AthleteID {
		return false
	}
	if f.State != "" && f.State != StateAll && r.AttendanceState != f.State {
		return false
	}
	if f.DurationMinutes != 0 && r.DurationMinutes != f.DurationMinutes {
		return false
	}
	return true
}

// Key is a stable cache key for the filter.
func (f Filter) Key() string {
	membership := f.Membership
	if membership == "" {
		membership = MembershipAll
	}
	state := f.State
	if state == "" {
		state = StateAll
	}
	athlete := "*"
	if f.AthleteID != nil {
		athlete = strconv.FormatInt(*f.AthleteID, 10)
	}
	return strings.Join([]string{
		f.Period.Start.Format(DateLayout),
		f.Period.End.Format(DateLayout),
		string(membership),
		athlete,
		string(state),
		strconv.Itoa(f.DurationMinutes),
	}, "|")
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) matchingRows(ctx context.Context, f Filter) ([]LedgerRow, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rows, err := e.Store.LedgerRows(ctx, f.Period)
	if err != nil {
		return nil, err
	}
	out := make([]LedgerRow, 0, len(rows))
	for _, r := range rows {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// List returns the ledger rows matching f, ordered by session date.
func (e *Engine) List(ctx context.Context, f Filter) ([]LedgerRow, error) {
	return e.matchingRows(ctx, f)
}

// Summary aggregates the rows List would return for f.
func (e *Engine) Summary(ctx context.Context, f Filter) (*Summary, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	gen := int64(-1)
	if e.Cache != nil {
		cached, g, ok := e.Cache.Get(ctx, f)
		if ok {
			return cached, nil
		}
		gen = g
	}
	rows, err := e.matchingRows(ctx, f)
	if err != nil {
		return nil, err
	}
	s := Summarize(rows)
	if e.Cache != nil && gen >= 0 {
		e.Cache.Set(ctx, f, gen, s)
	}
	return &s, nil
}
