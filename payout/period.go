package payout

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the wire and storage format for calendar days.
const DateLayout = "2006-01-02"

// =============================================================================
// DAYS - Sessions and periods are day-granular
// =============================================================================

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDate returns midnight UTC of the given day.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, &InputError{Field: "date", Message: fmt.Sprintf("%q is not a YYYY-MM-DD date", s)}
	}
	return t, nil
}

// =============================================================================
// PERIOD - Inclusive range of days a run covers
// =============================================================================

// Period is an inclusive range of days [Start, End].
//
// Examples:
//   - January payouts: 2025-01-01 .. 2025-01-31
//   - A single day:    2025-01-15 .. 2025-01-15
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod normalizes both ends to days and validates the range.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: Day(start), End: Day(end)}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// ParsePeriod builds a period from two YYYY-MM-DD strings.
func ParsePeriod(start, end string) (Period, error) {
	s, err := ParseDate(start)
	if err != nil {
		return Period{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return Period{}, err
	}
	return NewPeriod(s, e)
}

// DayPeriod is the one-day period containing t.
func DayPeriod(t time.Time) Period {
	d := Day(t)
	return Period{Start: d, End: d}
}

// MonthPeriod returns the calendar month as a period.
func MonthPeriod(year int, month time.Month) Period {
	start := NewDate(year, month, 1)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

// Validate checks the period is set and Start <= End.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return &InputError{Field: "period", Message: "period start and end are required"}
	}
	if Day(p.End).Before(Day(p.Start)) {
		return &InputError{Field: "period", Message: fmt.Sprintf("period end %s is before start %s",
			p.End.Format(DateLayout), p.Start.Format(DateLayout))}
	}
	return nil
}

// Contains returns true if the day of t is within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(Day(p.Start)) && !d.After(Day(p.End))
}

// Overlaps returns true if the two periods share at least one day.
func (p Period) Overlaps(other Period) bool {
	return !Day(p.Start).After(Day(other.End)) && !Day(other.Start).After(Day(p.End))
}

// Equal compares periods at day granularity.
func (p Period) Equal(other Period) bool {
	return Day(p.Start).Equal(Day(other.Start)) && Day(p.End).Equal(Day(other.End))
}

// Days returns the number of days in the period, both ends included.
func (p Period) Days() int {
	return int(Day(p.End).Sub(Day(p.Start)).Hours()/24) + 1
}

func (p Period) String() string {
	return "[" + p.Start.Format(DateLayout) + ", " + p.End.Format(DateLayout) + "]"
}

// =============================================================================
// LOCK KEYS - Serialization scope for mutations
// =============================================================================

// LockKeys returns one key per calendar month the period touches, sorted.
// Two periods that overlap always share at least one key, so holding every
// key of a period serializes against any overlapping mutation.
func (p Period) LockKeys() []string {
	var keys []string
	start := Day(p.Start)
	end := Day(p.End)
	cur := NewDate(start.Year(), start.Month(), 1)
	for !cur.After(end) {
		keys = append(keys, fmt.Sprintf("payout:%04d-%02d", cur.Year(), int(cur.Month())))
		cur = cur.AddDate(0, 1, 0)
	}
	sort.Strings(keys)
	return keys
}

// rateLockKey scopes rate-table mutations to one bucket.
func rateLockKey(b Bucket) string {
	return "payout:rates:" + b.String()
}
