/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the payout domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Every amount is sent twice: integer cents (authoritative) and a dollar
  string for display ("50.00"). Requests take cents, or a dollar string
  with at most two decimal places. Dollar strings go through
  shopspring/decimal; no float ever holds money.

DATES:
  Days are "YYYY-MM-DD". Timestamps are RFC 3339 UTC.

SEE ALSO:
  - handlers.go: Uses these types
  - payout/types.go: Domain model
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payout-engine/payout"
)

// =============================================================================
// RATES
// =============================================================================

// RateDTO represents a pay rate in API responses.
type RateDTO struct {
	ID              int64   `json:"id"`
	DurationMinutes int     `json:"duration_minutes"`
	IsMember        bool    `json:"is_member"`
	Bucket          string  `json:"bucket"`
	RateCents       int64   `json:"rate_cents"`
	Rate            string  `json:"rate"`
	EffectiveFrom   string  `json:"effective_from"`
	EffectiveTo     *string `json:"effective_to"`
	Active          bool    `json:"active"`
	CreatedAt       string  `json:"created_at"`
}

// CreateRateRequest creates a rate. Exactly one of RateCents and RateDollars.
// EffectiveFrom accepts a day or an RFC 3339 timestamp; empty means now.
type CreateRateRequest struct {
	DurationMinutes int     `json:"duration_minutes"`
	IsMember        bool    `json:"is_member"`
	RateCents       *int64  `json:"rate_cents,omitempty"`
	RateDollars     *string `json:"rate_dollars,omitempty"`
	EffectiveFrom   string  `json:"effective_from,omitempty"`
}

// ResolveRateDTO is the answer to a rate lookup. Found false means no rate
// covers the day; the amount is then unknown, not zero.
type ResolveRateDTO struct {
	DurationMinutes int     `json:"duration_minutes"`
	IsMember        bool    `json:"is_member"`
	Date            string  `json:"date"`
	Found           bool    `json:"found"`
	RateCents       *int64  `json:"rate_cents"`
	Rate            *string `json:"rate"`
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerRowDTO represents a session ledger row.
type LedgerRowDTO struct {
	ID                int64   `json:"id"`
	BookingID         int64   `json:"booking_id"`
	AthleteID         int64   `json:"athlete_id"`
	DurationMinutes   int     `json:"duration_minutes"`
	IsMemberAtBooking bool    `json:"is_member_at_booking"`
	AttendanceState   string  `json:"attendance_state"`
	SessionDate       string  `json:"session_date"`
	AppliedRateCents  *int64  `json:"applied_rate_cents"`
	AppliedRate       *string `json:"applied_rate"`
	OwedCents         *int64  `json:"owed_cents"`
	Owed              *string `json:"owed"`
	ComputedAt        *string `json:"computed_at"`
	OverrideCents     *int64  `json:"override_cents,omitempty"`
	OverrideReason    string  `json:"override_reason,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// RecordSessionRequest is posted by the booking system for a finalized session.
type RecordSessionRequest struct {
	BookingID         int64  `json:"booking_id"`
	AthleteID         int64  `json:"athlete_id"`
	DurationMinutes   int    `json:"duration_minutes"`
	IsMemberAtBooking bool   `json:"is_member_at_booking"`
	SessionDate       string `json:"session_date"`
	AttendanceState   string `json:"attendance_state,omitempty"`
}

// OverrideRequest sets or, with neither amount, clears a row's override.
type OverrideRequest struct {
	OverrideCents   *int64  `json:"override_cents,omitempty"`
	OverrideDollars *string `json:"override_dollars,omitempty"`
	Reason          string  `json:"reason"`
}

// SummaryDTO aggregates the rows a listing with the same filter returns.
type SummaryDTO struct {
	PeriodStart        string `json:"period_start"`
	PeriodEnd          string `json:"period_end"`
	TotalSessions      int    `json:"total_sessions"`
	PricedSessions     int    `json:"priced_sessions"`
	UnresolvedSessions int    `json:"unresolved_sessions"`
	TotalOwedCents     int64  `json:"total_owed_cents"`
	TotalOwed          string `json:"total_owed"`
	UniqueAthletes     int    `json:"unique_athletes"`
}

// =============================================================================
// RUNS
// =============================================================================

// RunDTO represents a payout run.
type RunDTO struct {
	ID                 int64   `json:"id"`
	PeriodStart        string  `json:"period_start"`
	PeriodEnd          string  `json:"period_end"`
	Status             string  `json:"status"`
	TotalSessions      int     `json:"total_sessions"`
	PricedSessions     int     `json:"priced_sessions"`
	UnresolvedSessions int     `json:"unresolved_sessions"`
	TotalOwedCents     int64   `json:"total_owed_cents"`
	TotalOwed          string  `json:"total_owed"`
	GeneratedAt        string  `json:"generated_at"`
	UpdatedAt          string  `json:"updated_at"`
	LockedAt           *string `json:"locked_at"`
}

// PeriodRequest names a period either by bounds or by month ("2025-01").
type PeriodRequest struct {
	PeriodStart string `json:"period_start,omitempty"`
	PeriodEnd   string `json:"period_end,omitempty"`
	Month       string `json:"month,omitempty"`
}

// GenerateResultDTO reports a generate call.
type GenerateResultDTO struct {
	Run        RunDTO `json:"run"`
	Priced     int    `json:"priced"`
	Unresolved int    `json:"unresolved"`
}

// BackfillResultDTO reports a backfill call.
type BackfillResultDTO struct {
	Updated    int `json:"updated"`
	Total      int `json:"total"`
	Unresolved int `json:"unresolved"`
}

// ClearResultDTO reports a clear call.
type ClearResultDTO struct {
	Updated int `json:"updated"`
}

// =============================================================================
// MISC
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// LockedDetails explains a run_locked error.
type LockedDetails struct {
	Message     string `json:"message"`
	RunID       int64  `json:"run_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRateDTO(r payout.PayRate) RateDTO {
	dto := RateDTO{
		ID:              int64(r.ID),
		DurationMinutes: r.DurationMinutes,
		IsMember:        r.IsMember,
		Bucket:          r.Bucket().String(),
		RateCents:       r.RateCents,
		Rate:            formatDollars(r.RateCents),
		EffectiveFrom:   formatTime(r.EffectiveFrom),
		Active:          r.IsActive(),
		CreatedAt:       formatTime(r.CreatedAt),
	}
	if r.EffectiveTo != nil {
		to := formatTime(*r.EffectiveTo)
		dto.EffectiveTo = &to
	}
	return dto
}

func toRateDTOs(rates []payout.PayRate) []RateDTO {
	dtos := make([]RateDTO, len(rates))
	for i, r := range rates {
		dtos[i] = toRateDTO(r)
	}
	return dtos
}

func toLedgerRowDTO(r payout.LedgerRow) LedgerRowDTO {
	dto := LedgerRowDTO{
		ID:                int64(r.ID),
		BookingID:         r.BookingID,
		AthleteID:         r.AthleteID,
		DurationMinutes:   r.DurationMinutes,
		IsMemberAtBooking: r.IsMemberAtBooking,
		AttendanceState:   string(r.AttendanceState),
		SessionDate:       r.SessionDate.Format(payout.DateLayout),
		AppliedRateCents:  r.AppliedRateCents,
		AppliedRate:       formatDollarsPtr(r.AppliedRateCents),
		OwedCents:         r.OwedCents,
		Owed:              formatDollarsPtr(r.OwedCents),
		OverrideCents:     r.OverrideCents,
		OverrideReason:    r.OverrideReason,
		CreatedAt:         formatTime(r.CreatedAt),
	}
	if r.ComputedAt != nil {
		at := formatTime(*r.ComputedAt)
		dto.ComputedAt = &at
	}
	return dto
}

func toLedgerRowDTOs(rows []payout.LedgerRow) []LedgerRowDTO {
	dtos := make([]LedgerRowDTO, len(rows))
	for i, r := range rows {
		dtos[i] = toLedgerRowDTO(r)
	}
	return dtos
}

func toSummaryDTO(p payout.Period, s payout.Summary) SummaryDTO {
	return SummaryDTO{
		PeriodStart:        p.Start.Format(payout.DateLayout),
		PeriodEnd:          p.End.Format(payout.DateLayout),
		TotalSessions:      s.Sessions,
		PricedSessions:     s.Priced,
		UnresolvedSessions: s.Unresolved,
		TotalOwedCents:     s.OwedCents,
		TotalOwed:          formatDollars(s.OwedCents),
		UniqueAthletes:     s.UniqueAthletes,
	}
}

func toRunDTO(r payout.PayoutRun) RunDTO {
	dto := RunDTO{
		ID:                 int64(r.ID),
		PeriodStart:        r.Period.Start.Format(payout.DateLayout),
		PeriodEnd:          r.Period.End.Format(payout.DateLayout),
		Status:             string(r.Status),
		TotalSessions:      r.TotalSessions,
		PricedSessions:     r.PricedSessions,
		UnresolvedSessions: r.UnresolvedSessions,
		TotalOwedCents:     r.TotalOwedCents,
		TotalOwed:          formatDollars(r.TotalOwedCents),
		GeneratedAt:        formatTime(r.GeneratedAt),
		UpdatedAt:          formatTime(r.UpdatedAt),
	}
	if r.LockedAt != nil {
		at := formatTime(*r.LockedAt)
		dto.LockedAt = &at
	}
	return dto
}

func toRunDTOs(runs []payout.PayoutRun) []RunDTO {
	dtos := make([]RunDTO, len(runs))
	for i, r := range runs {
		dtos[i] = toRunDTO(r)
	}
	return dtos
}

// =============================================================================
// MONEY AND TIME
// =============================================================================

// formatDollars renders cents as a fixed two-place dollar string.
func formatDollars(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func formatDollarsPtr(cents *int64) *string {
	if cents == nil {
		return nil
	}
	s := formatDollars(*cents)
	return &s
}

// parseDollars converts "50", "50.5" or "50.05" to cents.
// More than two decimal places is an error, never a rounding.
func parseDollars(field, s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &payout.InputError{Field: field, Message: fmt.Sprintf("%q is not a decimal amount", s)}
	}
	if !d.Equal(d.Truncate(2)) {
		return 0, &payout.InputError{Field: field, Message: fmt.Sprintf("%q has more than two decimal places", s)}
	}
	return d.Shift(2).IntPart(), nil
}

// amountCents picks cents or dollars from a request. Neither returns nil.
func amountCents(field string, cents *int64, dollars *string) (*int64, error) {
	switch {
	case cents != nil && dollars != nil:
		return nil, &payout.InputError{Field: field, Message: "give cents or dollars, not both"}
	case cents != nil:
		return cents, nil
	case dollars != nil:
		c, err := parseDollars(field, *dollars)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
	return nil, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseDayOrTime accepts "2025-01-15" or an RFC 3339 timestamp.
func parseDayOrTime(field, s string) (time.Time, error) {
	if t, err := time.Parse(payout.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &payout.InputError{Field: field, Message: fmt.Sprintf("%q is neither YYYY-MM-DD nor RFC 3339", s)}
	}
	return t.UTC(), nil
}

// parseMonth turns "2025-01" into the calendar month period.
func parseMonth(s string) (payout.Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return payout.Period{}, &payout.InputError{Field: "month", Message: fmt.Sprintf("%q is not YYYY-MM", s)}
	}
	return payout.MonthPeriod(t.Year(), t.Month()), nil
}

// toPeriod resolves a PeriodRequest.
func (req PeriodRequest) toPeriod() (payout.Period, error) {
	if req.Month != "" {
		if req.PeriodStart != "" || req.PeriodEnd != "" {
			return payout.Period{}, &payout.InputError{Field: "period", Message: "give month or period_start/period_end, not both"}
		}
		return parseMonth(req.Month)
	}
	if req.PeriodStart == "" || req.PeriodEnd == "" {
		return payout.Period{}, &payout.InputError{Field: "period", Message: "period_start and period_end are required"}
	}
	return payout.ParsePeriod(req.PeriodStart, req.PeriodEnd)
}
