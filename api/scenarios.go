/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates pay rates, records
	sessions and runs payouts to demonstrate specific features.

AVAILABLE SCENARIOS:

	basic-month:   Last month priced; one bucket has no rate, so one row stays unresolved
	rate-change:   Mid-month raise; each session keeps the rate of its own date
	locked-period: Last month locked, this month an open draft

DATES:

	Scenarios are placed relative to the engine clock: "last month" is the
	calendar month before the one containing today.

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create pay rates
 3. Record sessions
 4. Generate and optionally lock runs

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "rate-change"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payout-engine/payout"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "basic-month",
		Name:        "Basic Month",
		Description: "Three rates, a month of sessions, one session with no rate left unresolved",
	},
	{
		ID:          "rate-change",
		Name:        "Mid-Month Rate Change",
		Description: "60-minute member rate raised on the 15th; earlier sessions keep the old rate",
	},
	{
		ID:          "locked-period",
		Name:        "Locked Period",
		Description: "Last month locked and immutable, current month an open draft",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          current,
		Name:        current,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "basic-month":
		load = h.loadBasicMonthScenario
	case "rate-change":
		load = h.loadRateChangeScenario
	case "locked-period":
		load = h.loadLockedPeriodScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	// Reset first
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBasicMonthScenario(ctx context.Context) error {
	last := h.lastMonth()

	// No 60-minute non-member rate: booking 104 stays unresolved.
	if err := h.seedRates(ctx, last.Start, map[payout.Bucket]int64{
		{DurationMinutes: 30, IsMember: true}:  4000,
		{DurationMinutes: 30, IsMember: false}: 5000,
		{DurationMinutes: 60, IsMember: true}:  7000,
	}); err != nil {
		return err
	}

	sessions := []payout.SessionInput{
		session(101, 1, 30, true, last.Start.AddDate(0, 0, 2)),
		session(101, 2, 30, false, last.Start.AddDate(0, 0, 2)),
		session(102, 3, 60, true, last.Start.AddDate(0, 0, 9)),
		session(103, 1, 60, true, last.Start.AddDate(0, 0, 16)),
		session(104, 2, 60, false, last.Start.AddDate(0, 0, 20)),
	}
	noShow := session(105, 3, 30, true, last.Start.AddDate(0, 0, 23))
	noShow.AttendanceState = payout.AttendanceNoShow
	sessions = append(sessions, noShow)

	if err := h.seedSessions(ctx, sessions); err != nil {
		return err
	}

	_, err := h.Engine.Generate(ctx, last)
	return err
}

func (h *Handler) loadRateChangeScenario(ctx context.Context) error {
	last := h.lastMonth()

	if err := h.seedRates(ctx, last.Start, standardRates()); err != nil {
		return err
	}

	if err := h.seedSessions(ctx, []payout.SessionInput{
		session(201, 1, 60, true, last.Start.AddDate(0, 0, 3)),
		session(202, 2, 60, true, last.Start.AddDate(0, 0, 10)),
		session(203, 1, 60, true, last.Start.AddDate(0, 0, 17)),
		session(204, 2, 60, true, last.Start.AddDate(0, 0, 24)),
		session(205, 3, 30, false, last.Start.AddDate(0, 0, 24)),
	}); err != nil {
		return err
	}

	// Raise on the 15th. Sessions before it resolve to the old rate.
	raiseFrom := last.Start.AddDate(0, 0, 14)
	if _, err := h.Engine.CreateRate(ctx, payout.NewRate{
		DurationMinutes: 60,
		IsMember:        true,
		RateCents:       7500,
		EffectiveFrom:   &raiseFrom,
	}); err != nil {
		return err
	}

	_, err := h.Engine.Generate(ctx, last)
	return err
}

func (h *Handler) loadLockedPeriodScenario(ctx context.Context) error {
	last := h.lastMonth()
	current := h.Engine.CurrentMonth()

	if err := h.seedRates(ctx, last.Start, standardRates()); err != nil {
		return err
	}

	if err := h.seedSessions(ctx, []payout.SessionInput{
		session(301, 1, 30, true, last.Start.AddDate(0, 0, 4)),
		session(302, 2, 60, false, last.Start.AddDate(0, 0, 11)),
		session(303, 3, 60, true, last.Start.AddDate(0, 0, 18)),
		session(304, 1, 30, true, current.Start),
		session(305, 2, 30, false, current.Start.AddDate(0, 0, 1)),
	}); err != nil {
		return err
	}

	res, err := h.Engine.Generate(ctx, last)
	if err != nil {
		return err
	}
	if _, err := h.Engine.Lock(ctx, res.Run.ID); err != nil {
		return err
	}

	_, err = h.Engine.Generate(ctx, current)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// lastMonth is the calendar month before the engine clock's current month.
func (h *Handler) lastMonth() payout.Period {
	prev := h.Engine.CurrentMonth().Start.AddDate(0, -1, 0)
	return payout.MonthPeriod(prev.Year(), prev.Month())
}

func standardRates() map[payout.Bucket]int64 {
	return map[payout.Bucket]int64{
		{DurationMinutes: 30, IsMember: true}:  4000,
		{DurationMinutes: 30, IsMember: false}: 5000,
		{DurationMinutes: 60, IsMember: true}:  7000,
		{DurationMinutes: 60, IsMember: false}: 8500,
	}
}

func (h *Handler) seedRates(ctx context.Context, from time.Time, rates map[payout.Bucket]int64) error {
	for b, cents := range rates {
		if _, err := h.Engine.CreateRate(ctx, payout.NewRate{
			DurationMinutes: b.DurationMinutes,
			IsMember:        b.IsMember,
			RateCents:       cents,
			EffectiveFrom:   &from,
		}); err != nil {
			return fmt.Errorf("rate %s: %w", b, err)
		}
	}
	return nil
}

func (h *Handler) seedSessions(ctx context.Context, sessions []payout.SessionInput) error {
	for _, s := range sessions {
		if _, err := h.Engine.RecordSession(ctx, s); err != nil {
			return fmt.Errorf("booking %d athlete %d: %w", s.BookingID, s.AthleteID, err)
		}
	}
	return nil
}

func session(bookingID, athleteID int64, minutes int, member bool, on time.Time) payout.SessionInput {
	return payout.SessionInput{
		BookingID:         bookingID,
		AthleteID:         athleteID,
		DurationMinutes:   minutes,
		IsMemberAtBooking: member,
		SessionDate:       on,
		AttendanceState:   payout.AttendanceCompleted,
	}
}
