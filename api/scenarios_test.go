/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Rates are created and versioned
	- Sessions are recorded
	- Runs are generated and locked with the expected totals

These tests ensure scenarios work correctly and can be used as integration tests.
The engine clock is fixed at 2025-03-15, so "last month" is February 2025.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payout-engine/payout"
)

func setupTestHandler(t *testing.T) *Handler {
	return newTestServer(t).handler
}

func TestScenario_BasicMonth(t *testing.T) {
	// GIVEN: Basic month scenario
	// WHEN: Loading the scenario
	// THEN: February is generated with the 60-minute non-member session unresolved
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadBasicMonthScenario(ctx))

	runs, err := h.Engine.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.True(t, run.Period.Equal(payout.MonthPeriod(2025, time.February)))
	assert.Equal(t, payout.RunStatusDraft, run.Status)
	assert.Equal(t, 6, run.TotalSessions)
	assert.Equal(t, 5, run.PricedSessions)
	assert.Equal(t, 1, run.UnresolvedSessions)
	assert.Equal(t, int64(27000), run.TotalOwedCents)

	sum, err := h.Engine.Summary(ctx, payout.Filter{Period: run.Period})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.UniqueAthletes)

	noShows, err := h.Engine.List(ctx, payout.Filter{Period: run.Period, State: payout.AttendanceNoShow})
	require.NoError(t, err)
	assert.Len(t, noShows, 1)
}

func TestScenario_RateChange(t *testing.T) {
	// GIVEN: Rate change scenario
	// WHEN: Loading the scenario
	// THEN: Sessions before the 15th keep 70.00, later ones get 75.00
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadRateChangeScenario(ctx))

	feb := payout.MonthPeriod(2025, time.February)
	rows, err := h.Engine.List(ctx, payout.Filter{Period: feb, DurationMinutes: 60})
	require.NoError(t, err)
	require.Len(t, rows, 4)

	raise := payout.NewDate(2025, time.February, 15)
	for _, r := range rows {
		require.NotNil(t, r.AppliedRateCents, "booking %d", r.BookingID)
		want := int64(7000)
		if !r.SessionDate.Before(raise) {
			want = 7500
		}
		assert.Equal(t, want, *r.AppliedRateCents, "booking %d on %s", r.BookingID, r.SessionDate.Format(payout.DateLayout))
	}

	rates, err := h.Engine.ListRates(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rates, 5, "four initial rates plus the raise")

	sum, err := h.Engine.Summary(ctx, payout.Filter{Period: feb})
	require.NoError(t, err)
	assert.Equal(t, int64(34000), sum.OwedCents)
}

func TestScenario_LockedPeriod(t *testing.T) {
	// GIVEN: Locked period scenario
	// WHEN: Loading the scenario
	// THEN: February is locked and March is an open draft
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadLockedPeriodScenario(ctx))

	runs, err := h.Engine.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	march, feb := runs[0], runs[1]
	assert.Equal(t, payout.RunStatusDraft, march.Status)
	assert.Equal(t, int64(9000), march.TotalOwedCents)
	assert.Equal(t, payout.RunStatusLocked, feb.Status)
	assert.Equal(t, int64(19500), feb.TotalOwedCents)

	_, err = h.Engine.Backfill(ctx, payout.MonthPeriod(2025, time.February))
	assert.ErrorIs(t, err, payout.ErrRunLocked)
}

func TestScenario_LoadViaAPI(t *testing.T) {
	// GIVEN: A server with one scenario already loaded
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "locked-period"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Loading another scenario
	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "basic-month"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The previous data is gone and the current scenario is tracked
	runs := decode[[]RunDTO](t, ts.do(t, http.MethodGet, "/api/payouts/runs", nil))
	require.Len(t, runs, 1)
	assert.Equal(t, "draft", runs[0].Status)

	current := decode[ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "basic-month", current.ID)

	list := decode[[]ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios", nil))
	assert.Len(t, list, len(scenarios))

	unknown := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, unknown.Code)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	// GIVEN: All available scenarios
	// WHEN: Loading each scenario twice through the API
	// THEN: None should error
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			ts := newTestServer(t)
			for i := 0; i < 2; i++ {
				rec := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": s.ID})
				assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestScenario_ConcurrentLoads(t *testing.T) {
	// GIVEN: Loads and resets racing each other
	ts := newTestServer(t)
	ids := []string{"basic-month", "rate-change", "locked-period"}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(2)
		id := ids[i%len(ids)]
		go func() {
			defer wg.Done()
			rec := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		}()
		go func() {
			defer wg.Done()
			ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
		}()
	}
	wg.Wait()

	// WHEN: One final load completes
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "rate-change"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Only that scenario's data is present
	current := decode[ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "rate-change", current.ID)
	rates := decode[[]RateDTO](t, ts.do(t, http.MethodGet, "/api/payouts/rates?scope=all", nil))
	assert.Len(t, rates, 5)

	// WHEN: The admin reset runs
	rec = ts.do(t, http.MethodPost, "/api/admin/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: No scenario is current
	assert.Equal(t, "null", strings.TrimSpace(ts.do(t, http.MethodGet, "/api/scenarios/current", nil).Body.String()))
}
