/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Rate create/list/retire/resolve, dollar parsing
- Session recording, idempotence and overrides
- List and summary filters
- Run lifecycle and the run_locked error body
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/payout-engine/payout"
	"github.com/warp/payout-engine/store/sqlite"
)

var testNow = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := payout.NewEngine(store, zap.NewNop())
	engine.Now = func() time.Time { return testNow }

	h := NewHandler(engine, zap.NewNop())
	return &testServer{handler: h, router: NewRouter(h, nil)}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createRate(t *testing.T, minutes int, member bool, cents int64, from string) RateDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/payouts/rates", CreateRateRequest{
		DurationMinutes: minutes,
		IsMember:        member,
		RateCents:       &cents,
		EffectiveFrom:   from,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[RateDTO](t, rec)
}

func (ts *testServer) recordSession(t *testing.T, booking, athlete int64, minutes int, member bool, on string) LedgerRowDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/payouts/sessions", RecordSessionRequest{
		BookingID:         booking,
		AthleteID:         athlete,
		DurationMinutes:   minutes,
		IsMemberAtBooking: member,
		SessionDate:       on,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[LedgerRowDTO](t, rec)
}

func TestRates_CreateListResolve(t *testing.T) {
	// GIVEN: A 30-minute member rate from Jan 1, raised on Feb 1
	ts := newTestServer(t)
	dollars := "50.00"
	rec := ts.do(t, http.MethodPost, "/api/payouts/rates", CreateRateRequest{
		DurationMinutes: 30, IsMember: true, RateDollars: &dollars, EffectiveFrom: "2025-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[RateDTO](t, rec)
	assert.Equal(t, int64(5000), first.RateCents)
	assert.Equal(t, "50.00", first.Rate)
	assert.Equal(t, "30min/member", first.Bucket)
	assert.True(t, first.Active)

	ts.createRate(t, 30, true, 5500, "2025-02-01")

	// WHEN: Listing by scope
	// THEN: Only the raise is active, both are in the history
	active := decode[[]RateDTO](t, ts.do(t, http.MethodGet, "/api/payouts/rates?scope=active", nil))
	require.Len(t, active, 1)
	assert.Equal(t, "55.00", active[0].Rate)

	all := decode[[]RateDTO](t, ts.do(t, http.MethodGet, "/api/payouts/rates", nil))
	require.Len(t, all, 2)
	require.NotNil(t, all[0].EffectiveTo, "first rate closed by the raise")
	assert.Equal(t, "2025-02-01T00:00:00Z", *all[0].EffectiveTo)

	// THEN: Resolution follows the session date
	jan := decode[ResolveRateDTO](t, ts.do(t, http.MethodGet, "/api/payouts/rates/resolve?duration=30&member=true&date=2025-01-31", nil))
	require.True(t, jan.Found)
	assert.Equal(t, int64(5000), *jan.RateCents)

	feb := decode[ResolveRateDTO](t, ts.do(t, http.MethodGet, "/api/payouts/rates/resolve?duration=30&member=true&date=2025-02-01", nil))
	require.True(t, feb.Found)
	assert.Equal(t, "55.00", *feb.Rate)

	missing := decode[ResolveRateDTO](t, ts.do(t, http.MethodGet, "/api/payouts/rates/resolve?duration=60&member=true&date=2025-02-01", nil))
	assert.False(t, missing.Found)
	assert.Nil(t, missing.RateCents, "no rate is unknown, not zero")
}

func TestCreateRate_Validation(t *testing.T) {
	ts := newTestServer(t)
	tooPrecise := "50.005"
	junk := "fifty"
	cents := int64(5000)
	negative := int64(-100)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"duration_minutes":`},
		{"no amount", CreateRateRequest{DurationMinutes: 30}},
		{"cents and dollars", CreateRateRequest{DurationMinutes: 30, RateCents: &cents, RateDollars: &tooPrecise}},
		{"three decimal places", CreateRateRequest{DurationMinutes: 30, RateDollars: &tooPrecise}},
		{"not a number", CreateRateRequest{DurationMinutes: 30, RateDollars: &junk}},
		{"negative", CreateRateRequest{DurationMinutes: 30, RateCents: &negative}},
		{"unsupported duration", CreateRateRequest{DurationMinutes: 45, RateCents: &cents}},
		{"bad effective_from", CreateRateRequest{DurationMinutes: 30, RateCents: &cents, EffectiveFrom: "next week"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/payouts/rates", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestRetireRate(t *testing.T) {
	// GIVEN: An active rate
	ts := newTestServer(t)
	rate := ts.createRate(t, 60, false, 8500, "2025-01-01")

	// WHEN: Retiring it
	rec := ts.do(t, http.MethodPost, "/api/payouts/rates/1/retire", nil)

	// THEN: It is closed at the engine clock
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	retired := decode[RateDTO](t, rec)
	assert.Equal(t, rate.ID, retired.ID)
	assert.False(t, retired.Active)
	require.NotNil(t, retired.EffectiveTo)
	assert.Equal(t, testNow.Format(time.RFC3339), *retired.EffectiveTo)

	// THEN: Retiring again conflicts, unknown and malformed ids fail
	again := ts.do(t, http.MethodPost, "/api/payouts/rates/1/retire", nil)
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "conflict", decode[ErrorResponse](t, again).Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/payouts/rates/999/retire", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/payouts/rates/abc/retire", nil).Code)
}

func TestResolveRate_BadQuery(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{
		"duration=x&member=true",
		"duration=30&member=maybe",
		"duration=30&member=true&date=2025-13-01",
		"duration=45&member=true&date=2025-01-01",
	} {
		rec := ts.do(t, http.MethodGet, "/api/payouts/rates/resolve?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestSessions_RecordIdempotentAndOverride(t *testing.T) {
	// GIVEN: A rate and a recorded, priced session
	ts := newTestServer(t)
	ts.createRate(t, 60, true, 7000, "2025-01-01")
	row := ts.recordSession(t, 10, 1, 60, true, "2025-01-10")
	assert.Equal(t, "completed", row.AttendanceState)
	assert.Nil(t, row.OwedCents, "recording does not price")

	// WHEN: The booking system retries the same post
	again := ts.recordSession(t, 10, 1, 60, true, "2025-01-10")

	// THEN: The same row comes back
	assert.Equal(t, row.ID, again.ID)

	gen := ts.do(t, http.MethodPost, "/api/payouts/runs/generate", PeriodRequest{Month: "2025-01"})
	require.Equal(t, http.StatusOK, gen.Code, gen.Body.String())

	// WHEN: An admin overrides the amount in dollars
	dollars := "65.50"
	rec := ts.do(t, http.MethodPut, "/api/payouts/sessions/1/override", OverrideRequest{OverrideDollars: &dollars, Reason: "travel"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	overridden := decode[LedgerRowDTO](t, rec)

	// THEN: Owed follows the override, the applied rate is untouched
	assert.Equal(t, int64(6550), *overridden.OwedCents)
	assert.Equal(t, "65.50", *overridden.Owed)
	assert.Equal(t, int64(7000), *overridden.AppliedRateCents)
	assert.Equal(t, "travel", overridden.OverrideReason)

	// WHEN: Clearing it
	rec = ts.do(t, http.MethodPut, "/api/payouts/sessions/1/override", OverrideRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cleared := decode[LedgerRowDTO](t, ts.do(t, http.MethodGet, "/api/payouts/sessions/1", nil))
	assert.Equal(t, int64(7000), *cleared.OwedCents)
	assert.Nil(t, cleared.OverrideCents)

	// THEN: An override without a reason is rejected
	cents := int64(100)
	missingReason := ts.do(t, http.MethodPut, "/api/payouts/sessions/1/override", OverrideRequest{OverrideCents: &cents})
	assert.Equal(t, http.StatusBadRequest, missingReason.Code)
}

func TestRecordSession_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{`},
		{"bad date", RecordSessionRequest{BookingID: 1, AthleteID: 1, DurationMinutes: 30, SessionDate: "01/10/2025"}},
		{"no booking", RecordSessionRequest{AthleteID: 1, DurationMinutes: 30, SessionDate: "2025-01-10"}},
		{"bad duration", RecordSessionRequest{BookingID: 1, AthleteID: 1, DurationMinutes: 90, SessionDate: "2025-01-10"}},
		{"bad state", RecordSessionRequest{BookingID: 1, AthleteID: 1, DurationMinutes: 30, SessionDate: "2025-01-10", AttendanceState: "late"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/payouts/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/payouts/sessions/42", nil).Code)
}

func TestListAndSummary_Agree(t *testing.T) {
	// GIVEN: Rates for three buckets and January sessions for three athletes
	ts := newTestServer(t)
	ts.createRate(t, 30, true, 4000, "2025-01-01")
	ts.createRate(t, 30, false, 5000, "2025-01-01")
	ts.createRate(t, 60, true, 7000, "2025-01-01")

	ts.recordSession(t, 1, 1, 30, true, "2025-01-03")
	ts.recordSession(t, 1, 2, 30, false, "2025-01-03")
	ts.recordSession(t, 2, 3, 60, true, "2025-01-10")
	ts.recordSession(t, 3, 2, 60, false, "2025-01-20") // no rate
	ts.recordSession(t, 4, 1, 60, true, "2025-02-01")  // outside January

	gen := ts.do(t, http.MethodPost, "/api/payouts/runs/generate", PeriodRequest{PeriodStart: "2025-01-01", PeriodEnd: "2025-01-31"})
	require.Equal(t, http.StatusOK, gen.Code, gen.Body.String())

	tests := []struct {
		query     string
		wantRows  int
		wantOwed  string
		athletes  int
		unresolve int
	}{
		{"month=2025-01", 4, "160.00", 3, 1},
		{"start=2025-01-01&end=2025-01-31&membership=member", 2, "110.00", 2, 0},
		{"month=2025-01&membership=non-member", 2, "50.00", 1, 1},
		{"month=2025-01&athlete_id=2", 2, "50.00", 1, 1},
		{"month=2025-01&duration=60", 2, "70.00", 2, 1},
		{"month=2025-01&state=no-show", 0, "0.00", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			// WHEN: Listing and summarizing with the same filter
			listRec := ts.do(t, http.MethodGet, "/api/payouts/list?"+tt.query, nil)
			require.Equal(t, http.StatusOK, listRec.Code, listRec.Body.String())
			rows := decode[[]LedgerRowDTO](t, listRec)

			sumRec := ts.do(t, http.MethodGet, "/api/payouts/summary?"+tt.query, nil)
			require.Equal(t, http.StatusOK, sumRec.Code, sumRec.Body.String())
			sum := decode[SummaryDTO](t, sumRec)

			// THEN: The summary describes exactly the listed rows
			assert.Len(t, rows, tt.wantRows)
			assert.Equal(t, len(rows), sum.TotalSessions)
			assert.Equal(t, tt.wantOwed, sum.TotalOwed)
			assert.Equal(t, tt.athletes, sum.UniqueAthletes)
			assert.Equal(t, tt.unresolve, sum.UnresolvedSessions)

			var owed int64
			for _, r := range rows {
				if r.OwedCents != nil {
					owed += *r.OwedCents
				}
			}
			assert.Equal(t, owed, sum.TotalOwedCents)
		})
	}
}

func TestListAndSummary_BadFilters(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{
		"",
		"month=2025-1x",
		"start=2025-01-31&end=2025-01-01",
		"start=2025-01-01",
		"month=2025-01&membership=gold",
		"month=2025-01&state=late",
		"month=2025-01&athlete_id=abc",
		"month=2025-01&duration=45",
	} {
		for _, path := range []string{"/api/payouts/list?", "/api/payouts/summary?"} {
			rec := ts.do(t, http.MethodGet, path+q, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, path+q)
		}
	}
}

func TestRuns_Lifecycle(t *testing.T) {
	// GIVEN: A priced January draft
	ts := newTestServer(t)
	ts.createRate(t, 60, true, 7000, "2025-01-01")
	ts.recordSession(t, 1, 1, 60, true, "2025-01-05")
	ts.recordSession(t, 2, 2, 60, true, "2025-01-25")

	rec := ts.do(t, http.MethodPost, "/api/payouts/runs/generate", PeriodRequest{Month: "2025-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gen := decode[GenerateResultDTO](t, rec)
	assert.Equal(t, 2, gen.Priced)
	assert.Equal(t, "draft", gen.Run.Status)
	assert.Equal(t, "140.00", gen.Run.TotalOwed)

	// WHEN: A correction rate lands mid-month and the period is backfilled
	ts.createRate(t, 60, true, 7500, "2025-01-20")
	rec = ts.do(t, http.MethodPost, "/api/payouts/runs/backfill", PeriodRequest{Month: "2025-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	back := decode[BackfillResultDTO](t, rec)

	// THEN: Only the session after the correction changes
	assert.Equal(t, 1, back.Updated)
	assert.Equal(t, 2, back.Total)

	run := decode[RunDTO](t, ts.do(t, http.MethodGet, "/api/payouts/runs/1", nil))
	assert.Equal(t, int64(14500), run.TotalOwedCents)

	// WHEN: The run is locked
	rec = ts.do(t, http.MethodPost, "/api/payouts/runs/1/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	locked := decode[RunDTO](t, rec)
	assert.Equal(t, "locked", locked.Status)
	require.NotNil(t, locked.LockedAt)

	// THEN: Every mutation touching January answers 409 run_locked
	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/api/payouts/runs/generate", PeriodRequest{Month: "2025-01"}},
		{http.MethodPost, "/api/payouts/runs/backfill", PeriodRequest{PeriodStart: "2025-01-15", PeriodEnd: "2025-02-15"}},
		{http.MethodPost, "/api/payouts/runs/clear", PeriodRequest{Month: "2025-01"}},
		{http.MethodPost, "/api/payouts/sessions", RecordSessionRequest{BookingID: 9, AthleteID: 9, DurationMinutes: 60, SessionDate: "2025-01-31"}},
	} {
		rec := ts.do(t, tc.method, tc.path, tc.body)
		require.Equal(t, http.StatusConflict, rec.Code, tc.path)
		resp := decode[struct {
			Code    string        `json:"code"`
			Details LockedDetails `json:"details"`
		}](t, rec)
		assert.Equal(t, "run_locked", resp.Code)
		assert.Equal(t, int64(1), resp.Details.RunID)
		assert.Equal(t, "2025-01-01", resp.Details.PeriodStart)
		assert.Equal(t, "2025-01-31", resp.Details.PeriodEnd)
	}

	// THEN: Locking again and deleting conflict
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/payouts/runs/1/lock", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodDelete, "/api/payouts/runs/1", nil).Code)

	// THEN: February is still open
	rec = ts.do(t, http.MethodPost, "/api/payouts/runs/generate", PeriodRequest{Month: "2025-02"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRuns_ClearDeleteAndList(t *testing.T) {
	// GIVEN: Priced drafts for January and February
	ts := newTestServer(t)
	ts.createRate(t, 30, false, 5000, "2025-01-01")
	ts.recordSession(t, 1, 1, 30, false, "2025-01-05")
	ts.recordSession(t, 2, 1, 30, false, "2025-02-05")
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/payouts/runs/generate", PeriodRequest{Month: "2025-01"}).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/payouts/runs/generate", PeriodRequest{Month: "2025-02"}).Code)

	// WHEN: Clearing January
	rec := ts.do(t, http.MethodPost, "/api/payouts/runs/clear", PeriodRequest{Month: "2025-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: One row is unpriced and the run shows nothing owed
	assert.Equal(t, 1, decode[ClearResultDTO](t, rec).Updated)
	runs := decode[[]RunDTO](t, ts.do(t, http.MethodGet, "/api/payouts/runs", nil))
	require.Len(t, runs, 2)
	assert.Equal(t, "2025-02-01", runs[0].PeriodStart, "newest period first")
	assert.Equal(t, int64(0), runs[1].TotalOwedCents)
	assert.Equal(t, 1, runs[1].UnresolvedSessions)

	limited := decode[[]RunDTO](t, ts.do(t, http.MethodGet, "/api/payouts/runs?limit=1", nil))
	assert.Len(t, limited, 1)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/payouts/runs?limit=0", nil).Code)

	// WHEN: Deleting the January draft
	rec = ts.do(t, http.MethodDelete, "/api/payouts/runs/"+itoa(runs[1].ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The run is gone, the ledger row stays
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/payouts/runs/"+itoa(runs[1].ID), nil).Code)
	rows := decode[[]LedgerRowDTO](t, ts.do(t, http.MethodGet, "/api/payouts/list?month=2025-01", nil))
	assert.Len(t, rows, 1)
}

func TestRuns_PeriodBody(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []any{
		`not json`,
		PeriodRequest{},
		PeriodRequest{PeriodStart: "2025-01-01"},
		PeriodRequest{Month: "2025-01", PeriodStart: "2025-01-01", PeriodEnd: "2025-01-31"},
		PeriodRequest{PeriodStart: "2025-02-01", PeriodEnd: "2025-01-01"},
	} {
		rec := ts.do(t, http.MethodPost, "/api/payouts/runs/generate", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", body)
	}
}

func TestHealthAndReset(t *testing.T) {
	ts := newTestServer(t)
	ts.createRate(t, 30, true, 4000, "2025-01-01")

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))

	rec = ts.do(t, http.MethodPost, "/api/admin/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rates, err := ts.handler.Engine.ListRates(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, rates)
}

func TestRouter_CORSOrigins(t *testing.T) {
	ts := newTestServer(t)

	preflight := func(router http.Handler, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/payouts/runs", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// GIVEN: The default origins
	// THEN: The dev frontend is allowed with credentials, other sites are not
	rec := preflight(ts.router, DefaultOrigins[0])
	assert.Equal(t, DefaultOrigins[0], rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = preflight(ts.router, "https://attacker.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// GIVEN: A wildcard origin
	// THEN: Any site is allowed but never with credentials
	wildcard := NewRouter(ts.handler, []string{"*"})
	rec = preflight(wildcard, "https://attacker.example")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestMoneyHelpers(t *testing.T) {
	assert.Equal(t, "0.00", formatDollars(0))
	assert.Equal(t, "0.05", formatDollars(5))
	assert.Equal(t, "1234.50", formatDollars(123450))
	assert.Equal(t, "-2.00", formatDollars(-200))

	for in, want := range map[string]int64{"50": 5000, "50.5": 5050, "50.05": 5005, "0.01": 1, "65.50": 6550} {
		got, err := parseDollars("rate", in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseDollars("rate", "1.001")
	assert.ErrorIs(t, err, payout.ErrInvalidInput)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
