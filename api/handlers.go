/*
handlers.go - HTTP API handlers for the payout engine

PURPOSE:
  Exposes the payout engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to payout.Engine.

ENDPOINTS:
  Rates:
    GET    /api/payouts/rates                List rates (?scope=active|all)
    POST   /api/payouts/rates                Create rate, retiring the bucket's active one
    POST   /api/payouts/rates/{id}/retire    Retire a rate now
    GET    /api/payouts/rates/resolve        Rate for ?duration=&member=&date=

  Sessions:
    POST   /api/payouts/sessions             Record a finalized session (idempotent)
    GET    /api/payouts/sessions/{id}        Get a ledger row
    PUT    /api/payouts/sessions/{id}/override  Set or clear an override

  Ledger:
    GET    /api/payouts/list                 Ledger rows matching the filter
    GET    /api/payouts/summary              Totals over the same rows

  Runs:
    GET    /api/payouts/runs                 Recent runs (?limit=, default 6)
    GET    /api/payouts/runs/{id}            Get run
    POST   /api/payouts/runs/generate        Price unpriced rows, upsert draft run
    POST   /api/payouts/runs/backfill        Reprice every row in the period
    POST   /api/payouts/runs/clear           Unprice every row in the period
    POST   /api/payouts/runs/{id}/lock       Lock a run
    DELETE /api/payouts/runs/{id}            Delete a draft run

  Admin:
    POST   /api/admin/reset                  Clear all data

  Scenarios:
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Load a demo scenario

FILTER QUERY PARAMETERS (list, summary):
  month=YYYY-MM or start=YYYY-MM-DD&end=YYYY-MM-DD (required)
  membership=all|member|non-member, athlete_id=, state=, duration=

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Rate, ledger row or run not found
  - 409: Locked period, duplicate, or state conflict (code "run_locked"
         carries the blocking run in details)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/payout-engine/payout"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can drop all data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Pinger is implemented by stores backed by a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *payout.Engine
	Logger *zap.Logger

	// scenarioMu serializes resets and scenario loads and guards currentScenario.
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *payout.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Logger: logger}
}

// scenario returns the currently loaded scenario ID.
func (h *Handler) scenario() string {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()
	return h.currentScenario
}

// reset clears the store and the summary cache. Callers hold scenarioMu.
func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Engine.Store.(Resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.Engine.Cache.Invalidate(ctx)
	h.currentScenario = ""
	return nil
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// ListRates returns rates; scope=active hides retired ones.
func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope != "" && scope != "active" && scope != "all" {
		writeError(w, http.StatusBadRequest, "scope must be active or all", nil)
		return
	}

	rates, err := h.Engine.ListRates(r.Context(), scope == "active")
	if err != nil {
		h.writeEngineError(w, "Failed to list rates", err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTOs(rates))
}

// CreateRate adds a rate for a bucket.
func (h *Handler) CreateRate(w http.ResponseWriter, r *http.Request) {
	var req CreateRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cents, err := amountCents("rate", req.RateCents, req.RateDollars)
	if err != nil {
		h.writeEngineError(w, "Invalid rate", err)
		return
	}
	if cents == nil {
		writeError(w, http.StatusBadRequest, "rate_cents or rate_dollars is required", nil)
		return
	}

	in := payout.NewRate{
		DurationMinutes: req.DurationMinutes,
		IsMember:        req.IsMember,
		RateCents:       *cents,
	}
	if req.EffectiveFrom != "" {
		from, err := parseDayOrTime("effective_from", req.EffectiveFrom)
		if err != nil {
			h.writeEngineError(w, "Invalid effective_from", err)
			return
		}
		in.EffectiveFrom = &from
	}

	rate, err := h.Engine.CreateRate(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, "Failed to create rate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRateDTO(*rate))
}

// RetireRate closes an active rate as of now.
func (h *Handler) RetireRate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	rate, err := h.Engine.RetireRate(r.Context(), payout.RateID(id))
	if err != nil {
		h.writeEngineError(w, "Failed to retire rate", err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTO(*rate))
}

// ResolveRate answers which rate applies to a bucket on a date.
func (h *Handler) ResolveRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	duration, err := strconv.Atoi(q.Get("duration"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "duration must be an integer", err)
		return
	}
	member, err := strconv.ParseBool(q.Get("member"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "member must be true or false", err)
		return
	}
	on := h.Engine.Today()
	if s := q.Get("date"); s != "" {
		on, err = payout.ParseDate(s)
		if err != nil {
			h.writeEngineError(w, "Invalid date", err)
			return
		}
	}

	cents, found, err := h.Engine.ResolveRate(r.Context(), duration, member, on)
	if err != nil {
		h.writeEngineError(w, "Failed to resolve rate", err)
		return
	}

	dto := ResolveRateDTO{
		DurationMinutes: duration,
		IsMember:        member,
		Date:            on.Format(payout.DateLayout),
		Found:           found,
	}
	if found {
		dto.RateCents = &cents
		dto.Rate = formatDollarsPtr(&cents)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// RecordSession adds a ledger row. Re-posting the same booking and athlete
// returns the existing row.
func (h *Handler) RecordSession(w http.ResponseWriter, r *http.Request) {
	var req RecordSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sessionDate, err := payout.ParseDate(req.SessionDate)
	if err != nil {
		h.writeEngineError(w, "Invalid session_date format (use YYYY-MM-DD)", err)
		return
	}

	row, err := h.Engine.RecordSession(r.Context(), payout.SessionInput{
		BookingID:         req.BookingID,
		AthleteID:         req.AthleteID,
		DurationMinutes:   req.DurationMinutes,
		IsMemberAtBooking: req.IsMemberAtBooking,
		SessionDate:       sessionDate,
		AttendanceState:   payout.AttendanceState(req.AttendanceState),
	})
	if err != nil {
		h.writeEngineError(w, "Failed to record session", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerRowDTO(*row))
}

// GetLedgerRow returns one ledger row.
func (h *Handler) GetLedgerRow(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	row, err := h.Engine.GetLedgerRow(r.Context(), payout.LedgerRowID(id))
	if err != nil {
		h.writeEngineError(w, "Failed to get ledger row", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerRowDTO(*row))
}

// SetOverride sets or clears the admin override on a ledger row.
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cents, err := amountCents("override", req.OverrideCents, req.OverrideDollars)
	if err != nil {
		h.writeEngineError(w, "Invalid override", err)
		return
	}

	row, err := h.Engine.SetOverride(r.Context(), payout.LedgerRowID(id), cents, req.Reason)
	if err != nil {
		h.writeEngineError(w, "Failed to set override", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerRowDTO(*row))
}

// =============================================================================
// LEDGER QUERY HANDLERS
// =============================================================================

// ListLedger returns the rows matching the query filter.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.writeEngineError(w, "Invalid filter", err)
		return
	}

	rows, err := h.Engine.List(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, "Failed to list payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerRowDTOs(rows))
}

// GetSummary returns totals over exactly the rows ListLedger returns.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.writeEngineError(w, "Invalid filter", err)
		return
	}

	sum, err := h.Engine.Summary(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, "Failed to summarize payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(f.Period, *sum))
}

// parseFilter reads the list/summary query parameters.
func parseFilter(r *http.Request) (payout.Filter, error) {
	q := r.URL.Query()
	var f payout.Filter

	var err error
	switch {
	case q.Get("month") != "":
		f.Period, err = parseMonth(q.Get("month"))
	case q.Get("start") != "" || q.Get("end") != "":
		f.Period, err = payout.ParsePeriod(q.Get("start"), q.Get("end"))
	default:
		err = &payout.InputError{Field: "period", Message: "month or start/end is required"}
	}
	if err != nil {
		return f, err
	}

	f.Membership = payout.MembershipFilter(strings.ToLower(q.Get("membership")))
	f.State = payout.AttendanceState(strings.ToLower(q.Get("state")))

	if s := q.Get("athlete_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return f, &payout.InputError{Field: "athlete_id", Message: fmt.Sprintf("%q is not an integer", s)}
		}
		f.AthleteID = &id
	}
	if s := q.Get("duration"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil {
			return f, &payout.InputError{Field: "duration", Message: fmt.Sprintf("%q is not an integer", s)}
		}
		f.DurationMinutes = d
	}
	return f, f.Validate()
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

const (
	defaultRunLimit = 6
	maxRunLimit     = 100
)

// ListRuns returns the most recent runs first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxRunLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxRunLimit), err)
			return
		}
		limit = n
	}

	runs, err := h.Engine.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTOs(runs))
}

// GetRun returns one run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	run, err := h.Engine.GetRun(r.Context(), payout.RunID(id))
	if err != nil {
		h.writeEngineError(w, "Failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// GenerateRun prices unpriced rows and creates or refreshes the period's run.
func (h *Handler) GenerateRun(w http.ResponseWriter, r *http.Request) {
	p, ok := h.periodBody(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.Generate(r.Context(), p)
	if err != nil {
		h.writeEngineError(w, "Failed to generate payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResultDTO{
		Run:        toRunDTO(res.Run),
		Priced:     res.Priced,
		Unresolved: res.Unresolved,
	})
}

// BackfillRun reprices every row in the period.
func (h *Handler) BackfillRun(w http.ResponseWriter, r *http.Request) {
	p, ok := h.periodBody(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.Backfill(r.Context(), p)
	if err != nil {
		h.writeEngineError(w, "Failed to backfill payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, BackfillResultDTO{
		Updated:    res.Updated,
		Total:      res.Total,
		Unresolved: res.Unresolved,
	})
}

// ClearRun unprices every row in the period.
func (h *Handler) ClearRun(w http.ResponseWriter, r *http.Request) {
	p, ok := h.periodBody(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.ClearPayouts(r.Context(), p)
	if err != nil {
		h.writeEngineError(w, "Failed to clear payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResultDTO{Updated: res.Updated})
}

// LockRun freezes a run and its period.
func (h *Handler) LockRun(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	run, err := h.Engine.Lock(r.Context(), payout.RunID(id))
	if err != nil {
		h.writeEngineError(w, "Failed to lock run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// DeleteRun removes a draft run. Ledger rows are untouched.
func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := h.Engine.DeleteRun(r.Context(), payout.RunID(id)); err != nil {
		h.writeEngineError(w, "Failed to delete run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) periodBody(w http.ResponseWriter, r *http.Request) (payout.Period, bool) {
	var req PeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return payout.Period{}, false
	}
	p, err := req.toPeriod()
	if err != nil {
		h.writeEngineError(w, "Invalid period", err)
		return payout.Period{}, false
	}
	return p, true
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	err := h.reset(r.Context())
	h.scenarioMu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports liveness and, when the store has one, database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps payout errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	var locked *payout.RunLockedError
	switch {
	case errors.As(err, &locked):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: message,
			Code:  "run_locked",
			Details: LockedDetails{
				Message:     err.Error(),
				RunID:       int64(locked.RunID),
				PeriodStart: locked.Period.Start.Format(payout.DateLayout),
				PeriodEnd:   locked.Period.End.Format(payout.DateLayout),
			},
		})
	case payout.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "invalid_input", Details: err.Error()})
	case payout.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found", Details: err.Error()})
	case payout.IsConflict(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "conflict", Details: err.Error()})
	default:
		h.Logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

// idParam parses the {id} URL parameter, writing a 400 when it is not a
// positive integer.
func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	s := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid id %q", s), err)
		return 0, false
	}
	return id, true
}
