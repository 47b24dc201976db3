// Package store provides an in-memory payout.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/payout-engine/payout"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a payout.TxStore backed by slices. One mutex serializes every
// transaction, which also satisfies WithLock for any set of keys.
type Memory struct {
	mu   sync.Mutex
	data *memoryData

	// Now stamps CreatedAt on inserts.
	Now func() time.Time
}

type memoryData struct {
	rates    []payout.PayRate
	rows     []payout.LedgerRow
	runs     []payout.PayoutRun
	nextRate int64
	nextRow  int64
	nextRun  int64
}

var _ payout.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: &memoryData{}, Now: time.Now}
}

// view runs fn against the data under the store mutex.
func (m *Memory) view(fn func(v *memoryView) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryView{d: m.data, now: m.now})
}

// Reset drops every rate, row and run.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = &memoryData{}
	return nil
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *Memory) InsertRate(ctx context.Context, rate *payout.PayRate) error {
	return m.view(func(v *memoryView) error { return v.InsertRate(ctx, rate) })
}

func (m *Memory) CloseRate(ctx context.Context, id payout.RateID, effectiveTo time.Time) error {
	return m.view(func(v *memoryView) error { return v.CloseRate(ctx, id, effectiveTo) })
}

func (m *Memory) GetRate(ctx context.Context, id payout.RateID) (r *payout.PayRate, err error) {
	err = m.view(func(v *memoryView) error { r, err = v.GetRate(ctx, id); return err })
	return r, err
}

func (m *Memory) ListRates(ctx context.Context, activeOnly bool) (rs []payout.PayRate, err error) {
	err = m.view(func(v *memoryView) error { rs, err = v.ListRates(ctx, activeOnly); return err })
	return rs, err
}

func (m *Memory) InsertLedgerRow(ctx context.Context, row *payout.LedgerRow) error {
	return m.view(func(v *memoryView) error { return v.InsertLedgerRow(ctx, row) })
}

func (m *Memory) GetLedgerRow(ctx context.Context, id payout.LedgerRowID) (r *payout.LedgerRow, err error) {
	err = m.view(func(v *memoryView) error { r, err = v.GetLedgerRow(ctx, id); return err })
	return r, err
}

func (m *Memory) FindLedgerRow(ctx context.Context, bookingID, athleteID int64) (r *payout.LedgerRow, err error) {
	err = m.view(func(v *memoryView) error { r, err = v.FindLedgerRow(ctx, bookingID, athleteID); return err })
	return r, err
}

func (m *Memory) LedgerRows(ctx context.Context, p payout.Period) (rs []payout.LedgerRow, err error) {
	err = m.view(func(v *memoryView) error { rs, err = v.LedgerRows(ctx, p); return err })
	return rs, err
}

func (m *Memory) UpdatePricing(ctx context.Context, row payout.LedgerRow) error {
	return m.view(func(v *memoryView) error { return v.UpdatePricing(ctx, row) })
}

func (m *Memory) GetRun(ctx context.Context, id payout.RunID) (r *payout.PayoutRun, err error) {
	err = m.view(func(v *memoryView) error { r, err = v.GetRun(ctx, id); return err })
	return r, err
}

func (m *Memory) FindRun(ctx context.Context, p payout.Period) (r *payout.PayoutRun, err error) {
	err = m.view(func(v *memoryView) error { r, err = v.FindRun(ctx, p); return err })
	return r, err
}

func (m *Memory) LockedRunsOverlapping(ctx context.Context, p payout.Period) (rs []payout.PayoutRun, err error) {
	err = m.view(func(v *memoryView) error { rs, err = v.LockedRunsOverlapping(ctx, p); return err })
	return rs, err
}

func (m *Memory) SaveRun(ctx context.Context, run *payout.PayoutRun) error {
	return m.view(func(v *memoryView) error { return v.SaveRun(ctx, run) })
}

func (m *Memory) DeleteRun(ctx context.Context, id payout.RunID) error {
	return m.view(func(v *memoryView) error { return v.DeleteRun(ctx, id) })
}

func (m *Memory) ListRuns(ctx context.Context, limit int) (rs []payout.PayoutRun, err error) {
	err = m.view(func(v *memoryView) error { rs, err = v.ListRuns(ctx, limit); return err })
	return rs, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(payout.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memoryView{d: m.data, now: m.now}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// WithLock is WithTx; the store mutex already excludes every other writer.
func (m *Memory) WithLock(ctx context.Context, _ []string, fn func(payout.Store) error) error {
	return m.WithTx(ctx, fn)
}

func (d *memoryData) clone() *memoryData {
	return &memoryData{
		rates:    append([]payout.PayRate(nil), d.rates...),
		rows:     append([]payout.LedgerRow(nil), d.rows...),
		runs:     append([]payout.PayoutRun(nil), d.runs...),
		nextRate: d.nextRate,
		nextRow:  d.nextRow,
		nextRun:  d.nextRun,
	}
}

// =============================================================================
// MEMORY VIEW - Unlocked access, used inside transactions
// =============================================================================

type memoryView struct {
	d   *memoryData
	now func() time.Time
}

func (v *memoryView) InsertRate(_ context.Context, rate *payout.PayRate) error {
	if rate.EffectiveTo == nil {
		for _, r := range v.d.rates {
			if r.IsActive() && r.Bucket() == rate.Bucket() {
				return fmt.Errorf("bucket %s, rate %d: %w", rate.Bucket(), r.ID, payout.ErrActiveRateExists)
			}
		}
	}
	v.d.nextRate++
	rate.ID = payout.RateID(v.d.nextRate)
	rate.CreatedAt = v.now()
	v.d.rates = append(v.d.rates, *rate)
	return nil
}

func (v *memoryView) CloseRate(_ context.Context, id payout.RateID, effectiveTo time.Time) error {
	for i := range v.d.rates {
		if v.d.rates[i].ID == id {
			to := effectiveTo
			v.d.rates[i].EffectiveTo = &to
			return nil
		}
	}
	return payout.ErrRateNotFound
}

func (v *memoryView) GetRate(_ context.Context, id payout.RateID) (*payout.PayRate, error) {
	for _, r := range v.d.rates {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, payout.ErrRateNotFound
}

func (v *memoryView) ListRates(_ context.Context, activeOnly bool) ([]payout.PayRate, error) {
	var out []payout.PayRate
	for _, r := range v.d.rates {
		if activeOnly && !r.IsActive() {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DurationMinutes != b.DurationMinutes {
			return a.DurationMinutes < b.DurationMinutes
		}
		if a.IsMember != b.IsMember {
			return !a.IsMember
		}
		return a.EffectiveFrom.Before(b.EffectiveFrom)
	})
	return out, nil
}

func (v *memoryView) InsertLedgerRow(_ context.Context, row *payout.LedgerRow) error {
	for _, r := range v.d.rows {
		if r.BookingID == row.BookingID && r.AthleteID == row.AthleteID {
			return fmt.Errorf("booking %d athlete %d: %w", row.BookingID, row.AthleteID, payout.ErrDuplicateSession)
		}
	}
	v.d.nextRow++
	row.ID = payout.LedgerRowID(v.d.nextRow)
	row.CreatedAt = v.now()
	v.d.rows = append(v.d.rows, *row)
	return nil
}

func (v *memoryView) GetLedgerRow(_ context.Context, id payout.LedgerRowID) (*payout.LedgerRow, error) {
	for _, r := range v.d.rows {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, payout.ErrLedgerRowNotFound
}

func (v *memoryView) FindLedgerRow(_ context.Context, bookingID, athleteID int64) (*payout.LedgerRow, error) {
	for _, r := range v.d.rows {
		if r.BookingID == bookingID && r.AthleteID == athleteID {
			return &r, nil
		}
	}
	return nil, nil
}

func (v *memoryView) LedgerRows(_ context.Context, p payout.Period) ([]payout.LedgerRow, error) {
	var out []payout.LedgerRow
	for _, r := range v.d.rows {
		if p.Contains(r.SessionDate) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SessionDate.Equal(out[j].SessionDate) {
			return out[i].SessionDate.Before(out[j].SessionDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *memoryView) UpdatePricing(_ context.Context, row payout.LedgerRow) error {
	for i := range v.d.rows {
		if v.d.rows[i].ID != row.ID {
			continue
		}
		cur := &v.d.rows[i]
		cur.AppliedRateCents = row.AppliedRateCents
		cur.OwedCents = row.OwedCents
		cur.ComputedAt = row.ComputedAt
		cur.OverrideCents = row.OverrideCents
		cur.OverrideReason = row.OverrideReason
		return nil
	}
	return payout.ErrLedgerRowNotFound
}

func (v *memoryView) GetRun(_ context.Context, id payout.RunID) (*payout.PayoutRun, error) {
	for _, r := range v.d.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, payout.ErrRunNotFound
}

func (v *memoryView) FindRun(_ context.Context, p payout.Period) (*payout.PayoutRun, error) {
	for _, r := range v.d.runs {
		if r.Period.Equal(p) {
			return &r, nil
		}
	}
	return nil, nil
}

func (v *memoryView) LockedRunsOverlapping(_ context.Context, p payout.Period) ([]payout.PayoutRun, error) {
	var out []payout.PayoutRun
	for _, r := range v.d.runs {
		if r.IsLocked() && r.Period.Overlaps(p) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v *memoryView) SaveRun(_ context.Context, run *payout.PayoutRun) error {
	for i := range v.d.runs {
		if v.d.runs[i].Period.Equal(run.Period) {
			run.ID = v.d.runs[i].ID
			v.d.runs[i] = *run
			return nil
		}
	}
	v.d.nextRun++
	run.ID = payout.RunID(v.d.nextRun)
	v.d.runs = append(v.d.runs, *run)
	return nil
}

func (v *memoryView) DeleteRun(_ context.Context, id payout.RunID) error {
	for i := range v.d.runs {
		if v.d.runs[i].ID == id {
			v.d.runs = append(v.d.runs[:i:i], v.d.runs[i+1:]...)
			return nil
		}
	}
	return payout.ErrRunNotFound
}

func (v *memoryView) ListRuns(_ context.Context, limit int) ([]payout.PayoutRun, error) {
	out := append([]payout.PayoutRun(nil), v.d.runs...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Period.Start.Equal(out[j].Period.Start) {
			return out[i].Period.Start.After(out[j].Period.Start)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
