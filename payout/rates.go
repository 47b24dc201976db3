/*
rates.go - Effective-dated rate table

Each bucket (duration, membership) has a history of rates. At most one is
active (EffectiveTo == nil). Creating a rate for a bucket with an active
rate closes the old one at the new rate's EffectiveFrom, in the same
transaction, so there is never a moment with two active rates.

EXAMPLE:
  Jan 1: create 30min/member 5000  -> A [Jan 1, ∞)
  Mar 1: create 30min/member 5500  -> A [Jan 1, Mar 1), B [Mar 1, ∞)
  ResolveRate(30, true, Feb 28) = 5000
  ResolveRate(30, true, Mar 1)  = 5500

  A rate created from on or before the active rate's start replaces it
  outright: the old row closes at its own start and never resolves again.
*/
package payout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NewRate is the input to CreateRate.
type NewRate struct {
	DurationMinutes int
	IsMember        bool
	RateCents       int64
	EffectiveFrom   *time.Time // nil = now
}

// CreateRate adds a rate and retires the bucket's active rate, atomically.
func (e *Engine) CreateRate(ctx context.Context, in NewRate) (*PayRate, error) {
	bucket := Bucket{DurationMinutes: in.DurationMinutes, IsMember: in.IsMember}
	if err := bucket.Validate(); err != nil {
		return nil, err
	}
	if in.RateCents <= 0 {
		return nil, &InputError{Field: "rate_cents", Message: fmt.Sprintf("rate must be positive, got %d", in.RateCents)}
	}

	now := e.now()
	from := now
	if in.EffectiveFrom != nil {
		from = in.EffectiveFrom.UTC()
	}

	rate := &PayRate{
		DurationMinutes: in.DurationMinutes,
		IsMember:        in.IsMember,
		RateCents:       in.RateCents,
		EffectiveFrom:   from,
	}

	var retired []RateID
	err := e.Store.WithLock(ctx, []string{rateLockKey(bucket)}, func(s Store) error {
		active, err := s.ListRates(ctx, true)
		if err != nil {
			return err
		}
		for _, a := range active {
			if a.Bucket() != bucket {
				continue
			}
			// A correction starting on or before the active rate empties it.
			to := from
			if to.Before(a.EffectiveFrom) {
				to = a.EffectiveFrom
			}
			if err := s.CloseRate(ctx, a.ID, to); err != nil {
				return err
			}
			retired = append(retired, a.ID)
		}
		return s.InsertRate(ctx, rate)
	})
	if err != nil {
		return nil, err
	}

	e.log().Info("pay rate created",
		zap.Int64("rate_id", int64(rate.ID)),
		zap.Stringer("bucket", bucket),
		zap.Int64("rate_cents", rate.RateCents),
		zap.Time("effective_from", rate.EffectiveFrom),
		zap.Int("retired", len(retired)))
	return rate, nil
}

// RetireRate closes an active rate now without a replacement.
func (e *Engine) RetireRate(ctx context.Context, id RateID) (*PayRate, error) {
	current, err := e.Store.GetRate(ctx, id)
	if err != nil {
		return nil, err
	}

	var rate *PayRate
	err = e.Store.WithLock(ctx, []string{rateLockKey(current.Bucket())}, func(s Store) error {
		r, err := s.GetRate(ctx, id)
		if err != nil {
			return err
		}
		if !r.IsActive() {
			return fmt.Errorf("rate %d closed at %s: %w", id, r.EffectiveTo.Format(time.RFC3339), ErrAlreadyRetired)
		}
		to := e.now()
		// A rate that has not started yet closes with an empty range.
		if to.Before(r.EffectiveFrom) {
			to = r.EffectiveFrom
		}
		if err := s.CloseRate(ctx, id, to); err != nil {
			return err
		}
		r.EffectiveTo = &to
		rate = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log().Info("pay rate retired", zap.Int64("rate_id", int64(id)), zap.Stringer("bucket", rate.Bucket()))
	return rate, nil
}

// ListRates returns the rate history, or only active rates.
func (e *Engine) ListRates(ctx context.Context, activeOnly bool) ([]PayRate, error) {
	return e.Store.ListRates(ctx, activeOnly)
}

// ResolveRate returns the rate in force for the bucket on the given day.
// found == false means the amount is undetermined, not zero.
func (e *Engine) ResolveRate(ctx context.Context, durationMinutes int, isMember bool, on time.Time) (rateCents int64, found bool, err error) {
	bucket := Bucket{DurationMinutes: durationMinutes, IsMember: isMember}
	if err := bucket.Validate(); err != nil {
		return 0, false, err
	}
	snap, err := loadSnapshot(ctx, e.Store)
	if err != nil {
		return 0, false, err
	}
	res := snap.Resolve(bucket, on)
	if res.Ambiguous() {
		e.warnAmbiguous(bucket, on, res)
	}
	if !res.Found {
		return 0, false, nil
	}
	return res.Rate.RateCents, true, nil
}

func (e *Engine) warnAmbiguous(b Bucket, on time.Time, res Resolution) {
	e.log().Warn("overlapping pay rates; using latest effective_from",
		zap.Stringer("bucket", b),
		zap.String("date", on.Format(DateLayout)),
		zap.Int("matches", res.Matches),
		zap.Int64("chosen_rate_id", int64(res.Rate.ID)))
}
