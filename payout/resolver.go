package payout

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// RATE SNAPSHOT - Rate table read once per compute pass
// =============================================================================

// RateSnapshot is an immutable copy of the rate table, grouped by bucket.
// A compute pass loads it once and resolves every row against it, so all
// rows in a pass see the same rates.
type RateSnapshot struct {
	buckets map[Bucket][]PayRate // newest EffectiveFrom first
}

// NewRateSnapshot groups rates by bucket.
func NewRateSnapshot(rates []PayRate) *RateSnapshot {
	s := &RateSnapshot{buckets: make(map[Bucket][]PayRate)}
	for _, r := range rates {
		s.buckets[r.Bucket()] = append(s.buckets[r.Bucket()], r)
	}
	for b := range s.buckets {
		rs := s.buckets[b]
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].EffectiveFrom.Equal(rs[j].EffectiveFrom) {
				return rs[i].ID > rs[j].ID
			}
			return rs[i].EffectiveFrom.After(rs[j].EffectiveFrom)
		})
	}
	return s
}

// Resolution is the outcome of resolving one bucket on one day.
type Resolution struct {
	Rate  PayRate
	Found bool

	// Matches counts rates covering the day. More than one means the table
	// has overlapping ranges; the newest EffectiveFrom was chosen.
	Matches int
}

// Ambiguous reports whether more than one rate covered the day.
func (r Resolution) Ambiguous() bool { return r.Matches > 1 }

// Resolve finds the rate in force for the bucket on the given day.
// Never fails: a missing rate is reported with Found == false.
func (s *RateSnapshot) Resolve(b Bucket, on time.Time) Resolution {
	var res Resolution
	for _, r := range s.buckets[b] {
		if !r.Covers(on) {
			continue
		}
		if !res.Found {
			res.Rate = r
			res.Found = true
		}
		res.Matches++
	}
	return res
}

func loadSnapshot(ctx context.Context, s Store) (*RateSnapshot, error) {
	rates, err := s.ListRates(ctx, false)
	if err != nil {
		return nil, err
	}
	return NewRateSnapshot(rates), nil
}
